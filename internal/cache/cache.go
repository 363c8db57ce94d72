// Package cache keeps live call session state in Redis so any gateway
// instance can serve a reconnecting seller or a joining manager.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
)

// SessionCache stores CallSession snapshots and per-user current-call
// pointers. Entries expire after the configured TTL.
type SessionCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logging.Logger
}

// New creates a session cache over the given Redis client.
func New(rdb *redis.Client, ttl time.Duration, log *logging.Logger) *SessionCache {
	return &SessionCache{rdb: rdb, ttl: ttl, log: log.Sub("cache")}
}

func sessionKey(callID string) string {
	return fmt.Sprintf("call:%s:session", callID)
}

func currentCallKey(userID string) string {
	return fmt.Sprintf("user:%s:current_call", userID)
}

// Get returns the cached session for a call, or nil on a miss.
func (c *SessionCache) Get(ctx context.Context, callID string) (*domain.CallSession, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(callID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", callID, err)
	}

	var session domain.CallSession
	if err := json.Unmarshal(raw, &session); err != nil {
		// A corrupt entry is treated as a miss so the caller rebuilds it.
		c.log.Warn().Str("call_id", callID).Err(err).Msg("dropping corrupt session entry")
		c.rdb.Del(ctx, sessionKey(callID))
		return nil, nil
	}
	return &session, nil
}

// Put writes a session snapshot, refreshing its TTL.
func (c *SessionCache) Put(ctx context.Context, session *domain.CallSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, sessionKey(session.CallID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", session.CallID, err)
	}
	return nil
}

// Delete evicts a session snapshot.
func (c *SessionCache) Delete(ctx context.Context, callID string) error {
	return c.rdb.Del(ctx, sessionKey(callID)).Err()
}

// SetCurrentCall points a user at their active call.
func (c *SessionCache) SetCurrentCall(ctx context.Context, userID, callID string) error {
	return c.rdb.Set(ctx, currentCallKey(userID), callID, c.ttl).Err()
}

// CurrentCall returns the user's active call ID, or "" when none is set.
func (c *SessionCache) CurrentCall(ctx context.Context, userID string) (string, error) {
	callID, err := c.rdb.Get(ctx, currentCallKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current call for %s: %w", userID, err)
	}
	return callID, nil
}

// ClearCurrentCall removes the user's active call pointer, but only when it
// still points at the given call. A seller who already started a new call
// keeps their pointer.
func (c *SessionCache) ClearCurrentCall(ctx context.Context, userID, callID string) error {
	current, err := c.CurrentCall(ctx, userID)
	if err != nil {
		return err
	}
	if current != callID {
		return nil
	}
	return c.rdb.Del(ctx, currentCallKey(userID)).Err()
}
