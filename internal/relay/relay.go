// Package relay moves live call traffic through Redis pub/sub so seller and
// manager connections can live on different gateway instances.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
)

// Per-call channel suffixes. Every channel is scoped to one call ID.
const (
	chanSession     = "session"
	chanCommands    = "commands"
	chanStream      = "stream"
	chanMediaRaw    = "media_raw"
	chanLiveSummary = "live_summary"
)

// mediaHeaderTTL bounds how long a cached container header outlives its call.
const mediaHeaderTTL = 5 * time.Hour

// Relay publishes call traffic to Redis and hands out subscriptions.
type Relay struct {
	rdb *redis.Client
	log *logging.Logger
}

// New creates a relay over the given Redis client.
func New(rdb *redis.Client, log *logging.Logger) *Relay {
	return &Relay{rdb: rdb, log: log.Sub("relay")}
}

func callChannel(callID, suffix string) string {
	return fmt.Sprintf("call:%s:%s", callID, suffix)
}

func mediaHeaderKey(callID string) string {
	return fmt.Sprintf("call:%s:media_header", callID)
}

// message is the envelope carried on every JSON pub/sub channel.
type message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (r *Relay) publish(ctx context.Context, channel, typ string, payload any) error {
	raw, err := json.Marshal(message{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", typ, channel, err)
	}
	return nil
}

// PublishSession broadcasts a lifecycle event (call started, ended,
// participants changed) on the call's session channel.
func (r *Relay) PublishSession(ctx context.Context, callID, typ string, payload any) error {
	return r.publish(ctx, callChannel(callID, chanSession), typ, payload)
}

// PublishStream broadcasts an event on the call's stream channel.
func (r *Relay) PublishStream(ctx context.Context, callID, typ string, payload any) error {
	return r.publish(ctx, callChannel(callID, chanStream), typ, payload)
}

// PublishTranscript forwards an accepted transcript chunk to viewers.
func (r *Relay) PublishTranscript(ctx context.Context, callID string, chunk domain.TranscriptChunk) error {
	return r.publish(ctx, callChannel(callID, chanStream), "transcript:chunk", chunk)
}

// PublishLiveSummary forwards a fresh executive summary to viewers.
func (r *Relay) PublishLiveSummary(ctx context.Context, callID string, summary *domain.LiveSummary) error {
	return r.publish(ctx, callChannel(callID, chanLiveSummary), "summary:update", summary)
}

// PublishCommand sends a command (for example a manager whisper) toward the
// seller connection owning the call.
func (r *Relay) PublishCommand(ctx context.Context, callID, typ string, payload any) error {
	return r.publish(ctx, callChannel(callID, chanCommands), typ, payload)
}

// PublishMedia forwards one framed media chunk to viewers. The payload must
// already carry its frame flag byte.
func (r *Relay) PublishMedia(ctx context.Context, callID string, framed []byte) error {
	return r.rdb.Publish(ctx, callChannel(callID, chanMediaRaw), framed).Err()
}

// StoreMediaHeader caches the stream's container header so late-joining
// viewers can decode mid-call.
func (r *Relay) StoreMediaHeader(ctx context.Context, callID string, framed []byte) error {
	return r.rdb.Set(ctx, mediaHeaderKey(callID), framed, mediaHeaderTTL).Err()
}

// MediaHeader returns the cached container header, or nil when none was seen.
func (r *Relay) MediaHeader(ctx context.Context, callID string) ([]byte, error) {
	raw, err := r.rdb.Get(ctx, mediaHeaderKey(callID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ClearMediaHeader drops the cached header once a call is finalized.
func (r *Relay) ClearMediaHeader(ctx context.Context, callID string) error {
	return r.rdb.Del(ctx, mediaHeaderKey(callID)).Err()
}

// Commands subscribes to the call's command channel and delivers raw
// envelopes until stop is called. Used by the seller connection to receive
// manager whispers.
func (r *Relay) Commands(ctx context.Context, callID string) (<-chan []byte, func()) {
	pubsub := r.rdb.Subscribe(ctx, callChannel(callID, chanCommands))
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				r.log.Warn().Str("call_id", callID).Msg("command dropped, slow consumer")
			}
		}
	}()
	return out, func() { pubsub.Close() }
}

// subscribeViewer subscribes to every channel a call viewer needs.
func (r *Relay) subscribeViewer(ctx context.Context, callID string) *redis.PubSub {
	return r.rdb.Subscribe(ctx,
		callChannel(callID, chanSession),
		callChannel(callID, chanStream),
		callChannel(callID, chanLiveSummary),
		callChannel(callID, chanMediaRaw),
	)
}
