package relay

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellside/coachd/internal/logging"
)

type nopSink struct{}

func (nopSink) SendJSON(data []byte)   {}
func (nopSink) SendBinary(data []byte) {}

// testHub builds a hub over a client that never reaches a broker; membership
// bookkeeping does not need one.
func testHub(t *testing.T) *Hub {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	log := logging.New(nil, "silent")
	return NewHub(New(rdb, log), log)
}

func (h *Hub) members(callID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[callID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(f.sinks))
	for id := range f.sinks {
		ids = append(ids, id)
	}
	return ids
}

func TestAttachDetachLifecycle(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	h.Attach(ctx, "call-a", "v1", nopSink{})
	h.Attach(ctx, "call-a", "v2", nopSink{})
	assert.ElementsMatch(t, []string{"v1", "v2"}, h.members("call-a"))

	h.Detach("call-a", "v1")
	assert.Equal(t, []string{"v2"}, h.members("call-a"))

	// Last viewer out closes the shared feed.
	h.Detach("call-a", "v2")
	assert.Nil(t, h.members("call-a"))
}

func TestSwitchDropsOldMembershipForNew(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	h.Attach(ctx, "call-a", "v1", nopSink{})
	h.Attach(ctx, "call-a", "v2", nopSink{})

	h.Switch(ctx, "v1", "call-a", "call-b", nopSink{})

	// v1 must no longer be a member of the old call's feed anywhere; the old
	// feed survives only for the remaining viewer.
	assert.Equal(t, []string{"v2"}, h.members("call-a"))
	assert.Equal(t, []string{"v1"}, h.members("call-b"))
}

func TestSwitchClosesOldFeedWhenLastViewerLeaves(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	h.Attach(ctx, "call-a", "v1", nopSink{})
	h.Switch(ctx, "v1", "call-a", "call-b", nopSink{})

	assert.Nil(t, h.members("call-a"))
	require.Equal(t, []string{"v1"}, h.members("call-b"))
}

func TestSwitchSameCallIsNoop(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	h.Attach(ctx, "call-a", "v1", nopSink{})
	h.Switch(ctx, "v1", "call-a", "call-a", nopSink{})
	assert.Equal(t, []string{"v1"}, h.members("call-a"))
}
