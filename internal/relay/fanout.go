package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sellside/coachd/internal/logging"
)

// Sink receives fanned-out traffic for one viewer connection. Implementations
// must not block; a slow viewer drops frames on its own side.
type Sink interface {
	SendJSON(data []byte)
	SendBinary(data []byte)
}

// Hub fans Redis call traffic out to the viewer connections attached on this
// gateway instance. One subscription per call is shared by all local viewers.
type Hub struct {
	relay *Relay
	log   *logging.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	callID string
	pubsub *redis.PubSub
	cancel context.CancelFunc
	sinks  map[string]Sink
}

// NewHub creates a viewer fan-out hub over the given relay.
func NewHub(r *Relay, log *logging.Logger) *Hub {
	return &Hub{
		relay: r,
		log:   log.Sub("fanout"),
		feeds: make(map[string]*feed),
	}
}

// Attach subscribes a viewer connection to a call's traffic. The first viewer
// of a call opens the shared Redis subscription. The cached media header, if
// any, is replayed immediately so the viewer can decode mid-call.
func (h *Hub) Attach(ctx context.Context, callID, connID string, sink Sink) {
	h.mu.Lock()
	h.attachLocked(callID, connID, sink)
	h.mu.Unlock()

	h.replayHeader(ctx, callID, sink)
}

// Detach removes a viewer connection from a call. The last viewer closes the
// shared subscription.
func (h *Hub) Detach(callID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(callID, connID)
}

// Switch moves a viewer from one call to another. The old membership is
// released before the new one exists, in one critical section, so the sink can
// never receive the old call's frames once it is joined to the new call.
func (h *Hub) Switch(ctx context.Context, connID, oldCallID, newCallID string, sink Sink) {
	if oldCallID == newCallID {
		return
	}
	h.mu.Lock()
	if oldCallID != "" {
		h.detachLocked(oldCallID, connID)
	}
	h.attachLocked(newCallID, connID, sink)
	h.mu.Unlock()

	h.replayHeader(ctx, newCallID, sink)
}

func (h *Hub) attachLocked(callID, connID string, sink Sink) {
	f, ok := h.feeds[callID]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		f = &feed{
			callID: callID,
			pubsub: h.relay.subscribeViewer(subCtx, callID),
			cancel: cancel,
			sinks:  make(map[string]Sink),
		}
		h.feeds[callID] = f
		go h.pump(f)
		h.log.Debug().Str("call_id", callID).Msg("call feed opened")
	}
	f.sinks[connID] = sink
}

func (h *Hub) detachLocked(callID, connID string) {
	f, ok := h.feeds[callID]
	if !ok {
		return
	}
	delete(f.sinks, connID)
	if len(f.sinks) == 0 {
		f.cancel()
		f.pubsub.Close()
		delete(h.feeds, callID)
		h.log.Debug().Str("call_id", callID).Msg("call feed closed")
	}
}

func (h *Hub) replayHeader(ctx context.Context, callID string, sink Sink) {
	if header, err := h.relay.MediaHeader(ctx, callID); err == nil && header != nil {
		sink.SendBinary(header)
	}
}

// pump forwards every Redis message on a feed to its attached sinks.
func (h *Hub) pump(f *feed) {
	for msg := range f.pubsub.Channel() {
		binary := strings.HasSuffix(msg.Channel, ":"+chanMediaRaw)

		h.mu.Lock()
		sinks := make([]Sink, 0, len(f.sinks))
		for _, s := range f.sinks {
			sinks = append(sinks, s)
		}
		h.mu.Unlock()

		for _, s := range sinks {
			if binary {
				s.SendBinary([]byte(msg.Payload))
			} else {
				s.SendJSON([]byte(msg.Payload))
			}
		}
	}
}
