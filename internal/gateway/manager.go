package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
)

// maxViewerBacklog is the outbound byte budget per viewer. Past it, media
// frames are skipped; JSON events still go through.
const maxViewerBacklog = 100 * 1024

// viewerQueueSize bounds the outbound frame queue.
const viewerQueueSize = 256

type outFrame struct {
	binary bool
	data   []byte
}

// managerConn is one manager WebSocket connection. It implements relay.Sink;
// fan-out writes go through a bounded queue drained by a single writer
// goroutine, so a slow viewer sheds media instead of stalling the hub.
type managerConn struct {
	server *Server
	conn   *websocket.Conn
	connID string
	user   *domain.Profile
	log    *logging.Logger

	out     chan outFrame
	done    chan struct{}
	backlog atomic.Int64
	closed  atomic.Bool
	writeMu sync.Mutex

	mu       sync.Mutex
	watching string // call currently joined
}

// handleManagerWS upgrades a manager connection and serves join/whisper
// commands until disconnect.
func (s *Server) handleManagerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(64 * 1024)

	profile, err := s.authenticate(r)
	if err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("manager auth failed")
		closeUnauthorized(conn, "unauthorized")
		return
	}

	c := &managerConn{
		server: s,
		conn:   conn,
		connID: uuid.New().String(),
		user:   profile,
		log:    s.log.Sub("manager"),
		out:    make(chan outFrame, viewerQueueSize),
		done:   make(chan struct{}),
	}

	s.track(c.connID, conn)
	defer func() {
		s.untrack(c.connID)
		c.teardown()
	}()

	c.log.Info().Str("conn_id", c.connID).Str("user_id", profile.ID).Msg("manager connected")

	go c.writePump()
	go c.pingLoop(s.pingInterval())
	c.readLoop(r.Context())
}

func (c *managerConn) readLoop(ctx context.Context) {
	interval := c.server.pingInterval()
	c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * interval))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Str("conn_id", c.connID).Msg("manager closed connection")
			} else {
				c.log.Warn().Str("conn_id", c.connID).Err(err).Msg("manager read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn().Str("conn_id", c.connID).Err(err).Msg("malformed envelope, ignoring")
			continue
		}

		switch env.Type {
		case "manager:join":
			var p managerJoinPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.CallID == "" {
				c.log.Warn().Msg("bad manager:join payload, ignoring")
				continue
			}
			c.handleJoin(ctx, p.CallID)
		case "manager:whisper":
			var p whisperPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Content == "" {
				c.log.Warn().Msg("bad manager:whisper payload, ignoring")
				continue
			}
			c.handleWhisper(ctx, p)
		default:
			c.log.Debug().Str("type", env.Type).Msg("unknown event type, ignoring")
		}
	}
}

// handleJoin attaches the viewer to a call, atomically switching feeds when
// it was already watching another one.
func (c *managerConn) handleJoin(ctx context.Context, callID string) {
	c.mu.Lock()
	old := c.watching
	c.watching = callID
	c.mu.Unlock()

	c.server.deps.Hub.Switch(ctx, c.connID, old, callID, c)
	c.sendEnvelope("manager:joined", managerJoinedPayload{CallID: callID})
	c.log.Info().Str("conn_id", c.connID).Str("call_id", callID).Msg("manager joined call")
}

// handleWhisper relays a coaching message from the manager to the seller
// owning the watched call.
func (c *managerConn) handleWhisper(ctx context.Context, p whisperPayload) {
	c.mu.Lock()
	callID := c.watching
	c.mu.Unlock()
	if callID == "" {
		c.log.Warn().Str("conn_id", c.connID).Msg("whisper with no joined call, ignoring")
		return
	}

	urgency := p.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	err := c.server.deps.Relay.PublishCommand(ctx, callID, "coach:whisper", whisperOutPayload{
		Source:    "manager",
		Content:   p.Content,
		Urgency:   urgency,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Warn().Str("call_id", callID).Err(err).Msg("whisper publish failed")
		return
	}
	c.sendEnvelope("whisper:sent", map[string]string{"callId": callID})
}

// SendJSON queues a JSON event for the viewer. Implements relay.Sink.
func (c *managerConn) SendJSON(data []byte) {
	c.queue(outFrame{binary: false, data: data}, false)
}

// SendBinary queues a media frame for the viewer, shedding it when the
// backlog is over budget. Implements relay.Sink.
func (c *managerConn) SendBinary(data []byte) {
	c.queue(outFrame{binary: true, data: data}, true)
}

func (c *managerConn) queue(f outFrame, sheddable bool) {
	if c.closed.Load() {
		return
	}
	if sheddable && c.backlog.Load() > maxViewerBacklog {
		c.log.Debug().Str("conn_id", c.connID).Msg("viewer backlog over budget, media frame dropped")
		return
	}
	select {
	case c.out <- f:
		c.backlog.Add(int64(len(f.data)))
	default:
		c.log.Warn().Str("conn_id", c.connID).Msg("viewer queue full, frame dropped")
	}
}

func (c *managerConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.backlog.Add(-int64(len(f.data)))
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			c.writeMu.Lock()
			err := c.conn.WriteMessage(msgType, f.data)
			c.writeMu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *managerConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			c.conn.Close()
			return
		}
	}
}

func (c *managerConn) sendEnvelope(typ string, payload any) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		c.log.Error().Str("type", typ).Err(err).Msg("envelope marshal failed")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.SendJSON(raw)
}

func (c *managerConn) teardown() {
	c.mu.Lock()
	watching := c.watching
	c.watching = ""
	c.mu.Unlock()

	if watching != "" {
		c.server.deps.Hub.Detach(watching, c.connID)
	}
	c.closed.Store(true)
	close(c.done)
	c.conn.Close()
	c.log.Info().Str("conn_id", c.connID).Msg("manager disconnected")
}
