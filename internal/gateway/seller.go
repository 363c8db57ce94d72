package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sellside/coachd/internal/dedup"
	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/lifecycle"
	"github.com/sellside/coachd/internal/logging"
	"github.com/sellside/coachd/internal/relay"
	"github.com/sellside/coachd/internal/transcribe"
)

// promptTailChars is how much of the previous transcription seeds the next
// segment's prompt.
const promptTailChars = 200

// workQueueSize bounds the per-connection pipeline backlog. Events beyond it
// are dropped rather than blocking the read loop.
const workQueueSize = 64

// sellerConn is one seller WebSocket connection and its call pipeline.
// The read loop only parses and enqueues; a single worker goroutine runs the
// pipeline so transcript order matches event order. Async deliveries
// (coaching, whispers) take mu before touching the session.
type sellerConn struct {
	server *Server
	conn   *websocket.Conn
	connID string
	user   *domain.Profile
	log    *logging.Logger

	work   chan func()
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu           sync.Mutex
	callID       string
	session      *domain.CallSession
	steps        []string // script steps of the bound call
	pendingNames *participantsPayload
	stopWhispers func()
}

// handleSellerWS upgrades a seller connection, authenticates it, and runs the
// pipeline until disconnect.
func (s *Server) handleSellerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	profile, err := s.authenticate(r)
	if err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("seller auth failed")
		closeUnauthorized(conn, "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &sellerConn{
		server: s,
		conn:   conn,
		connID: uuid.New().String(),
		user:   profile,
		log:    s.log.Sub("seller"),
		work:   make(chan func(), workQueueSize),
		cancel: cancel,
	}

	s.track(c.connID, conn)
	defer func() {
		s.untrack(c.connID)
		c.teardown()
		cancel()
	}()

	c.log.Info().Str("conn_id", c.connID).Str("user_id", profile.ID).Msg("seller connected")

	go c.worker(ctx)
	go c.pingLoop(ctx, s.pingInterval())
	c.readLoop(ctx)
}

// readLoop parses envelopes and enqueues their handlers. Malformed input is
// logged and ignored; the connection stays open.
func (c *sellerConn) readLoop(ctx context.Context) {
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
				c.log.Debug().Str("conn_id", c.connID).Msg("seller closed connection")
			} else {
				c.log.Warn().Str("conn_id", c.connID).Err(err).Msg("seller read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn().Str("conn_id", c.connID).Err(err).Msg("malformed envelope, ignoring")
			continue
		}
		c.dispatch(ctx, env)
	}
}

// worker runs enqueued pipeline steps one at a time.
func (c *sellerConn) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.work:
			fn()
		}
	}
}

func (c *sellerConn) enqueue(fn func()) {
	select {
	case c.work <- fn:
	default:
		c.log.Warn().Str("conn_id", c.connID).Msg("pipeline backlog full, event dropped")
	}
}

func (c *sellerConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// dispatch routes one envelope. Before the connection is bound to a call,
// only call:start has any effect.
func (c *sellerConn) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case "call:start":
		var p callStartPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleCallStart(ctx, p) })
	case "audio:segment":
		var p audioSegmentPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleAudioSegment(ctx, p) })
	case "transcript:chunk":
		var p transcriptChunkPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleTranscriptChunk(ctx, p) })
	case "call:participants":
		var p participantsPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleParticipants(ctx, p) })
	case "media:stream":
		var p mediaStreamPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleMediaStream(ctx, p) })
	case "call:end":
		var p callEndPayload
		if !c.parse(env, &p) {
			return
		}
		c.enqueue(func() { c.handleCallEnd(ctx, p) })
	default:
		c.log.Debug().Str("type", env.Type).Msg("unknown event type, ignoring")
	}
}

func (c *sellerConn) parse(env Envelope, out any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		c.log.Warn().Str("type", env.Type).Err(err).Msg("bad payload, ignoring")
		return false
	}
	return true
}

func (c *sellerConn) send(typ string, payload any) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		c.log.Error().Str("type", typ).Err(err).Msg("envelope marshal failed")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		c.log.Warn().Str("type", typ).Err(err).Msg("seller send failed")
	}
}

func (c *sellerConn) handleCallStart(ctx context.Context, p callStartPayload) {
	c.mu.Lock()
	bound := c.callID
	pending := c.pendingNames
	c.pendingNames = nil
	c.mu.Unlock()

	session, err := c.server.deps.Lifecycle.Start(ctx, lifecycle.StartParams{
		UserID:      c.user.ID,
		BoundCallID: bound,
		ScriptID:    p.ScriptID,
		Platform:    p.Platform,
		ExternalID:  p.ExternalID,
		LeadName:    p.LeadName,
		SellerName:  c.user.DisplayName,
	})
	if err != nil {
		c.log.Error().Str("user_id", c.user.ID).Err(err).Msg("call:start failed")
		return
	}

	steps := c.lookupSteps(session.ScriptID)

	c.mu.Lock()
	rebound := session.CallID != c.callID
	c.callID = session.CallID
	c.session = session
	c.steps = steps
	c.mu.Unlock()

	if rebound {
		c.subscribeWhispers(ctx, session.CallID)
	}
	if pending != nil {
		c.handleParticipants(ctx, *pending)
	}

	c.send("call:started", callStartedPayload{CallID: session.CallID})
}

// handleAudioSegment runs the full pipeline for one audio event: transcribe
// with prompt chaining, filter, dedup, append, persist, relay, cadence.
func (c *sellerConn) handleAudioSegment(ctx context.Context, p audioSegmentPayload) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return // pre-bind audio is silently ignored, not buffered
	}

	audio, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad audio payload, ignoring")
		return
	}
	if len(audio) == 0 {
		return
	}

	c.mu.Lock()
	prompt := transcribe.PromptTail(session.LastTranscription, promptTailChars)
	c.mu.Unlock()

	text, err := c.server.deps.Transcriber.Transcribe(ctx, audio, prompt)
	if err != nil {
		c.log.Warn().Str("call_id", session.CallID).Err(err).Msg("transcription failed, segment skipped")
		return
	}
	if text == "" {
		return
	}

	c.ingestText(ctx, text, domain.Role(p.Role), p.SpeakerName, time.Now().UnixMilli())
}

// handleTranscriptChunk is the pre-transcribed text path; it joins the
// pipeline after the transcription step.
func (c *sellerConn) handleTranscriptChunk(ctx context.Context, p transcriptChunkPayload) {
	c.mu.Lock()
	bound := c.session != nil
	c.mu.Unlock()
	if !bound || p.Text == "" {
		return
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	c.ingestText(ctx, p.Text, domain.Role(p.Role), p.SpeakerName, ts)
}

// ingestText runs filter, dedup, append, persist, relay, and cadence for one
// utterance.
func (c *sellerConn) ingestText(ctx context.Context, text string, role domain.Role, speakerName string, now int64) {
	if role != domain.RoleSeller && role != domain.RoleLead {
		role = domain.RoleSeller
	}

	if dedup.IsHallucination(text) {
		c.log.Debug().Str("text", text).Msg("hallucination discarded")
		return
	}

	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return
	}

	discard, reason := dedup.ShouldDiscard(text, role, now, session)
	if discard {
		c.mu.Unlock()
		c.log.Debug().Str("text", text).Str("reason", string(reason)).Msg("utterance discarded")
		return
	}

	chunk := domain.TranscriptChunk{
		Text:      text,
		Speaker:   speakerName,
		Role:      role,
		Timestamp: now,
		IsFinal:   true,
	}
	session.Append(chunk)
	session.LastTranscription = text
	snapshot := *session
	callID := session.CallID
	c.mu.Unlock()

	if err := c.server.deps.Sessions.Put(ctx, &snapshot); err != nil {
		c.log.Warn().Str("call_id", callID).Err(err).Msg("session cache write failed")
	}
	if err := c.server.deps.Relay.PublishTranscript(ctx, callID, chunk); err != nil {
		c.log.Warn().Str("call_id", callID).Err(err).Msg("transcript publish failed")
	}

	c.runCadence(ctx, now)
}

// lookupSteps resolves the script's steps for live coaching. Unknown or
// script-less calls coach without steps.
func (c *sellerConn) lookupSteps(scriptID string) []string {
	if scriptID == "" {
		return nil
	}
	script, err := c.server.deps.Scripts.GetScript(scriptID)
	if err != nil {
		c.log.Warn().Str("script_id", scriptID).Err(err).Msg("script lookup failed")
		return nil
	}
	if script == nil {
		return nil
	}
	return script.Steps
}

// runCadence evaluates both analysis cadences against the live session.
// Stamps happen under mu; the scheduler's engine calls run async.
func (c *sellerConn) runCadence(ctx context.Context, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}

	c.server.deps.Scheduler.MaybeCoach(c.session, c.steps, now, c.deliverCoaching)
	c.server.deps.Scheduler.MaybeSummary(c.session, now)
}

// deliverCoaching runs on a scheduler goroutine once the engine answers.
func (c *sellerConn) deliverCoaching(coaching *domain.Coaching) {
	c.mu.Lock()
	if c.session != nil {
		c.session.RememberQuestion(coaching.SuggestedQuestion)
		snapshot := *c.session
		c.mu.Unlock()
		if err := c.server.deps.Sessions.Put(context.Background(), &snapshot); err != nil {
			c.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("session cache write failed")
		}
	} else {
		c.mu.Unlock()
	}

	urgency := "normal"
	if coaching.Objection != "" {
		urgency = "high"
	}
	c.send("COACHING_MESSAGE", coachingMessagePayload{
		Type:    "tip",
		Content: coaching.Tip,
		Urgency: urgency,
		Metadata: coachingMetadata{
			Phase:             coaching.Phase,
			Objection:         coaching.Objection,
			SuggestedQuestion: coaching.SuggestedQuestion,
			SuggestedResponse: coaching.SuggestedResponse,
		},
	})
	if coaching.Objection != "" {
		c.send("objection:detected", map[string]string{
			"objection": coaching.Objection,
			"phase":     coaching.Phase,
			"tip":       coaching.Tip,
		})
	}
}

// handleParticipants applies name metadata, buffering it when the session is
// not ready yet.
func (c *sellerConn) handleParticipants(ctx context.Context, p participantsPayload) {
	c.mu.Lock()
	if c.session == nil {
		c.pendingNames = &p
		c.mu.Unlock()
		return
	}
	if p.LeadName != "" {
		c.session.LeadName = p.LeadName
	}
	if p.SelfName != "" {
		c.session.SellerName = p.SelfName
	}
	snapshot := *c.session
	c.mu.Unlock()

	if err := c.server.deps.Sessions.Put(ctx, &snapshot); err != nil {
		c.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("session cache write failed")
	}
	if err := c.server.deps.Names.UpdateNames(snapshot.CallID, p.LeadName, p.SelfName); err != nil {
		c.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("name persist failed")
	}
	if err := c.server.deps.Relay.PublishSession(ctx, snapshot.CallID, "call:participants", map[string]string{
		"leadName":   snapshot.LeadName,
		"sellerName": snapshot.SellerName,
	}); err != nil {
		c.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("participants publish failed")
	}
}

// handleMediaStream frames one media chunk and relays it. Headers are also
// cached so late-joining viewers can decode.
func (c *sellerConn) handleMediaStream(ctx context.Context, p mediaStreamPayload) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}

	data, err := base64.StdEncoding.DecodeString(p.Chunk)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad media chunk, ignoring")
		return
	}

	framed := relay.FrameMedia(p.IsHeader, data)
	if p.IsHeader {
		if err := c.server.deps.Relay.StoreMediaHeader(ctx, callID, framed); err != nil {
			c.log.Warn().Str("call_id", callID).Err(err).Msg("media header cache failed")
		}
	}
	if err := c.server.deps.Relay.PublishMedia(ctx, callID, framed); err != nil {
		c.log.Warn().Str("call_id", callID).Err(err).Msg("media publish failed")
	}
}

func (c *sellerConn) handleCallEnd(ctx context.Context, p callEndPayload) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()

	result := domain.CallResult(p.Result)
	if p.Result != "" && !domain.ValidResult(result) {
		c.log.Warn().Str("result", p.Result).Msg("unknown result, ignoring value")
		result = ""
	}

	report, err := c.server.deps.Lifecycle.End(ctx, lifecycle.EndParams{
		UserID:       c.user.ID,
		BoundCallID:  callID,
		SellerResult: result,
	})
	if err != nil {
		c.log.Error().Str("call_id", callID).Err(err).Msg("call:end failed")
		return
	}

	c.unbind(callID)
	if report != nil {
		c.send("call:summary", report)
	}
}

// subscribeWhispers forwards manager commands for the bound call to the
// seller socket. The previous call's subscription is stopped before the new
// one opens so a whisper is never forwarded twice through an overlap.
func (c *sellerConn) subscribeWhispers(ctx context.Context, callID string) {
	c.mu.Lock()
	stopOld := c.stopWhispers
	c.stopWhispers = nil
	c.mu.Unlock()
	if stopOld != nil {
		stopOld()
	}

	commands, stop := c.server.deps.Relay.Commands(ctx, callID)
	c.mu.Lock()
	c.stopWhispers = stop
	c.mu.Unlock()

	go func() {
		for raw := range commands {
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				c.log.Warn().Err(err).Msg("malformed command, ignoring")
				continue
			}
			c.writeMu.Lock()
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("whisper forward failed")
				return
			}
		}
	}()
}

// unbind releases per-call state after an explicit end. The connection stays
// open for a future call:start.
func (c *sellerConn) unbind(callID string) {
	c.mu.Lock()
	if c.callID == callID {
		c.callID = ""
		c.session = nil
		c.steps = nil
	}
	if c.stopWhispers != nil {
		c.stopWhispers()
		c.stopWhispers = nil
	}
	c.mu.Unlock()

	c.server.deps.Scheduler.Forget(callID)
}

// teardown runs when the socket drops. A still-bound call goes through the
// disconnect-finalize path.
func (c *sellerConn) teardown() {
	c.mu.Lock()
	callID := c.callID
	if c.stopWhispers != nil {
		c.stopWhispers()
		c.stopWhispers = nil
	}
	c.mu.Unlock()

	if callID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.server.deps.Lifecycle.FinalizeDisconnect(ctx, c.user.ID, callID); err != nil {
			c.log.Error().Str("call_id", callID).Err(err).Msg("disconnect finalize failed")
		}
		c.server.deps.Scheduler.Forget(callID)
	}
	c.conn.Close()
	c.log.Info().Str("conn_id", c.connID).Msg("seller disconnected")
}
