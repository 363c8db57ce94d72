package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellside/coachd/internal/cadence"
	"github.com/sellside/coachd/internal/config"
	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/lifecycle"
	"github.com/sellside/coachd/internal/logging"
	"github.com/sellside/coachd/internal/relay"
)

type fakeLifecycle struct {
	mu          sync.Mutex
	session     *domain.CallSession
	report      *domain.PostCallReport
	starts      []lifecycle.StartParams
	ends        []lifecycle.EndParams
	disconnects int
}

func (f *fakeLifecycle) Start(ctx context.Context, p lifecycle.StartParams) (*domain.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, p)
	copied := *f.session
	return &copied, nil
}

func (f *fakeLifecycle) End(ctx context.Context, p lifecycle.EndParams) (*domain.PostCallReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, p)
	return f.report, nil
}

func (f *fakeLifecycle) FinalizeDisconnect(ctx context.Context, userID, boundCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

type fakeRelay struct {
	mu          sync.Mutex
	transcripts []domain.TranscriptChunk
	commands    []string
	media       [][]byte
	headers     [][]byte
	sessionEvts []string
	cmdLog      []string // ordered sub:/stop: events per call
	cmdCh       map[string]chan []byte
}

func (f *fakeRelay) PublishTranscript(ctx context.Context, callID string, chunk domain.TranscriptChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, chunk)
	return nil
}

func (f *fakeRelay) PublishSession(ctx context.Context, callID, typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionEvts = append(f.sessionEvts, typ)
	return nil
}

func (f *fakeRelay) PublishCommand(ctx context.Context, callID, typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, typ)
	return nil
}

func (f *fakeRelay) PublishMedia(ctx context.Context, callID string, framed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, framed)
	return nil
}

func (f *fakeRelay) StoreMediaHeader(ctx context.Context, callID string, framed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, framed)
	return nil
}

func (f *fakeRelay) Commands(ctx context.Context, callID string) (<-chan []byte, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmdLog = append(f.cmdLog, "sub:"+callID)
	ch := make(chan []byte, 4)
	f.cmdCh[callID] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.cmdLog = append(f.cmdLog, "stop:"+callID)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeRelay) commandChannel(callID string) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmdCh[callID]
}

type hubCall struct {
	op      string
	callID  string
	oldCall string
}

type fakeHub struct {
	mu    sync.Mutex
	calls []hubCall
}

func (f *fakeHub) Attach(ctx context.Context, callID, connID string, sink relay.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hubCall{op: "attach", callID: callID})
}

func (f *fakeHub) Detach(callID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hubCall{op: "detach", callID: callID})
}

func (f *fakeHub) Switch(ctx context.Context, connID, oldCallID, newCallID string, sink relay.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hubCall{op: "switch", callID: newCallID, oldCall: oldCallID})
}

type fakeSessions struct {
	mu   sync.Mutex
	puts int
}

func (f *fakeSessions) Put(ctx context.Context, session *domain.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, nil
}

type fakeAuth struct {
	profiles map[string]*domain.Profile
}

func (f *fakeAuth) GetProfileByToken(token string) (*domain.Profile, error) {
	return f.profiles[token], nil
}

type fakeNames struct{}

func (f *fakeNames) UpdateNames(id, leadName, sellerName string) error { return nil }

type fakeScripts struct {
	mu     sync.Mutex
	script *domain.Script
}

func (f *fakeScripts) GetScript(id string) (*domain.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.script, nil
}

type recordingEngine struct {
	mu         sync.Mutex
	coachSteps [][]string
}

func (e *recordingEngine) Coach(ctx context.Context, session *domain.CallSession, steps []string) (*domain.Coaching, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coachSteps = append(e.coachSteps, steps)
	return &domain.Coaching{Phase: "S", Tip: "t"}, nil
}

func (e *recordingEngine) LiveSummary(ctx context.Context, chunks []domain.TranscriptChunk, leadName, sellerName string) (*domain.LiveSummary, error) {
	return &domain.LiveSummary{Status: "ok"}, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishLiveSummary(ctx context.Context, callID string, summary *domain.LiveSummary) error {
	return nil
}

func (nopPublisher) PublishStream(ctx context.Context, callID, typ string, payload any) error {
	return nil
}

type testEnv struct {
	srv         *httptest.Server
	lifecycle   *fakeLifecycle
	relay       *fakeRelay
	hub         *fakeHub
	sessions    *fakeSessions
	transcriber *fakeTranscriber
	scripts     *fakeScripts
	engine      *recordingEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logging.New(nil, "silent")

	env := &testEnv{
		lifecycle: &fakeLifecycle{
			session: &domain.CallSession{CallID: "call-1", UserID: "u1", StartedAt: time.Now().UnixMilli()},
		},
		relay:       &fakeRelay{cmdCh: make(map[string]chan []byte)},
		hub:         &fakeHub{},
		sessions:    &fakeSessions{},
		transcriber: &fakeTranscriber{text: "bom dia, tudo bem com você?"},
		scripts:     &fakeScripts{},
		engine:      &recordingEngine{},
	}

	s := New(config.Defaults(), Deps{
		Lifecycle: env.lifecycle,
		Relay:     env.relay,
		Hub:       env.hub,
		Sessions:  env.sessions,
		Scheduler: cadence.New(env.engine, nopPublisher{},
			60*time.Second, 30*time.Second, 60*time.Second, 5*time.Second, log),
		Transcriber: env.transcriber,
		Auth: &fakeAuth{profiles: map[string]*domain.Profile{
			"tok-seller":  {ID: "u1", DisplayName: "Ana", Role: "seller"},
			"tok-manager": {ID: "m1", DisplayName: "Rui", Role: "manager"},
		}},
		Names:   &fakeNames{},
		Scripts: env.scripts,
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/call", s.handleSellerWS)
	mux.HandleFunc("/ws/manager", s.handleManagerWS)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func dialWS(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := NewEnvelope(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readEnvelopeOfType skips unrelated traffic (coaching tips, objection
// events) until the wanted type arrives.
func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("never received %s envelope", typ)
	return Envelope{}
}

func TestSellerAuthRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=bogus")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestSellerCallFlow(t *testing.T) {
	env := newTestEnv(t)
	env.lifecycle.report = &domain.PostCallReport{ScriptAdherenceScore: 88}
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{ScriptID: "s1", ExternalID: "meet-1"})
	started := readEnvelope(t, conn)
	assert.Equal(t, "call:started", started.Type)
	var sp callStartedPayload
	require.NoError(t, json.Unmarshal(started.Payload, &sp))
	assert.Equal(t, "call-1", sp.CallID)

	sendEnvelope(t, conn, "transcript:chunk", transcriptChunkPayload{Text: "quanto custa o plano anual?", Role: "lead"})
	require.Eventually(t, func() bool {
		env.relay.mu.Lock()
		defer env.relay.mu.Unlock()
		return len(env.relay.transcripts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.relay.mu.Lock()
	assert.Equal(t, domain.RoleLead, env.relay.transcripts[0].Role)
	env.relay.mu.Unlock()

	sendEnvelope(t, conn, "call:end", callEndPayload{Result: "CONVERTED"})
	summary := readEnvelopeOfType(t, conn, "call:summary")
	assert.Equal(t, "call:summary", summary.Type)

	env.lifecycle.mu.Lock()
	require.Len(t, env.lifecycle.ends, 1)
	assert.Equal(t, domain.ResultConverted, env.lifecycle.ends[0].SellerResult)
	env.lifecycle.mu.Unlock()
}

func TestAudioSegmentPipeline(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn) // call:started

	audio := base64.StdEncoding.EncodeToString([]byte{0x1a, 0x45, 0xdf, 0xa3})
	sendEnvelope(t, conn, "audio:segment", audioSegmentPayload{Audio: audio, Role: "seller"})

	require.Eventually(t, func() bool {
		env.relay.mu.Lock()
		defer env.relay.mu.Unlock()
		return len(env.relay.transcripts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.relay.mu.Lock()
	assert.Equal(t, "bom dia, tudo bem com você?", env.relay.transcripts[0].Text)
	env.relay.mu.Unlock()
}

func TestPreBindAudioIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	sendEnvelope(t, conn, "audio:segment", audioSegmentPayload{Audio: audio, Role: "seller"})

	// Binding afterwards still works; the early segment was never transcribed.
	sendEnvelope(t, conn, "call:start", callStartPayload{})
	started := readEnvelope(t, conn)
	assert.Equal(t, "call:started", started.Type)

	env.transcriber.mu.Lock()
	assert.Equal(t, 0, env.transcriber.calls)
	env.transcriber.mu.Unlock()
}

func TestMalformedEnvelopeKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	started := readEnvelope(t, conn)
	assert.Equal(t, "call:started", started.Type)
}

func TestMediaStreamHeaderCached(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn)

	chunk := base64.StdEncoding.EncodeToString([]byte{9, 9, 9})
	sendEnvelope(t, conn, "media:stream", mediaStreamPayload{Chunk: chunk, IsHeader: true})
	sendEnvelope(t, conn, "media:stream", mediaStreamPayload{Chunk: chunk, IsHeader: false})

	require.Eventually(t, func() bool {
		env.relay.mu.Lock()
		defer env.relay.mu.Unlock()
		return len(env.relay.media) == 2
	}, 2*time.Second, 10*time.Millisecond)

	env.relay.mu.Lock()
	require.Len(t, env.relay.headers, 1)
	assert.Equal(t, relay.FrameHeader, env.relay.headers[0][0])
	assert.Equal(t, relay.FrameData, env.relay.media[1][0])
	env.relay.mu.Unlock()
}

func TestCoachingUsesScriptSteps(t *testing.T) {
	env := newTestEnv(t)
	env.scripts.script = &domain.Script{ID: "s1", Name: "Discovery", Steps: []string{"Intro", "Close"}}
	env.lifecycle.session.ScriptID = "s1"
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{ScriptID: "s1"})
	readEnvelope(t, conn) // call:started

	sendEnvelope(t, conn, "transcript:chunk", transcriptChunkPayload{Text: "me conta do seu processo atual", Role: "seller"})

	require.Eventually(t, func() bool {
		env.engine.mu.Lock()
		defer env.engine.mu.Unlock()
		return len(env.engine.coachSteps) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.engine.mu.Lock()
	assert.Equal(t, []string{"Intro", "Close"}, env.engine.coachSteps[0])
	env.engine.mu.Unlock()
}

func TestWhisperForwardedToSeller(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn) // call:started; the command subscription exists now

	whisper, err := NewEnvelope("coach:whisper", whisperOutPayload{
		Source: "manager", Content: "pergunta o orçamento", Urgency: "high",
	})
	require.NoError(t, err)
	raw, err := json.Marshal(whisper)
	require.NoError(t, err)

	ch := env.relay.commandChannel("call-1")
	require.NotNil(t, ch)
	ch <- raw

	got := readEnvelopeOfType(t, conn, "coach:whisper")
	var p whisperOutPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "pergunta o orçamento", p.Content)
	assert.Equal(t, "high", p.Urgency)
}

func TestRebindStopsOldWhisperSubscription(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn) // bound to call-1

	env.lifecycle.mu.Lock()
	env.lifecycle.session = &domain.CallSession{CallID: "call-2", UserID: "u1", StartedAt: time.Now().UnixMilli()}
	env.lifecycle.mu.Unlock()

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn) // rebound to call-2

	// The old call's subscription must stop before the new one opens, so a
	// whisper in the overlap can never be delivered twice.
	env.relay.mu.Lock()
	assert.Equal(t, []string{"sub:call-1", "stop:call-1", "sub:call-2"}, env.relay.cmdLog)
	env.relay.mu.Unlock()
}

func TestSellerDisconnectFinalizes(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/call?token=tok-seller")

	sendEnvelope(t, conn, "call:start", callStartPayload{})
	readEnvelope(t, conn)

	conn.Close()

	require.Eventually(t, func() bool {
		env.lifecycle.mu.Lock()
		defer env.lifecycle.mu.Unlock()
		return env.lifecycle.disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerJoinAndSwitch(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/manager?token=tok-manager")

	sendEnvelope(t, conn, "manager:join", managerJoinPayload{CallID: "call-a"})
	joined := readEnvelope(t, conn)
	assert.Equal(t, "manager:joined", joined.Type)

	sendEnvelope(t, conn, "manager:join", managerJoinPayload{CallID: "call-b"})
	joined = readEnvelope(t, conn)
	assert.Equal(t, "manager:joined", joined.Type)

	env.hub.mu.Lock()
	require.Len(t, env.hub.calls, 2)
	assert.Equal(t, hubCall{op: "switch", callID: "call-a"}, env.hub.calls[0])
	assert.Equal(t, hubCall{op: "switch", callID: "call-b", oldCall: "call-a"}, env.hub.calls[1])
	env.hub.mu.Unlock()
}

func TestManagerWhisper(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "/ws/manager?token=tok-manager")

	// Whisper before joining a call is ignored.
	sendEnvelope(t, conn, "manager:whisper", whisperPayload{Content: "pergunta o orçamento"})

	sendEnvelope(t, conn, "manager:join", managerJoinPayload{CallID: "call-a"})
	readEnvelope(t, conn) // manager:joined

	sendEnvelope(t, conn, "manager:whisper", whisperPayload{Content: "pergunta o orçamento"})
	sent := readEnvelope(t, conn)
	assert.Equal(t, "whisper:sent", sent.Type)

	env.relay.mu.Lock()
	assert.Equal(t, []string{"coach:whisper"}, env.relay.commands)
	env.relay.mu.Unlock()
}

func TestResolveBindAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:18790", resolveBindAddr(config.Gateway{Bind: "loopback", Port: 18790}))
	assert.Equal(t, "0.0.0.0:18790", resolveBindAddr(config.Gateway{Bind: "lan", Port: 18790}))
	assert.Equal(t, "10.0.0.5:9000", resolveBindAddr(config.Gateway{Bind: "custom", CustomBindHost: "10.0.0.5", Port: 9000}))
	assert.Equal(t, "127.0.0.1:1234", resolveBindAddr(config.Gateway{Bind: "", Port: 1234}))
}
