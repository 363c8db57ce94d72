// Package gateway accepts seller and manager WebSocket connections, parses
// inbound envelopes, and dispatches them to the call pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sellside/coachd/internal/cadence"
	"github.com/sellside/coachd/internal/config"
	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/lifecycle"
	"github.com/sellside/coachd/internal/logging"
	"github.com/sellside/coachd/internal/relay"
	"github.com/sellside/coachd/internal/version"
)

// maxMessageBytes bounds one inbound WebSocket message. Audio segments are
// base64 so a few MB covers them comfortably.
const maxMessageBytes = 8 * 1024 * 1024

// Lifecycle is the slice of the call lifecycle manager the gateway drives.
type Lifecycle interface {
	Start(ctx context.Context, p lifecycle.StartParams) (*domain.CallSession, error)
	End(ctx context.Context, p lifecycle.EndParams) (*domain.PostCallReport, error)
	FinalizeDisconnect(ctx context.Context, userID, boundCallID string) error
}

// CallRelay is the slice of the relay the gateway publishes through.
type CallRelay interface {
	PublishTranscript(ctx context.Context, callID string, chunk domain.TranscriptChunk) error
	PublishSession(ctx context.Context, callID, typ string, payload any) error
	PublishCommand(ctx context.Context, callID, typ string, payload any) error
	PublishMedia(ctx context.Context, callID string, framed []byte) error
	StoreMediaHeader(ctx context.Context, callID string, framed []byte) error
	Commands(ctx context.Context, callID string) (<-chan []byte, func())
}

// ViewerHub fans call traffic out to manager connections.
type ViewerHub interface {
	Attach(ctx context.Context, callID, connID string, sink relay.Sink)
	Detach(callID, connID string)
	Switch(ctx context.Context, connID, oldCallID, newCallID string, sink relay.Sink)
}

// SessionStore persists the live session after each mutation.
type SessionStore interface {
	Put(ctx context.Context, session *domain.CallSession) error
}

// Transcriber converts an audio segment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, prompt string) (string, error)
}

// TokenAuth resolves an API token to a profile.
type TokenAuth interface {
	GetProfileByToken(token string) (*domain.Profile, error)
}

// NamesStore merges participant names onto the durable row.
type NamesStore interface {
	UpdateNames(id, leadName, sellerName string) error
}

// ScriptCatalog resolves a call's sales script so its steps can steer the
// live coaching.
type ScriptCatalog interface {
	GetScript(id string) (*domain.Script, error)
}

// Deps bundles everything the gateway server needs.
type Deps struct {
	Lifecycle   Lifecycle
	Relay       CallRelay
	Hub         ViewerHub
	Sessions    SessionStore
	Scheduler   *cadence.Scheduler
	Transcriber Transcriber
	Auth        TokenAuth
	Names       NamesStore
	Scripts     ScriptCatalog
}

// Server is the coachd gateway HTTP + WebSocket server.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *logging.Logger

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[string]interface{ Close() error }
}

// New creates a gateway server.
func New(cfg config.Config, deps Deps, log *logging.Logger) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.Sub("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
		conns: make(map[string]interface{ Close() error }),
	}
}

// checkWebSocketOrigin validates WebSocket Origin headers. No Origin header
// means a non-browser client, which is allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.Gateway) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections. It blocks until
// the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/call", s.handleSellerWS)
	mux.HandleFunc("GET /ws/manager", s.handleManagerWS)
	mux.HandleFunc("/", handleNotFound)

	handler := withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Msg("gateway server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.closeAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

func (s *Server) track(connID string, c interface{ Close() error }) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[connID] = c
}

func (s *Server) untrack(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]interface{ Close() error }, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// authenticate resolves the token query parameter to a profile. A missing or
// unknown token fails the connection.
func (s *Server) authenticate(r *http.Request) (*domain.Profile, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, errors.New("missing token")
	}
	profile, err := s.deps.Auth.GetProfileByToken(token)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if profile == nil {
		return nil, errors.New("unknown token")
	}
	return profile, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"version":     version.Version,
		"connections": s.connCount(),
		"uptimeSec":   int(time.Since(s.startedAt).Seconds()),
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

// closeUnauthorized closes a freshly upgraded connection with a policy
// violation code so the client knows not to retry with the same token.
func closeUnauthorized(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

func (s *Server) pingInterval() time.Duration {
	secs := s.cfg.Gateway.PingSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}
