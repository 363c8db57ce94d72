package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellside/coachd/internal/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDAssigned(t *testing.T) {
	h := withMiddleware(okHandler(), logging.New(nil, "silent"), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// A caller-supplied ID is echoed back, not replaced.
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCORSDenyByDefault(t *testing.T) {
	h := withMiddleware(okHandler(), logging.New(nil, "silent"), nil)

	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := withMiddleware(okHandler(), logging.New(nil, "silent"),
		[]string{"https://dashboard.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthPollsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	h := withMiddleware(okHandler(), logging.New(&buf, "debug"), nil)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotContains(t, buf.String(), "http request")

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/calls", nil))
	assert.Contains(t, buf.String(), "http request")
}

// The access log wraps the ResponseWriter; the wrapper has to keep hijacking
// available or WebSocket upgrades break behind it.
func TestUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	})

	srv := httptest.NewServer(withMiddleware(echo, logging.New(nil, "silent"), nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()
}
