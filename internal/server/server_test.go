package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Options{})
	rec := do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	r = NewRouter(Options{Health: func(context.Context) error { return errors.New("database is locked") }})
	rec = do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, NewRouter(Options{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "contestbot_active_sessions")
}

func TestWebhookMount(t *testing.T) {
	hits := 0
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	})

	r := NewRouter(Options{Webhook: hook, WebhookPath: "/tg-hook/"})
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/tg-hook").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodGet, "/tg-hook").Code)
	assert.Equal(t, 1, hits)

	r = NewRouter(Options{})
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/tg-hook").Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Options{ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
