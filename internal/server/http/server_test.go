package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/c-moss-talk/eventstore/internal/advisorylock"
	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/notifybus"
	"github.com/c-moss-talk/eventstore/internal/orchestrator"
	"github.com/c-moss-talk/eventstore/internal/storage/postgres"
	"github.com/c-moss-talk/eventstore/internal/subscription"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

func testLogger() logpkg.Logger {
	l, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return l
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func TestParseInt64(t *testing.T) {
	if got := parseInt64("42", 0); got != 42 {
		t.Fatalf("got %d", got)
	}
	if got := parseInt64("", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	if got := parseInt64("not-a-number", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	if got := parseInt64("-3", 0); got != -3 {
		t.Fatalf("got %d", got)
	}
}

func TestWriteDomainErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{eventstore.ErrStreamExists, http.StatusConflict},
		{eventstore.ErrStreamNotFound, http.StatusNotFound},
		{eventstore.ErrWrongExpectedVersion, http.StatusConflict},
		{eventstore.ErrSubscriptionAlreadyExists, http.StatusConflict},
		{eventstore.ErrUnknownSubscriber, http.StatusNotFound},
		{eventstore.ErrInvalidAck, http.StatusBadRequest},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeDomainError(w, c.err)
		if w.Code != c.want {
			t.Fatalf("%v: got status %d, want %d", c.err, w.Code, c.want)
		}
	}
}

func TestCORSHandlesPreflight(t *testing.T) {
	called := false
	h := cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodOptions, "/v1/streams/create", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if called {
		t.Fatalf("preflight should not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

// fakeHealthGateway backs orchestrator.StreamGateway and
// subscription.StorageGateway with enough behavior to stand up a Server
// without a live Postgres instance, purely to exercise /v1/healthz.
type fakeHealthGateway struct{ pingErr error }

func (g *fakeHealthGateway) CreateStream(ctx context.Context, streamID string) (int64, error) {
	return 0, nil
}

func (g *fakeHealthGateway) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.RecordedEvent) (int64, error) {
	return 0, nil
}

func (g *fakeHealthGateway) ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	return nil, nil
}

func (g *fakeHealthGateway) Ping(ctx context.Context) error { return g.pingErr }

func (g *fakeHealthGateway) SubscribeToStream(ctx context.Context, streamID, name string, startFrom int64) (eventstore.Subscription, error) {
	return eventstore.Subscription{}, nil
}

func (g *fakeHealthGateway) AckLastSeenEvent(ctx context.Context, streamID, name string, lastSeen int64) error {
	return nil
}

func (g *fakeHealthGateway) DeleteSubscription(ctx context.Context, streamID, name string) error {
	return nil
}

func (g *fakeHealthGateway) ReadForwardByEventNumber(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	return nil, nil
}

func (g *fakeHealthGateway) CurrentEventNumber(ctx context.Context, streamID string) (int64, error) {
	return 0, nil
}

type fakeHealthLock struct{ alive bool }

func (fakeHealthLock) TryAcquire(ctx context.Context, key int64, lost chan advisorylock.Lost) (advisorylock.Ref, error) {
	return advisorylock.Ref{}, nil
}

func (fakeHealthLock) Release(ctx context.Context, ref advisorylock.Ref) error { return nil }

func (l fakeHealthLock) Alive() bool { return l.alive }

func newHealthTestServer(t *testing.T, pingErr error, lockAlive bool) *Server {
	t.Helper()
	gw := &fakeHealthGateway{pingErr: pingErr}
	bus := notifybus.New()
	supervisor := subscription.NewSupervisor(gw, fakeHealthLock{alive: lockAlive}, bus, testLogger(), 10*time.Millisecond, 500)
	t.Cleanup(supervisor.Shutdown)
	orch := orchestrator.New(gw, supervisor, fakeHealthLock{alive: lockAlive})
	return New(orch, testLogger())
}

func TestHandleHealthOK(t *testing.T) {
	srv := newHealthTestServer(t, nil, true)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("got status field %q", body["status"])
	}
}

func TestHandleHealthUnavailableOnStorageFailure(t *testing.T) {
	srv := newHealthTestServer(t, errors.New("connection refused"), true)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleHealthUnavailableOnLockSessionDown(t *testing.T) {
	srv := newHealthTestServer(t, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
}

// testDSN returns the connection string for a live Postgres instance, or ""
// if EVENTSTORE_POSTGRES_TEST is unset. The end-to-end test below skips
// itself rather than failing in environments without one.
func testDSN() string { return os.Getenv("EVENTSTORE_POSTGRES_TEST") }

func TestCreateAppendReadEndToEnd(t *testing.T) {
	dsn := testDSN()
	if dsn == "" {
		t.Skip("EVENTSTORE_POSTGRES_TEST not set; skipping integration test")
	}
	ctx := context.Background()
	gateway, err := postgres.Open(ctx, dsn, "eventstore_events_httptest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(gateway.Close)
	if err := gateway.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	logger := testLogger()
	lockMgr := advisorylock.New(gateway.Pool(), 50*time.Millisecond, logger)
	bus := notifybus.New()
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go lockMgr.Run(runCtx)

	supervisor := subscription.NewSupervisor(gateway, lockMgr, bus, logger, 50*time.Millisecond, 500)
	t.Cleanup(supervisor.Shutdown)
	orch := orchestrator.New(gateway, supervisor, lockMgr)
	srv := New(orch, logger)

	streamID := "http-e2e-stream"
	req := httptest.NewRequest(http.MethodPost, "/v1/streams/create", jsonBody(t, map[string]string{"stream_id": streamID}))
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status: %d body: %s", w.Code, w.Body.String())
	}

	appendBody := map[string]any{
		"stream_id":        streamID,
		"expected_version": int64(-1),
		"events":           []map[string]any{{"event_type": "http.e2e.appended", "data": []byte("hi")}},
	}
	req = httptest.NewRequest(http.MethodPost, "/v1/streams/append", jsonBody(t, appendBody))
	w = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("append status: %d body: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/streams/read?stream_id="+streamID+"&from_version=0&max_count=10", nil)
	w = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("read status: %d body: %s", w.Code, w.Body.String())
	}
}
