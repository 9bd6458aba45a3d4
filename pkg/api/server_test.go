package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/pkg/health"
	"github.com/sentinelops/perfcore/pkg/logging"
)

type fakeIngester struct {
	mu     sync.Mutex
	got    []events.Event
	limit  int
	reject error
}

func (f *fakeIngester) Process(ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.got) >= f.limit {
		return f.reject
	}
	f.got = append(f.got, ev)
	return nil
}

type fakeReader map[string]events.Event

func (f fakeReader) Get(_ context.Context, id string) (events.Event, bool, error) {
	if id == "broken" {
		return events.Event{}, false, stderrors.New("db down")
	}
	ev, ok := f[id]
	return ev, ok, nil
}

func newTestServer(deps Deps) http.Handler {
	return NewServer(ServerConfig{Logger: logging.Discard(), MaxBodyBytes: 4096}, deps).Handler()
}

func do(h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestIngest_SingleAndArray(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestServer(Deps{Ingester: ing})

	rec, out := do(h, http.MethodPost, "/v1/events", `{"id":"e1","source":"fw-1","kind":"deny"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(1), out["accepted"])

	rec, out = do(h, http.MethodPost, "/v1/events",
		`[{"id":"e2","source":"fw-1","severity":"high"},{"id":"e3","source":"edr-7","received_at":"2024-03-05T14:30:00Z"}]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(2), out["accepted"])

	require.Len(t, ing.got, 3)
	assert.Equal(t, events.SeverityInfo, ing.got[0].Severity, "severity defaults to info")
	assert.False(t, ing.got[0].ReceivedAt.IsZero(), "received_at stamped")
	assert.Equal(t, events.SeverityHigh, ing.got[1].Severity)
	assert.Equal(t, 2024, ing.got[2].ReceivedAt.Year())
}

func TestIngest_BadRequests(t *testing.T) {
	h := newTestServer(Deps{Ingester: &fakeIngester{}})

	for _, body := range []string{``, `{`, `[]`, `{"id":"e1"}`, `[{"source":"fw-1"}]`} {
		rec, _ := do(h, http.MethodPost, "/v1/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec, _ := do(h, http.MethodPost, "/v1/events", `{"id":"e1","source":"`+strings.Repeat("x", 5000)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec, _ = do(h, http.MethodGet, "/v1/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIngest_BodyReadFailureIsBadRequest(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestServer(Deps{Ingester: ing})

	req := httptest.NewRequest(http.MethodPost, "/v1/events", iotest.ErrReader(io.ErrUnexpectedEOF))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ing.got)
}

func TestIngest_Backpressure(t *testing.T) {
	cases := []struct {
		name   string
		reject error
		status int
		code   string
	}{
		{"queue full", events.ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL"},
		{"rate limited", events.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"shutdown", events.ErrShutdown, http.StatusServiceUnavailable, "SHUTDOWN_IN_PROGRESS"},
		{"other", stderrors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(Deps{Ingester: &fakeIngester{limit: 1, reject: tc.reject}})

			rec, out := do(h, http.MethodPost, "/v1/events",
				`[{"id":"a","source":"s"},{"id":"b","source":"s"},{"id":"c","source":"s"}]`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, float64(1), out["accepted"])
			assert.Equal(t, tc.code, out["code"])
			if tc.status != http.StatusInternalServerError {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetEvent(t *testing.T) {
	h := newTestServer(Deps{Reader: fakeReader{
		"e1": {ID: "e1", Source: "fw-1", Kind: "deny", Severity: events.SeverityLow},
	}})

	rec, out := do(h, http.MethodGet, "/v1/events/e1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fw-1", out["source"])

	rec, _ = do(h, http.MethodGet, "/v1/events/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(h, http.MethodGet, "/v1/events/broken", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUnconfiguredDeps(t *testing.T) {
	h := newTestServer(Deps{})

	rec, _ := do(h, http.MethodPost, "/v1/events", `{"id":"e1","source":"fw-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = do(h, http.MethodGet, "/v1/events/e1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, out := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	rec, _ = do(h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	tr := health.NewTracker(health.Config{ErrorThreshold: 1, UnavailableThreshold: 2, Logger: logging.Discard()})
	tr.Register("database", true, nil)
	tr.Register("archive", false, nil)
	h := newTestServer(Deps{Health: tr})

	rec, out := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.Len(t, out["components"], 2)

	tr.Observe("archive", stderrors.New("throttled"))
	rec, out = do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", out["status"])

	tr.Observe("database", stderrors.New("refused"))
	tr.Observe("database", stderrors.New("refused"))
	rec, _ = do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, out = do(h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", out["status"])

	rec, _ = do(h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	h := newTestServer(Deps{Status: func() map[string]interface{} {
		return map[string]interface{}{"events": map[string]int{"queue_depth": 3}}
	}})

	rec, out := do(h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "timestamp")
}

func TestServer_StartShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewServer(ServerConfig{Address: "127.0.0.1:0", Logger: logging.Discard()}, Deps{})
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
