package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/config"
	"github.com/convertica/convertica/internal/database"
	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/metrics"
	"github.com/convertica/convertica/internal/quota"
	"github.com/convertica/convertica/internal/ratelimit"
	rdb "github.com/convertica/convertica/internal/redis"
	"github.com/convertica/convertica/internal/runs"
	"github.com/convertica/convertica/internal/tasks"
)

type fakeUsers map[string]*identity.User

func (f fakeUsers) Lookup(_ context.Context, key string) (*identity.User, error) {
	if u, ok := f[key]; ok {
		return u, nil
	}
	return nil, identity.ErrUnknownKey
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []tasks.Task
	opts       []tasks.Options
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task tasks.Task, opts tasks.Options) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.dispatched = append(d.dispatched, task)
	d.opts = append(d.opts, opts)
	return "1-0", nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

type QueueUnavailableError struct{}

func (*QueueUnavailableError) Error() string { return "queue unavailable" }

type harness struct {
	server     *Server
	runs       *runs.Store
	dispatcher *recordingDispatcher
	backend    *quota.MemoryBackend
	guard      *ratelimit.IPGuard
}

var testRoutes = []config.RouteConfig{
	{Type: "pdf_to_word", Path: "/api/pdf-to-word/", Group: config.GroupConversion},
	{Type: "pdf_to_word_batch", Path: "/api/pdf-to-word/batch/", Group: config.GroupBatch},
}

func testPolicies(t *testing.T) map[string]ratelimit.Policy {
	t.Helper()
	conv, err := ratelimit.NewPolicy(config.GroupConversion, "10/h", map[string]string{
		"anonymous": "2/h", "authenticated": "5/h", "premium": "8/h",
	})
	require.NoError(t, err)
	batch, err := ratelimit.NewPolicy(config.GroupBatch, "10/h", map[string]string{
		"anonymous": "0/h", "authenticated": "1/h", "premium": "3/h",
	})
	require.NoError(t, err)
	return map[string]ratelimit.Policy{conv.Group: conv, batch.Group: batch}
}

func newHarness(t *testing.T, checks map[string]HealthCheck) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := runs.NewStore(ctx, db)
	require.NoError(t, err)

	m := metrics.New(nil)
	backend := quota.NewMemoryBackend()
	policies := testPolicies(t)

	future := time.Now().Add(24 * time.Hour)
	users := fakeUsers{
		"key-free":    {ID: "user-free"},
		"key-premium": {ID: "user-premium", IsPremium: true, SubscriptionEnd: &future},
	}

	guard := ratelimit.NewIPGuard(0.001, 2)
	t.Cleanup(guard.Stop)

	d := &recordingDispatcher{}
	srv, err := New(Config{Version: "test", Routes: testRoutes}, Deps{
		Policies: policies,
		Evaluator: ratelimit.NewEvaluator(ratelimit.EvaluatorConfig{
			Quota:   quota.NewStore(backend, nil, m),
			Stats:   ratelimit.NewStatsRecorder(backend, nil, m),
			Metrics: m,
		}),
		Recorder:   runs.NewRecorder(store, zap.NewNop(), m),
		Runs:       store,
		Dispatcher: d,
		Users:      users,
		Reporter:   ratelimit.NewReporter(backend, []string{config.GroupConversion, config.GroupBatch}),
		Guard:      guard,
		Metrics:    m,
		Checks:     checks,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	return &harness{server: srv, runs: store, dispatcher: d, backend: backend, guard: guard}
}

func (h *harness) do(method, path, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestConversionAcceptedAnonymous(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/api/pdf-to-word/", "", `{"file":"uploads/a.pdf"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[AcceptedResponse](t, w)
	assert.Equal(t, "regular", resp.Queue)
	assert.Equal(t, 5, resp.Priority)
	assert.Equal(t, "queued", resp.Status)
	require.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, w.Header().Get(runs.RequestIDHeader))

	require.Equal(t, 1, h.dispatcher.count())
	task := h.dispatcher.dispatched[0]
	assert.Equal(t, resp.RequestID, task.RequestID)
	assert.Equal(t, "pdf_to_word", task.ConversionType)
	assert.Equal(t, "uploads/a.pdf", task.Payload["file"])

	run, err := h.runs.Get(context.Background(), resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Equal(t, "pdf_to_word", run.ConversionType)
	assert.Empty(t, run.UserID)
	assert.Equal(t, "/api/pdf-to-word/", run.Path)
}

func TestConversionPremiumRouting(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/api/pdf-to-word/batch/", "key-premium", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[AcceptedResponse](t, w)
	assert.Equal(t, "premium", resp.Queue)
	assert.Equal(t, 9, resp.Priority)

	run, err := h.runs.Get(context.Background(), resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "user-premium", run.UserID)
	assert.True(t, run.IsPremium)
	assert.Equal(t, "pdf_to_word_batch", run.ConversionType)
}

func TestAnonymousBatchDeniedWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/batch/", nil)
	req.Header.Set(runs.RequestIDHeader, "denied-1")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode[ratelimit.LimitedResponse](t, w)
	assert.Equal(t, "Rate limit exceeded", body.Error)
	assert.NotEmpty(t, body.Message)
	assert.Equal(t, "denied-1", w.Header().Get(runs.RequestIDHeader))

	assert.Zero(t, h.dispatcher.count())
	_, err := h.runs.Get(context.Background(), "denied-1")
	assert.ErrorIs(t, err, runs.ErrNotFound, "denied requests must not create a run")
}

func TestTierCeilingEnforced(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodPost, "/api/pdf-to-word/", "", "")
		require.Equal(t, http.StatusAccepted, w.Code, "request %d", i+1)
	}
	w := h.do(http.MethodPost, "/api/pdf-to-word/", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))

	// A signed in caller from the same IP has its own tier budget
	w = h.do(http.MethodPost, "/api/pdf-to-word/", "key-free", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 3, h.dispatcher.count())
}

func TestUnknownAPIKeyRejected(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/api/pdf-to-word/", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, h.dispatcher.count())
}

func TestDispatchFailureRecordedAsError(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.err = &QueueUnavailableError{}

	req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/", nil)
	req.Header.Set(runs.RequestIDHeader, "fail-1")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[errorResponse](t, w)
	assert.Equal(t, "Internal Server Error", body.Error)

	run, err := h.runs.Get(context.Background(), "fail-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusError, run.Status)
	assert.Equal(t, "QueueUnavailableError", run.ErrorType)
	assert.Equal(t, "queue unavailable", run.ErrorMessage)
}

func TestInvalidPayloadRecordedAsHTTPError(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/", strings.NewReader("[1,2]"))
	req.Header.Set(runs.RequestIDHeader, "bad-1")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	run, err := h.runs.Get(context.Background(), "bad-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusError, run.Status)
	assert.Equal(t, runs.HTTPErrorType, run.ErrorType)
	assert.Equal(t, "request body must be a JSON object", run.ErrorMessage)
	assert.Zero(t, h.dispatcher.count())
}

func TestReusedRequestIDDoesNotRewriteFinishedRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/", strings.NewReader(body))
		req.Header.Set(runs.RequestIDHeader, "reuse-1")
		w := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(w, req)
		return w
	}

	first := post(`{"file":"uploads/a.pdf"}`)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	assert.Equal(t, "reuse-1", first.Header().Get(runs.RequestIDHeader))

	second := post("not json")
	require.Equal(t, http.StatusBadRequest, second.Code)
	secondID := second.Header().Get(runs.RequestIDHeader)
	require.NotEmpty(t, secondID)
	assert.NotEqual(t, "reuse-1", secondID)

	run, err := h.runs.Get(ctx, "reuse-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Empty(t, run.ErrorType)
	assert.Empty(t, run.ErrorMessage)

	run, err = h.runs.Get(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusError, run.Status)
	assert.Equal(t, "request body must be a JSON object", run.ErrorMessage)
	assert.Equal(t, 1, h.dispatcher.count())
}

func TestGetRunEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/", strings.NewReader("[1]"))
	req.Header.Set(runs.RequestIDHeader, "lookup-1")
	h.server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	w := h.do(http.MethodGet, "/api/ops/runs/lookup-1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[RunResponse](t, w)
	assert.Equal(t, "lookup-1", got.RequestID)
	assert.Equal(t, "pdf_to_word", got.ConversionType)
	assert.Equal(t, string(runs.StatusError), got.Status)
	assert.Equal(t, runs.HTTPErrorType, got.ErrorType)
	require.NotNil(t, got.FinishedAt)

	w = h.do(http.MethodGet, "/api/ops/runs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitStatsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodPost, "/api/pdf-to-word/", "", "")
	h.do(http.MethodPost, "/api/pdf-to-word/batch/", "", "")

	w := h.do(http.MethodGet, "/api/ops/rate-limit-stats?hours=1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stats := decode[map[string]ratelimit.GroupStats](t, w)
	require.Contains(t, stats, config.GroupConversion)
	require.Contains(t, stats, config.GroupBatch)
	assert.Equal(t, int64(1), stats[config.GroupConversion].Total)
	assert.Equal(t, int64(1), stats[config.GroupConversion].Anonymous)
	assert.Equal(t, int64(1), stats[config.GroupBatch].BlockedByUser)
	assert.Equal(t, float64(100), stats[config.GroupBatch].BlockedPct)
}

func TestRateLimitStatsValidation(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodGet, "/api/ops/rate-limit-stats?group=api_unknown", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/ops/rate-limit-stats?hours=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpsGuard(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodGet, "/api/ops/rate-limit-stats", "", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := h.do(http.MethodGet, "/api/ops/rate-limit-stats", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// The guard does not touch the conversion routes
	w = h.do(http.MethodPost, "/api/pdf-to-word/", "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	w := h.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "ok", resp.Checks["redis"])

	h = newHarness(t, map[string]HealthCheck{
		"database": func(context.Context) error { return errors.New("disk I/O error") },
	})
	w = h.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp = decode[HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "disk I/O error", resp.Checks["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/pdf-to-word/", "", "")

	w := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "convertica_rate_limit_decisions_total")
	assert.Contains(t, w.Body.String(), "convertica_tasks_dispatched_total")
}

func TestNewRejectsUnknownGroup(t *testing.T) {
	_, err := New(Config{Routes: []config.RouteConfig{
		{Type: "x", Path: "/api/x/", Group: "missing"},
	}}, Deps{Policies: testPolicies(t)})
	assert.Error(t, err)
}

func TestConversionThroughRedisStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := rdb.NewClient(rdb.ClientConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	h := newHarness(t, nil)
	h.server.deps.Dispatcher = tasks.NewDispatcher(client, zap.NewNop(), nil)
	h.server.handler, _ = h.server.routes()

	w := h.do(http.MethodPost, "/api/pdf-to-word/", "key-premium", `{"pages":"1-3"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[AcceptedResponse](t, w)

	entries, err := client.ReadStream(context.Background(), tasks.StreamName(tasks.QueuePremium), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, resp.RequestID, entries[0].RequestID)
	assert.Equal(t, "9", entries[0].RawData["priority"])
	assert.Equal(t, "1-3", entries[0].Payload["pages"])
}

func TestStartAndShutdown(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"}, Deps{Metrics: metrics.New(nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
