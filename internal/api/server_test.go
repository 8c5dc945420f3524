package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/config"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/metrics"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/policy/ratelimit"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/runner"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type stubFactory struct {
	run func(ctx context.Context, rep journal.Reporter) (json.RawMessage, error)
}

func (f stubFactory) New(journal.JobParameters) journal.WorkUnit { return stubUnit{f.run} }

type stubUnit struct {
	run func(ctx context.Context, rep journal.Reporter) (json.RawMessage, error)
}

func (u stubUnit) Run(ctx context.Context, rep journal.Reporter) (json.RawMessage, error) {
	return u.run(ctx, rep)
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Progress: config.ProgressConfig{
			HistoryCap:       64,
			SubscriberQueue:  16,
			HeartbeatSeconds: 30,
		},
	}
}

type testEnv struct {
	server *Server
	store  *memory.JobStore
}

func newTestEnv(t *testing.T, cfg config.Config, run func(ctx context.Context, rep journal.Reporter) (json.RawMessage, error)) *testEnv {
	t.Helper()
	metrics.Init()

	if run == nil {
		run = func(context.Context, journal.Reporter) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}
	}
	store := memory.NewJobStore(memory.Config{
		HistoryCap:      cfg.Progress.HistoryCap,
		SubscriberQueue: cfg.Progress.SubscriberQueue,
	}, &fakeClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDs{}, nil)
	t.Cleanup(store.Close)

	r := runner.New(store, stubFactory{run: run}, nil, runner.Config{}, nil)
	srv := NewServer(store, r, nil, cfg, nil)
	return &testEnv{server: srv, store: store}
}

func (e *testEnv) createJob(t *testing.T, body string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/journals/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	return resp["job_id"]
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/journals/", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/journals/", bytes.NewBufferString(`{"topic":"  "}`))
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/journals/", bytes.NewBufferString(`{"topic":"tides","sections":99}`))
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	env := newTestEnv(t, testConfig(), func(ctx context.Context, rep journal.Reporter) (json.RawMessage, error) {
		if err := rep.Report(ctx, journal.Update{Percent: 40, Label: "drafting", Agent: "writer"}); err != nil {
			return nil, err
		}
		select {
		case <-release:
			return json.RawMessage(`{"title":"tides"}`), nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})

	jobID := env.createJob(t, `{"topic":"tides","style":"reflective"}`)

	// Unfinished jobs have no result yet.
	require.Eventually(t, func() bool {
		rec, body := env.get(t, "/v1/journals/"+jobID+"/status")
		if rec.Code != http.StatusOK {
			return false
		}
		job := body["job"].(map[string]any)
		return job["stage"] == "running"
	}, 2*time.Second, 5*time.Millisecond)

	rec, _ := env.get(t, "/v1/journals/"+jobID+"/result")
	require.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	require.Eventually(t, func() bool {
		rec, body := env.get(t, "/v1/journals/"+jobID+"/status")
		if rec.Code != http.StatusOK {
			return false
		}
		job := body["job"].(map[string]any)
		return job["stage"] == "completed"
	}, 2*time.Second, 5*time.Millisecond)

	rec, body := env.get(t, "/v1/journals/"+jobID+"/result")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, jobID, body["job_id"])
	result := body["result"].(map[string]any)
	require.Equal(t, "tides", result["title"])

	// Completed status snapshots carry the frozen result.
	_, body = env.get(t, "/v1/journals/"+jobID+"/status")
	job := body["job"].(map[string]any)
	statusResult := job["result"].(map[string]any)
	require.Equal(t, "tides", statusResult["title"])
	require.Equal(t, float64(100), job["progress_percent"])
	require.Equal(t, float64(2), body["history_count"])
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), func(ctx context.Context, rep journal.Reporter) (json.RawMessage, error) {
		if err := rep.Report(ctx, journal.Update{Percent: 10}); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})

	jobID := env.createJob(t, `{"topic":"tides"}`)

	require.Eventually(t, func() bool {
		_, body := env.get(t, "/v1/journals/"+jobID+"/status")
		job, ok := body["job"].(map[string]any)
		return ok && job["stage"] == "running"
	}, 2*time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/v1/journals/"+jobID+"/cancel", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		_, body := env.get(t, "/v1/journals/"+jobID+"/status")
		job, ok := body["job"].(map[string]any)
		return ok && job["stage"] == "failed" && job["error_kind"] == "cancelled"
	}, 2*time.Second, 5*time.Millisecond)

	rec, body := env.get(t, "/v1/journals/"+jobID+"/result")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", body["error_kind"])
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	env.createJob(t, `{"topic":"one"}`)
	env.createJob(t, `{"topic":"two"}`)

	rec, body := env.get(t, "/v1/journals/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), body["count"])

	rec, _ = env.get(t, "/v1/journals/?stage=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.get(t, "/v1/journals/?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["count"])
}

func TestUnknownJobReturns404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)

	for _, path := range []string{
		"/v1/journals/missing/status",
		"/v1/journals/missing/result",
	} {
		rec, _ := env.get(t, path)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/journals/missing/cancel", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	env := newTestEnv(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/journals/", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/journals/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open without a key.
	rec, _ = env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJobRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	env.server.limiter = ratelimit.New(ratelimit.Config{DefaultRPS: 0.001, DefaultBurst: 1})

	env.createJob(t, `{"topic":"one"}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/journals/", bytes.NewBufferString(`{"topic":"two"}`))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)

	rec, body := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	raw := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusOK, raw.Code)
}
