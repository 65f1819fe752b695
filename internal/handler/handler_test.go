package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/memstore"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/recovery"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/pkg/middleware"
)

type fakeRegenerator struct {
	result joblock.Result
	err    error
	calls  []model.StageName
}

func (f *fakeRegenerator) StartRegeneration(ctx context.Context, jobID string, from model.StageName) (joblock.Result, error) {
	f.calls = append(f.calls, from)
	return f.result, f.err
}

type downStore struct{}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	store   *memstore.Store
	queue   *queue.WorkQueue
	regen   *fakeRegenerator
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := memstore.New()
	q := queue.New(s, "development", retry.NewStrategy(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}))
	regen := &fakeRegenerator{result: joblock.Acquired}
	inspector := recovery.NewInspector(s, q, nil, recovery.Config{Threshold: time.Minute})

	router := NewRouter(
		NewJobHandler(s, s, s, q, regen),
		NewDiagnosticsHandler(q, inspector, nil),
		NewHealthHandler(s, "memory", "development", "test"),
		middleware.CORSConfig{AllowedOrigins: "*", AllowedMethods: "GET, POST"},
	)
	return &testServer{store: s, queue: q, regen: regen, handler: router.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) job(t *testing.T, id string, status model.JobStatus) {
	t.Helper()
	job := model.NewJob(id, "development", map[string]any{"audio_url": "s3://bucket/a.mp3"})
	job.Status = status
	require.NoError(t, ts.store.CreateJob(context.Background(), job))
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "memory", health.StoreBackend)
	assert.NotEmpty(t, rec.Header().Get(middleware.CorrelationHeader))

	rec = ts.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(downStore{}, "mongo", "production", "test")
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ready":false,"store":"disconnected"}`, rec.Body.String())
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs", `{"submission_params":{"audio_url":"s3://bucket/song.mp3"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, "development", job.Environment)

	inBacklog, err := ts.queue.InBacklog(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, inBacklog)

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3://bucket/song.mp3")

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStagesAndCosts(t *testing.T) {
	ts := newTestServer(t)
	ts.job(t, "job-1", model.JobStatusProcessing)
	ctx := context.Background()

	require.NoError(t, ts.store.AppendCostEvent(ctx, &model.CostEvent{
		ID: "c1", JobID: "job-1", StageName: "audio_analysis", Provider: "openai", Amount: model.AmountFromFloat(1.25),
	}))
	_, err := ts.store.AddJobCost(ctx, "job-1", "c1", model.AmountFromFloat(1.25))
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/jobs/job-1/stages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/job-1/costs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var costs CostResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &costs))
	assert.Equal(t, model.AmountFromFloat(1.25), costs.TotalCost)
	require.Len(t, costs.Events, 1)
	assert.Equal(t, "openai", costs.Events[0].Provider)

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/nope/stages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t)
	ts.job(t, "running", model.JobStatusProcessing)
	ts.job(t, "done", model.JobStatusCompleted)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs/running/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	job, err := ts.store.GetJob(context.Background(), "running")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)

	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/done/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/running/cancel", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegenerate(t *testing.T) {
	ts := newTestServer(t)
	ts.job(t, "job-1", model.JobStatusCompleted)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs/job-1/regenerate", `{"from_stage":"video_generation"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []model.StageName{"video_generation"}, ts.regen.calls)

	ts.regen.result = joblock.AlreadyLocked
	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/job-1/regenerate", `{"from_stage":"video_generation"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.regen.result = joblock.NotAcquired
	ts.regen.err = model.NewValidationError("regenerate", "unknown stage %q", "mastering")
	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/job-1/regenerate", `{"from_stage":"mastering"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/job-1/regenerate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/missing/regenerate", `{"from_stage":"composition"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnostics(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	job := model.NewJob("lost", "development", nil)
	job.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, ts.store.CreateJob(ctx, job))
	require.NoError(t, ts.queue.Enqueue(ctx, model.QueueMessage{JobID: "other"}))

	rec := ts.do(t, http.MethodGet, "/api/v1/queue/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"environment":"development","backlog":1,"in_flight":0}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/diagnostics/stale", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var stale StaleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stale))
	require.Len(t, stale.Findings, 1)
	assert.Equal(t, recovery.ClassOrphaned, stale.Findings[0].Class)
	assert.False(t, stale.Findings[0].Applied)
	assert.Equal(t, 1, stale.Counts[recovery.ClassOrphaned])
	assert.Equal(t, int64(60), stale.ThresholdSeconds)

	rec = ts.do(t, http.MethodGet, "/api/v1/diagnostics/stale?class=stalled", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stale))
	assert.Empty(t, stale.Findings)

	// detection is read-only
	got, err := ts.store.GetJob(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/diagnostics/sweeps/last", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
