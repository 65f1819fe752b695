package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/cache"
	"github.com/dandantas/reelforge/internal/collaborator"
	"github.com/dandantas/reelforge/internal/cost"
	"github.com/dandantas/reelforge/internal/eta"
	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/memstore"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

const (
	env        = eta.EnvDevelopment
	audioHash  = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	audioURL   = "https://cdn.example.com/audio/sha256-" + audioHash + ".wav"
	otherAudio = "https://cdn.example.com/audio/untagged.wav"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) ofType(t string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	store   *memstore.Store
	queue   *queue.WorkQueue
	emitter *captureEmitter

	mu    sync.Mutex
	calls map[model.StageName]int
}

func (h *harness) count(stage model.StageName) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[stage]
}

func fast() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// newHarness wires an orchestrator over the in-memory store. overrides
// replace individual local stages.
func newHarness(t *testing.T, overrides collaborator.Registry, budget float64) *harness {
	t.Helper()

	s := memstore.New()
	emitter := &captureEmitter{}
	h := &harness{store: s, emitter: emitter, calls: make(map[model.StageName]int)}

	registry := collaborator.LocalRegistry()
	for name, stage := range overrides {
		registry[name] = stage
	}
	for name, stage := range registry {
		inner := stage
		counted := name
		registry[name] = collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			h.mu.Lock()
			h.calls[counted]++
			h.mu.Unlock()
			return inner.Run(ctx, in)
		})
	}

	profile, err := eta.DefaultProfiles().For(env)
	require.NoError(t, err)

	strategy := retry.NewStrategy(fast())
	h.queue = queue.New(s, env, strategy)
	orch, err := New(Deps{
		Jobs:     s,
		Stages:   s,
		Queue:    h.queue,
		Costs:    cost.NewTracker(s, s, cost.NewKeyedMutex(), emitter, strategy),
		Cache:    cache.New(s, nil, cache.Config{}),
		Registry: registry,
		Profile:  profile,
		Events:   emitter,
	}, Config{
		BudgetLimit: model.AmountFromFloat(budget),
		StageRetry:  fast(),
		StoreRetry:  fast(),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) submit(t *testing.T, id, audio string) {
	t.Helper()
	ctx := context.Background()
	params := map[string]any{"audio_url": audio, "scene_count": 3}
	require.NoError(t, h.store.CreateJob(ctx, model.NewJob(id, env, params)))
	require.NoError(t, h.queue.Enqueue(ctx, model.QueueMessage{JobID: id, SubmissionParams: params}))
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)

	processed, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, stagemachine.StageComposition, job.CurrentStage)
	assert.Equal(t, "file:///tmp/reelforge/job-1.mp4", job.OutputURL)
	require.NotNil(t, job.EstimatedRemaining)
	assert.Zero(t, *job.EstimatedRemaining)

	records, err := h.store.ListStages(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, records, len(stagemachine.Sequence()))
	for i, rec := range records {
		assert.Equal(t, stagemachine.Sequence()[i], rec.StageName)
		assert.Equal(t, model.StageStatusCompleted, rec.Status)
	}

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Backlog)
	assert.Zero(t, stats.InFlight)

	assert.Len(t, h.emitter.ofType(events.TypeJobCompleted), 1)
	assert.Len(t, h.emitter.ofType(events.TypeStageStarted), len(stagemachine.Sequence()))

	processed, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)

	last := -1
	h.emitter.mu.Lock()
	defer h.emitter.mu.Unlock()
	for _, e := range h.emitter.events {
		p, ok := e.Payload["progress"].(int)
		if !ok {
			continue
		}
		assert.GreaterOrEqual(t, p, last, "event %s", e.Type)
		last = p
	}
	assert.Equal(t, 100, last)
}

func TestFatalStageFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, collaborator.Registry{
		stagemachine.StageReferenceImages: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			return collaborator.Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "content policy violation", nil)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, stagemachine.StageReferenceImages, job.CurrentStage)
	assert.Contains(t, job.ErrorMessage, "content policy violation")
	assert.Nil(t, job.EstimatedRemaining)
	assert.Equal(t, 1, h.count(stagemachine.StageReferenceImages))
	assert.Zero(t, h.count(stagemachine.StagePromptGeneration))

	rec, err := h.store.GetStage(ctx, "job-1", stagemachine.StageReferenceImages)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, rec.Status)

	inflight, err := h.queue.InFlight(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, inflight)
	assert.Len(t, h.emitter.ofType(events.TypeJobFailed), 1)
}

func TestRetryableStageFailureIsRetried(t *testing.T) {
	attempts := 0
	h := newHarness(t, collaborator.Registry{
		stagemachine.StageScenePlanning: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			attempts++
			if attempts < 3 {
				return collaborator.Output{}, model.NewStageError(in.Stage, model.StageErrorRetryable, "provider overloaded", nil)
			}
			return collaborator.LocalRegistry()[stagemachine.StageScenePlanning].Run(ctx, in)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, model.JobStatusCompleted, h.job(t, "job-1").Status)
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t, collaborator.Registry{
		stagemachine.StageComposition: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			return collaborator.Output{}, model.NewStageError(in.Stage, model.StageErrorRetryable, "encoder busy", nil)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.count(stagemachine.StageComposition))
	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "encoder busy")
}

func TestBudgetExceededFailsJob(t *testing.T) {
	withCost := func(stage model.StageName, amount float64) collaborator.Stage {
		local := collaborator.LocalRegistry()[stage]
		return collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			out, err := local.Run(ctx, in)
			out.Costs = []collaborator.CostEntry{{Provider: "provider", Amount: model.AmountFromFloat(amount)}}
			return out, err
		})
	}

	h := newHarness(t, collaborator.Registry{
		stagemachine.StageScenePlanning:   withCost(stagemachine.StageScenePlanning, 25),
		stagemachine.StageVideoGeneration: withCost(stagemachine.StageVideoGeneration, 30),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, stagemachine.StageVideoGeneration, job.CurrentStage)
	assert.Contains(t, job.ErrorMessage, "budget exceeded")
	assert.Equal(t, model.AmountFromFloat(55), job.TotalCost)
	assert.Zero(t, h.count(stagemachine.StageComposition))
	assert.NotEmpty(t, h.emitter.ofType(events.TypeCostUpdated))
}

func TestOverBudgetJobNeverInvokesStage(t *testing.T) {
	ctx := context.Background()
	paid := collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
		out, err := collaborator.LocalRegistry()[stagemachine.StageVideoGeneration].Run(ctx, in)
		out.Costs = []collaborator.CostEntry{{Provider: "video", Amount: model.AmountFromFloat(30)}}
		return out, err
	})
	h := newHarness(t, collaborator.Registry{stagemachine.StageVideoGeneration: paid}, 50)
	h.submit(t, "job-1", audioURL)
	_, err := h.store.AddJobCost(ctx, "job-1", "earlier-run", model.AmountFromFloat(55))
	require.NoError(t, err)

	_, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, stagemachine.StageAudioAnalysis, job.CurrentStage)
	assert.Contains(t, job.ErrorMessage, "budget exceeded")
	assert.Zero(t, h.count(stagemachine.StageAudioAnalysis))
	assert.Zero(t, h.count(stagemachine.StageVideoGeneration))
	assert.Equal(t, model.AmountFromFloat(55), job.TotalCost)
}

func TestRegenerateOverBudgetDoesNotSpend(t *testing.T) {
	ctx := context.Background()
	paid := collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
		out, err := collaborator.LocalRegistry()[stagemachine.StageVideoGeneration].Run(ctx, in)
		out.Costs = []collaborator.CostEntry{{Provider: "video", Amount: model.AmountFromFloat(30)}}
		return out, err
	})
	h := newHarness(t, collaborator.Registry{stagemachine.StageVideoGeneration: paid}, 50)
	h.submit(t, "job-1", audioURL)
	_, err := h.store.AddJobCost(ctx, "job-1", "earlier-run", model.AmountFromFloat(25))
	require.NoError(t, err)

	_, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, h.job(t, "job-1").Status)
	require.Equal(t, 1, h.count(stagemachine.StageVideoGeneration))

	result, err := h.orch.Regenerate(ctx, "job-1", stagemachine.StageVideoGeneration)
	require.NoError(t, err)
	assert.Equal(t, joblock.Acquired, result)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "budget exceeded")
	assert.Equal(t, 1, h.count(stagemachine.StageVideoGeneration))
	assert.Equal(t, model.AmountFromFloat(55), job.TotalCost)
}

func TestStageEstimateIsReservedBeforeCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	m := h.orch.deps.Profile.Stages[string(stagemachine.StageVideoGeneration)]
	m.EstimatedCost = 60
	h.orch.deps.Profile.Stages[string(stagemachine.StageVideoGeneration)] = m
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, stagemachine.StageVideoGeneration, job.CurrentStage)
	assert.Contains(t, job.ErrorMessage, "budget exceeded")
	assert.Equal(t, 1, h.count(stagemachine.StagePromptGeneration))
	assert.Zero(t, h.count(stagemachine.StageVideoGeneration))
}

func TestCacheSkipsRepeatedInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)
	h.submit(t, "job-2", audioURL)
	h.submit(t, "job-3", otherAudio)

	for i := 0; i < 3; i++ {
		_, err := h.orch.ProcessNext(ctx)
		require.NoError(t, err)
	}

	// job-2 reuses job-1's analysis; job-3 has no embedded hash and no resolver
	assert.Equal(t, 2, h.count(stagemachine.StageAudioAnalysis))
	assert.Equal(t, 3, h.count(stagemachine.StageScenePlanning))

	rec, err := h.store.GetStage(ctx, "job-2", stagemachine.StageAudioAnalysis)
	require.NoError(t, err)
	assert.Equal(t, true, rec.Metadata["cache_hit"])
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		assert.Equal(t, model.JobStatusCompleted, h.job(t, id).Status)
	}
}

func TestCancelRequestStopsBetweenStages(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, collaborator.Registry{
		stagemachine.StageScenePlanning: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			// the user cancels while this stage runs; it still finishes
			if err := h.store.RequestCancel(ctx, in.JobID); err != nil {
				return collaborator.Output{}, err
			}
			return collaborator.LocalRegistry()[stagemachine.StageScenePlanning].Run(ctx, in)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, CancelledMessage, job.ErrorMessage)
	assert.Equal(t, stagemachine.StageReferenceImages, job.CurrentStage)
	assert.Zero(t, h.count(stagemachine.StageReferenceImages))

	rec, err := h.store.GetStage(ctx, "job-1", stagemachine.StageScenePlanning)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusCompleted, rec.Status)
}

func TestPanickingStageFailsJob(t *testing.T) {
	h := newHarness(t, collaborator.Registry{
		stagemachine.StagePromptGeneration: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			var m map[string]int
			m["boom"]++
			return collaborator.Output{}, nil
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "panicked")
}

func TestMissingInputFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	require.NoError(t, h.store.CreateJob(ctx, model.NewJob("job-1", env, map[string]any{"scene_count": 2})))
	require.NoError(t, h.queue.Enqueue(ctx, model.QueueMessage{JobID: "job-1"}))

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "input_ref")
	assert.Zero(t, h.count(stagemachine.StageAudioAnalysis))
}

func TestProcessSkipsUnknownAndTerminalJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)

	require.NoError(t, h.queue.Enqueue(ctx, model.QueueMessage{JobID: "ghost"}))
	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	h.submit(t, "job-1", audioURL)
	_, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	// a duplicate message for a finished job is dropped
	require.NoError(t, h.queue.Enqueue(ctx, model.QueueMessage{JobID: "job-1"}))
	_, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.count(stagemachine.StageAudioAnalysis))

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
}

func TestResumeProcessingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)

	// a worker died after finishing the first two stages
	job := h.job(t, "job-1")
	for _, stage := range []model.StageName{stagemachine.StageAudioAnalysis, stagemachine.StageScenePlanning} {
		tr, err := stagemachine.StartStage(job, stage, time.Now())
		require.NoError(t, err)
		require.NoError(t, h.store.ApplyTransition(ctx, tr))
		meta := map[string]any{"bpm": 100}
		if stage == stagemachine.StageScenePlanning {
			meta = map[string]any{"scenes": []any{"a", "b"}}
		}
		tr, err = stagemachine.Advance(tr.Job, stage, stagemachine.Succeeded(meta, time.Second), time.Now())
		require.NoError(t, err)
		require.NoError(t, h.store.ApplyTransition(ctx, tr))
		job = tr.Job
	}

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Zero(t, h.count(stagemachine.StageAudioAnalysis))
	assert.Zero(t, h.count(stagemachine.StageScenePlanning))
	assert.Equal(t, 1, h.count(stagemachine.StageReferenceImages))
	assert.Equal(t, model.JobStatusCompleted, h.job(t, "job-1").Status)
}

func TestRegenerateFromStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)
	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	result, err := h.orch.Regenerate(ctx, "job-1", stagemachine.StageVideoGeneration)
	require.NoError(t, err)
	assert.Equal(t, joblock.Acquired, result)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, 1, h.count(stagemachine.StageScenePlanning))
	assert.Equal(t, 2, h.count(stagemachine.StageVideoGeneration))
	assert.Equal(t, 2, h.count(stagemachine.StageComposition))
}

func TestRegenerateFailureReleasesAsFailed(t *testing.T) {
	ctx := context.Background()
	fail := false
	h := newHarness(t, collaborator.Registry{
		stagemachine.StageComposition: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			if fail {
				return collaborator.Output{}, model.NewStageError(in.Stage, model.StageErrorFatal, "encoder crashed", nil)
			}
			return collaborator.LocalRegistry()[stagemachine.StageComposition].Run(ctx, in)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)
	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	fail = true
	result, err := h.orch.Regenerate(ctx, "job-1", stagemachine.StageComposition)
	require.NoError(t, err)
	assert.Equal(t, joblock.Acquired, result)

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "encoder crashed")

	// a failed job can be regenerated again
	fail = false
	result, err = h.orch.Regenerate(ctx, "job-1", stagemachine.StageComposition)
	require.NoError(t, err)
	assert.Equal(t, joblock.Acquired, result)
	assert.Equal(t, model.JobStatusCompleted, h.job(t, "job-1").Status)
}

func TestConcurrentRegenerationRunsOnce(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	var blocking bool
	var mu sync.Mutex

	h := newHarness(t, collaborator.Registry{
		stagemachine.StageComposition: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			mu.Lock()
			wait := blocking
			mu.Unlock()
			if wait {
				<-gate
			}
			return collaborator.LocalRegistry()[stagemachine.StageComposition].Run(ctx, in)
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)
	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	mu.Lock()
	blocking = true
	mu.Unlock()

	result, err := h.orch.StartRegeneration(ctx, "job-1", stagemachine.StageComposition)
	require.NoError(t, err)
	require.Equal(t, joblock.Acquired, result)

	const callers = 8
	results := make([]joblock.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.orch.Regenerate(ctx, "job-1", stagemachine.StageComposition)
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.NotEqual(t, joblock.Acquired, r)
	}

	close(gate)
	h.orch.Wait()
	assert.Equal(t, 2, h.count(stagemachine.StageComposition))
	assert.Equal(t, model.JobStatusCompleted, h.job(t, "job-1").Status)
}

func TestRegenerateRejectsActiveJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 50)
	h.submit(t, "job-1", audioURL)

	job := h.job(t, "job-1")
	tr, err := stagemachine.StartStage(job, stagemachine.StageAudioAnalysis, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.ApplyTransition(ctx, tr))

	_, err = h.orch.Regenerate(ctx, "job-1", stagemachine.StageAudioAnalysis)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, model.JobStatusProcessing, h.job(t, "job-1").Status)

	_, err = h.orch.Regenerate(ctx, "job-1", "upscaling")
	assert.True(t, model.IsValidation(err))
}

func TestInterruptedJobIsRequeued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, collaborator.Registry{
		stagemachine.StageScenePlanning: collaborator.StageFunc(func(ctx context.Context, in collaborator.Input) (collaborator.Output, error) {
			cancel()
			return collaborator.Output{}, ctx.Err()
		}),
	}, 50)
	h.submit(t, "job-1", audioURL)

	_, err := h.orch.ProcessNext(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	job := h.job(t, "job-1")
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, stagemachine.StageScenePlanning, job.CurrentStage)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Backlog)
	assert.Zero(t, stats.InFlight)
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	h := newHarness(t, nil, 50)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.submit(t, id, otherAudio)
	}

	pool := NewWorkerPool(h.orch, 2, 5*time.Millisecond)
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		for _, id := range []string{"a", "b", "c", "d"} {
			job, err := h.store.GetJob(context.Background(), id)
			if err != nil || job.Status != model.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	pool.Stop()
	assert.Zero(t, pool.Busy())
}
