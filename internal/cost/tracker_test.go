package cost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/memstore"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/store"
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

func newTracker(t *testing.T) (*Tracker, *memstore.Store, *captureEmitter) {
	t.Helper()
	s := memstore.New()
	require.NoError(t, s.CreateJob(context.Background(), model.NewJob("job-1", "development", nil)))
	emitter := &captureEmitter{}
	return NewTracker(s, s, NewKeyedMutex(), emitter, nil), s, emitter
}

func TestTrackCostConservesTotal(t *testing.T) {
	ctx := context.Background()
	tracker, s, emitter := newTracker(t)

	amounts := []float64{0.04, 1.5, 0.333333, 2, 0.1, 0.2}
	for i, a := range amounts {
		stage := model.StageName("scene_planning")
		if i%2 == 0 {
			stage = "video_generation"
		}
		_, err := tracker.TrackCost(ctx, "job-1", stage, "provider", model.AmountFromFloat(a))
		require.NoError(t, err)
	}

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	evs, err := s.ListCostEvents(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, evs, len(amounts))

	var sum model.Amount
	for _, ev := range evs {
		sum += ev.Amount
	}
	assert.Equal(t, sum, job.TotalCost)
	assert.Len(t, emitter.events, len(amounts))
	assert.Equal(t, events.TypeCostUpdated, emitter.events[0].Type)
}

// flakyCosts fails the first AddJobCost call, before or after the increment
// reaches the store
type flakyCosts struct {
	store.JobStore
	mu         sync.Mutex
	failures   int
	afterApply bool
}

func (f *flakyCosts) AddJobCost(ctx context.Context, id, eventID string, amount model.Amount) (model.Amount, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail && !f.afterApply {
		return 0, model.Retryable("add job cost", errors.New("connection reset"))
	}
	total, err := f.JobStore.AddJobCost(ctx, id, eventID, amount)
	if fail {
		return 0, model.Retryable("add job cost", errors.New("reply lost"))
	}
	return total, err
}

func TestTrackCostSurvivesFlakyIncrement(t *testing.T) {
	tests := []struct {
		name       string
		afterApply bool
	}{
		{"lost request", false},
		{"lost reply", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := memstore.New()
			require.NoError(t, s.CreateJob(ctx, model.NewJob("job-1", "development", nil)))
			jobs := &flakyCosts{JobStore: s, failures: 1, afterApply: tt.afterApply}
			strategy := retry.NewStrategy(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
			tracker := NewTracker(jobs, s, NewKeyedMutex(), nil, strategy)

			total, err := tracker.TrackCost(ctx, "job-1", "video_generation", "provider", model.AmountFromFloat(2))
			require.NoError(t, err)
			assert.Equal(t, model.AmountFromFloat(2), total)

			evs, err := s.ListCostEvents(ctx, "job-1")
			require.NoError(t, err)
			require.Len(t, evs, 1)
			job, err := s.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, evs[0].Amount, job.TotalCost)
		})
	}
}

func TestTrackCostConcurrent(t *testing.T) {
	ctx := context.Background()
	tracker, s, _ := newTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.TrackCost(ctx, "job-1", "reference_images", "images", model.AmountFromFloat(0.01))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmountFromFloat(0.5), job.TotalCost)
}

func TestTrackCostRejectsNegative(t *testing.T) {
	tracker, s, _ := newTracker(t)

	_, err := tracker.TrackCost(context.Background(), "job-1", "composition", "encoder", -1)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	evs, err := s.ListCostEvents(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCheckBudget(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTracker(t)
	_, err := tracker.TrackCost(ctx, "job-1", "scene_planning", "llm", model.AmountFromFloat(40))
	require.NoError(t, err)

	limit := model.AmountFromFloat(50)
	tests := []struct {
		name        string
		prospective float64
		want        bool
	}{
		{"well under", 1, true},
		{"exactly at limit", 10, true},
		{"one micro over", 10.000001, false},
		{"far over", 25, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tracker.CheckBudget(ctx, "job-1", model.AmountFromFloat(tt.prospective), limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEnforceBudgetLimit(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTracker(t)
	limit := model.AmountFromFloat(5)

	require.NoError(t, tracker.EnforceBudgetLimit(ctx, "job-1", limit))

	_, err := tracker.TrackCost(ctx, "job-1", "video_generation", "video", model.AmountFromFloat(5.5))
	require.NoError(t, err)

	err = tracker.EnforceBudgetLimit(ctx, "job-1", limit)
	require.Error(t, err)
	assert.True(t, model.IsBudgetExceeded(err))
	assert.Contains(t, err.Error(), "exceeds limit $5")
}

// stubCollaborator respects the gate: it never tracks a call the gate refused
type stubCollaborator struct {
	price model.Amount
	calls int
}

func (c *stubCollaborator) run(ctx context.Context, gate *Gate, n int) error {
	for i := 0; i < n; i++ {
		if err := gate.Reserve(ctx, c.price); err != nil {
			return err
		}
		c.calls++
		if err := gate.Track(ctx, "stub", c.price); err != nil {
			return err
		}
	}
	return nil
}

func TestGateStopsCollaboratorAtLimit(t *testing.T) {
	ctx := context.Background()
	tracker, s, _ := newTracker(t)
	gate := tracker.Gate("job-1", "video_generation", model.AmountFromFloat(1))

	stub := &stubCollaborator{price: model.AmountFromFloat(0.3)}
	err := stub.run(ctx, gate, 10)
	require.Error(t, err)
	assert.True(t, model.IsBudgetExceeded(err))
	assert.Equal(t, 3, stub.calls)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, job.TotalCost, gate.Limit())
}

func TestKeyedMutexEvict(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	assert.Equal(t, 1, k.Len())
	assert.False(t, k.Evict("a"))

	unlock()
	assert.True(t, k.Evict("a"))
	assert.Equal(t, 0, k.Len())
	assert.True(t, k.Evict("missing"))
}

func TestKeyedMutexSeparatesKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
