package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// progressReporter turns in-stage progress from a collaborator into job
// progress writes. Collaborators may report from several goroutines.
type progressReporter struct {
	o         *Orchestrator
	stage     model.StageName
	mu        sync.Mutex
	job       *model.Job
	lastWrite time.Time
}

func newProgressReporter(o *Orchestrator, job *model.Job, stage model.StageName) *progressReporter {
	return &progressReporter{o: o, job: job, stage: stage, lastWrite: o.now()}
}

func (r *progressReporter) current() *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// report records percent of the stage as done. Writes are throttled except
// for the final 100.
func (r *progressReporter) report(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.o.now()
	if percent < 100 && now.Sub(r.lastWrite) < r.o.config.ProgressInterval {
		return
	}
	t, err := stagemachine.StageProgress(r.job, r.stage, percent, now)
	if err != nil {
		slog.Warn("Rejected stage progress", "job_id", r.job.ID, "stage", r.stage, "error", err)
		return
	}
	if t.Job.Progress == r.job.Progress {
		return
	}
	r.write(t, now, true)
}

// touch rewrites the job unchanged so staleness detection sees it alive
func (r *progressReporter) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.o.now()
	t, err := stagemachine.StageProgress(r.job, r.stage, stagemachine.InStage(r.definition(), r.job.Progress), now)
	if err != nil {
		return
	}
	r.write(t, now, false)
}

func (r *progressReporter) definition() stagemachine.Definition {
	def, _ := stagemachine.Lookup(r.stage)
	return def
}

func (r *progressReporter) write(t model.Transition, now time.Time, announce bool) {
	r.o.setEstimate(t.Job, r.stage)

	// progress is advisory; a lost write is corrected by the next one
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.o.deps.Jobs.ApplyTransition(ctx, t); err != nil {
		slog.Warn("Failed to write stage progress", "job_id", r.job.ID, "stage", r.stage, "error", err)
		return
	}
	r.job = t.Job
	r.lastWrite = now

	if announce {
		r.o.emit(r.job, events.TypeProgress, map[string]any{"stage": r.stage})
	}
}

// heartbeat touches the job every interval until the returned stop func is called
func (r *progressReporter) heartbeat(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.touch()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
