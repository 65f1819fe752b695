package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor is the unit of work a pool worker repeats
type Processor interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// WorkerPool runs a fixed number of consumer loops against the queue. Each
// worker processes one job end to end, then asks for the next; an empty
// backlog makes it sleep for the poll interval.
type WorkerPool struct {
	workers      int
	pollInterval time.Duration
	processor    Processor
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	busy         sync.Map
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(processor Processor, workers int, pollInterval time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WorkerPool{
		workers:      workers,
		pollInterval: pollInterval,
		processor:    processor,
	}
}

// Start starts the worker loops. They stop when ctx is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	slog.Info("Starting worker pool", "workers", wp.workers, "poll_interval", wp.pollInterval.String())

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(uuid.NewString()[:8])
	}
}

// Stop cancels the workers and waits for in-progress jobs to return
func (wp *WorkerPool) Stop() {
	slog.Info("Stopping worker pool")
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Busy returns how many workers are processing a job right now
func (wp *WorkerPool) Busy() int {
	n := 0
	wp.busy.Range(func(_, v any) bool {
		if v.(bool) {
			n++
		}
		return true
	})
	return n
}

func (wp *WorkerPool) worker(id string) {
	defer wp.wg.Done()
	log := slog.With("worker_id", id)
	log.Debug("Worker started")

	for {
		if wp.ctx.Err() != nil {
			log.Debug("Worker stopped")
			return
		}

		wp.busy.Store(id, true)
		processed, err := wp.processor.ProcessNext(wp.ctx)
		wp.busy.Store(id, false)

		if err != nil {
			log.Error("Worker iteration failed", "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-time.After(wp.pollInterval):
		case <-wp.ctx.Done():
		}
	}
}
