// Package events publishes job progress events without ever blocking the
// pipeline. Publish drops events when the outbound buffer is full; a single
// goroutine drains the buffer into a Sink.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types
const (
	TypeStageStarted = "stage_started"
	TypeProgress     = "progress"
	TypeCostUpdated  = "cost_updated"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
)

// Event is one job update sent to subscribers
type Event struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Emitter is what pipeline components publish through
type Emitter interface {
	Publish(event Event)
}

// Sink delivers events to the outside world
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Publisher buffers events and delivers them from one goroutine
type Publisher struct {
	sink    Sink
	events  chan Event
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
	stopped atomic.Bool
}

// NewPublisher creates a publisher with a buffer of size events
func NewPublisher(sink Sink, size int) *Publisher {
	if size <= 0 {
		size = 256
	}
	return &Publisher{
		sink:   sink,
		events: make(chan Event, size),
	}
}

// Start launches the delivery goroutine
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	for event := range p.events {
		p.deliver(ctx, event)
	}
}

func (p *Publisher) deliver(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event sink panicked", "job_id", event.JobID, "event_type", event.Type, "panic", r)
		}
	}()

	if err := p.sink.Send(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("Failed to publish event",
			"job_id", event.JobID,
			"event_type", event.Type,
			"error", err,
		)
	}
}

// Publish enqueues event without blocking. It is a no-op after Stop.
func (p *Publisher) Publish(event Event) {
	if p.stopped.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	defer func() {
		// Stop may close the channel between the check above and the send
		_ = recover()
	}()

	select {
	case p.events <- event:
	default:
		n := p.dropped.Add(1)
		slog.Warn("Event buffer full, dropping event",
			"job_id", event.JobID,
			"event_type", event.Type,
			"dropped_total", n,
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Stop closes the buffer and waits for pending events to drain
func (p *Publisher) Stop(ctx context.Context) {
	p.once.Do(func() {
		p.stopped.Store(true)
		close(p.events)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Event publisher stopped")
	case <-ctx.Done():
		slog.Warn("Event publisher stop timed out", "pending", len(p.events))
	}
}

// LogSink writes events to the structured log
type LogSink struct{}

// Send logs the event at info level
func (LogSink) Send(ctx context.Context, event Event) error {
	slog.Info("Job event",
		"job_id", event.JobID,
		"event_type", event.Type,
		"payload", event.Payload,
	)
	return nil
}

// Discard drops every event
type Discard struct{}

// Publish drops the event
func (Discard) Publish(Event) {}
