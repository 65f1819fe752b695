package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Sweeper runs Recover on a cron schedule
type Sweeper struct {
	inspector *Inspector
	spec      string
	schedule  cron.Schedule
	podID     string
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	last *Report
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper creates a sweeper for a standard five-field cron expression
// or a descriptor such as "@every 5m"
func NewSweeper(inspector *Inspector, spec string) (*Sweeper, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", spec, err)
	}

	podID, err := os.Hostname()
	if err != nil {
		podID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as pod ID", "pod_id", podID)
	}

	return &Sweeper{
		inspector: inspector,
		spec:      spec,
		schedule:  schedule,
		podID:     podID,
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("Starting recovery sweeper",
		"pod_id", s.podID,
		"schedule", s.spec,
		"stale_threshold", s.inspector.Threshold().String(),
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop and waits for a running sweep, bounded by ctx
func (s *Sweeper) Stop(ctx context.Context) {
	slog.Info("Stopping recovery sweeper", "pod_id", s.podID)
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Recovery sweeper stopped", "pod_id", s.podID)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for recovery sweep to complete")
	}
}

// Last returns the report of the most recent sweep, or nil before the first one
func (s *Sweeper) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-timer.C:
			s.Sweep(ctx)
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Recovery sweeper context done", "pod_id", s.podID)
			return
		}
	}
}

// Sweep runs one recovery pass and records its report
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	report, err := s.inspector.Recover(ctx)
	if err != nil {
		slog.Error("Recovery sweep failed", "pod_id", s.podID, "error", err)
		return
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	applied, failed := 0, 0
	for _, f := range report.Findings {
		switch {
		case f.Applied:
			applied++
		case f.Error != "":
			failed++
		}
	}

	log := slog.Debug
	if len(report.Findings) > 0 {
		log = slog.Info
	}
	log("Recovery sweep finished",
		"pod_id", s.podID,
		"environment", report.Environment,
		"findings", len(report.Findings),
		"repaired", applied,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
