// Package collaborator defines the boundary between the orchestrator and
// the services that do the actual content work for each stage.
package collaborator

import (
	"context"
	"fmt"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// OutputURLKey is the metadata key the final stage reports the rendered video under
const OutputURLKey = "output_url"

// BudgetGate lets a stage check the job budget before each paid call and
// record the cost after it
type BudgetGate interface {
	Reserve(ctx context.Context, estimate model.Amount) error
	Track(ctx context.Context, provider string, amount model.Amount) error
	Limit() model.Amount
}

// Input is what a stage receives
type Input struct {
	JobID  string
	Stage  model.StageName
	Params map[string]any
	Inputs map[string]any
	Budget BudgetGate
	// Progress reports completion within the stage, 0 to 100
	Progress func(percent int)
	// Concurrency bounds parallel sub-tasks
	Concurrency int
}

// ReportProgress calls the progress callback when one is set
func (in Input) ReportProgress(percent int) {
	if in.Progress != nil {
		in.Progress(percent)
	}
}

// CostEntry is a priced call the stage did not record through its BudgetGate
type CostEntry struct {
	Provider string       `json:"provider"`
	Amount   model.Amount `json:"amount"`
}

// Output is what a stage produces
type Output struct {
	Metadata map[string]any `json:"metadata"`
	Costs    []CostEntry    `json:"costs,omitempty"`
}

// Stage runs one pipeline stage. Failures should be *model.StageError so the
// orchestrator can tell retryable from fatal ones; any other error is fatal.
type Stage interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// StageFunc adapts a function to Stage
type StageFunc func(ctx context.Context, in Input) (Output, error)

// Run calls f
func (f StageFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Registry maps stage names to their implementations
type Registry map[model.StageName]Stage

// Validate checks that every pipeline stage has an implementation
func (r Registry) Validate() error {
	for _, name := range stagemachine.Sequence() {
		if r[name] == nil {
			return fmt.Errorf("no collaborator registered for stage %s", name)
		}
	}
	return nil
}
