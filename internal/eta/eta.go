// Package eta estimates how long a job has left. Estimate is a pure function
// of its arguments.
package eta

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// Model kinds
const (
	// KindLinear is base + rate * size_param
	KindLinear = "linear"
	// KindParallel is unit * count / concurrency
	KindParallel = "parallel"
)

// StageModel predicts the duration of one stage in seconds
type StageModel struct {
	Kind string `toml:"kind" json:"kind"`

	BaseSeconds float64 `toml:"base_seconds" json:"base_seconds,omitempty"`
	RateSeconds float64 `toml:"rate_seconds" json:"rate_seconds,omitempty"`
	SizeParam   string  `toml:"size_param" json:"size_param,omitempty"`

	UnitSeconds float64 `toml:"unit_seconds" json:"unit_seconds,omitempty"`
	UnitParam   string  `toml:"unit_param" json:"unit_param,omitempty"`
	Concurrency int     `toml:"concurrency" json:"concurrency,omitempty"`

	// EstimatedCost is what the stage is expected to spend, checked against
	// the budget before the stage calls out
	EstimatedCost float64 `toml:"estimated_cost" json:"estimated_cost,omitempty"`
}

// Profile is one environment's duration table
type Profile struct {
	Environment string                `toml:"environment" json:"environment"`
	Stages      map[string]StageModel `toml:"stages" json:"stages"`
	// Defaults fill in size parameters a submission did not provide
	Defaults map[string]float64 `toml:"defaults" json:"defaults,omitempty"`
}

// Validate checks that every canonical stage has a usable model
func (p *Profile) Validate() error {
	for _, name := range stagemachine.Sequence() {
		m, ok := p.Stages[string(name)]
		if !ok {
			return fmt.Errorf("profile %s: no duration model for stage %s", p.Environment, name)
		}
		if m.EstimatedCost < 0 {
			return fmt.Errorf("profile %s: stage %s has a negative estimated_cost", p.Environment, name)
		}
		switch m.Kind {
		case KindLinear:
			if m.BaseSeconds < 0 || m.RateSeconds < 0 {
				return fmt.Errorf("profile %s: stage %s has negative durations", p.Environment, name)
			}
			if m.RateSeconds > 0 && m.SizeParam == "" {
				return fmt.Errorf("profile %s: stage %s has a rate but no size_param", p.Environment, name)
			}
		case KindParallel:
			if m.UnitSeconds < 0 || m.UnitParam == "" {
				return fmt.Errorf("profile %s: stage %s needs unit_seconds and unit_param", p.Environment, name)
			}
			if m.Concurrency < 0 {
				return fmt.Errorf("profile %s: stage %s has negative concurrency", p.Environment, name)
			}
		default:
			return fmt.Errorf("profile %s: stage %s has unknown model kind %q", p.Environment, name, m.Kind)
		}
	}
	return nil
}

// Concurrency returns the sub-task parallelism configured for stage, at least 1
func (p *Profile) Concurrency(stage model.StageName) int {
	if p == nil {
		return 1
	}
	if m, ok := p.Stages[string(stage)]; ok && m.Concurrency > 0 {
		return m.Concurrency
	}
	return 1
}

// EstimatedCost returns the budget stage reserves before running. Unknown
// stages estimate zero.
func (p *Profile) EstimatedCost(stage model.StageName) model.Amount {
	if p == nil {
		return 0
	}
	return model.AmountFromFloat(p.Stages[string(stage)].EstimatedCost)
}

// StageDuration returns the modeled duration of stage in seconds. ok is
// false when a required size parameter is missing and has no default.
func (p *Profile) StageDuration(stage model.StageName, params map[string]any) (float64, bool) {
	m, found := p.Stages[string(stage)]
	if !found {
		return 0, false
	}

	switch m.Kind {
	case KindLinear:
		if m.SizeParam == "" || m.RateSeconds == 0 {
			return m.BaseSeconds, true
		}
		size, ok := p.param(m.SizeParam, params)
		if !ok {
			return 0, false
		}
		return m.BaseSeconds + m.RateSeconds*size, true
	case KindParallel:
		count, ok := p.param(m.UnitParam, params)
		if !ok {
			return 0, false
		}
		concurrency := max(m.Concurrency, 1)
		return m.UnitSeconds * count / float64(concurrency), true
	}
	return 0, false
}

func (p *Profile) param(name string, params map[string]any) (float64, bool) {
	if v, ok := numeric(params[name]); ok && v >= 0 {
		return v, true
	}
	v, ok := p.Defaults[name]
	return v, ok
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Estimate returns the remaining seconds for a job at overall progress
// within stage. ok is false when the estimate is unknown: the stage has no
// progress range, or a duration needs a size parameter that is missing.
func Estimate(p *Profile, stage model.StageName, progress int, params map[string]any) (int, bool) {
	if p == nil {
		return 0, false
	}
	def, found := stagemachine.Lookup(stage)
	if !found {
		return 0, false
	}

	current, ok := p.StageDuration(stage, params)
	if !ok {
		return 0, false
	}
	total := current * remainingFraction(def.Range, progress)

	for _, later := range stagemachine.Definitions()[def.Sequence+1:] {
		d, ok := p.StageDuration(later.Name, params)
		if !ok {
			return 0, false
		}
		total += d
	}

	return int(math.Round(total)), true
}

func remainingFraction(r stagemachine.Range, progress int) float64 {
	span := float64(r.End - r.Start)
	if span <= 0 {
		return 0
	}
	f := float64(r.End-progress) / span
	return math.Min(math.Max(f, 0), 1)
}
