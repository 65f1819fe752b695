// Package stagemachine owns the canonical stage sequence and every legal
// change to a job's status, current stage and progress. Functions here are
// pure: they compute a model.Transition that a store applies atomically.
package stagemachine

import (
	"time"

	"github.com/dandantas/reelforge/internal/model"
)

// Canonical stages, in pipeline order
const (
	StageAudioAnalysis    model.StageName = "audio_analysis"
	StageScenePlanning    model.StageName = "scene_planning"
	StageReferenceImages  model.StageName = "reference_images"
	StagePromptGeneration model.StageName = "prompt_generation"
	StageVideoGeneration  model.StageName = "video_generation"
	StageComposition      model.StageName = "composition"
)

// Range is the slice of overall job progress a stage owns
type Range struct {
	Start int
	End   int
}

// Definition is one entry of the canonical sequence
type Definition struct {
	Name     model.StageName
	Sequence int
	Range    Range
}

var definitions = []Definition{
	{Name: StageAudioAnalysis, Sequence: 0, Range: Range{Start: 0, End: 10}},
	{Name: StageScenePlanning, Sequence: 1, Range: Range{Start: 10, End: 20}},
	{Name: StageReferenceImages, Sequence: 2, Range: Range{Start: 20, End: 35}},
	{Name: StagePromptGeneration, Sequence: 3, Range: Range{Start: 35, End: 45}},
	{Name: StageVideoGeneration, Sequence: 4, Range: Range{Start: 45, End: 90}},
	{Name: StageComposition, Sequence: 5, Range: Range{Start: 90, End: 100}},
}

// allowed lists every legal job status change
var allowed = map[model.JobStatus][]model.JobStatus{
	model.JobStatusQueued:       {model.JobStatusProcessing},
	model.JobStatusProcessing:   {model.JobStatusCompleted, model.JobStatusFailed},
	model.JobStatusCompleted:    {model.JobStatusRegenerating},
	model.JobStatusFailed:       {model.JobStatusRegenerating},
	model.JobStatusRegenerating: {model.JobStatusCompleted, model.JobStatusFailed},
}

// Definitions returns a copy of the canonical sequence
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Sequence returns the stage names in pipeline order
func Sequence() []model.StageName {
	names := make([]model.StageName, len(definitions))
	for i, d := range definitions {
		names[i] = d.Name
	}
	return names
}

// Lookup returns the definition of a stage
func Lookup(name model.StageName) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// First returns the first stage of the pipeline
func First() model.StageName {
	return definitions[0].Name
}

// Next returns the stage after name. ok is false for the last stage or an unknown name.
func Next(name model.StageName) (model.StageName, bool) {
	d, found := Lookup(name)
	if !found || d.Sequence+1 >= len(definitions) {
		return "", false
	}
	return definitions[d.Sequence+1].Name, true
}

// IsLast reports whether name is the final stage
func IsLast(name model.StageName) bool {
	return name == definitions[len(definitions)-1].Name
}

// ValidateTransition accepts exactly the legal status changes. Identity
// changes are rejected like any other.
func ValidateTransition(from, to model.JobStatus) error {
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return model.NewValidationError("validate_transition", "illegal status transition %s -> %s", from, to)
}

// Outcome is the result of running one stage
type Outcome struct {
	Metadata map[string]any
	Err      error
	Duration time.Duration
}

// Succeeded builds a successful outcome
func Succeeded(metadata map[string]any, duration time.Duration) Outcome {
	return Outcome{Metadata: metadata, Duration: duration}
}

// Failed builds a failed outcome
func Failed(err error, duration time.Duration) Outcome {
	return Outcome{Err: err, Duration: duration}
}

// OK reports whether the stage succeeded
func (o Outcome) OK() bool {
	return o.Err == nil
}

// StartStage marks stage as running. A queued job moves to processing; a
// regenerating job may restart at any stage and its progress rewinds to the
// stage start.
func StartStage(job *model.Job, stage model.StageName, now time.Time) (model.Transition, error) {
	def, ok := Lookup(stage)
	if !ok {
		return model.Transition{}, model.NewValidationError("start_stage", "unknown stage %q", stage)
	}

	next := job.Clone()
	switch job.Status {
	case model.JobStatusQueued:
		if err := ValidateTransition(job.Status, model.JobStatusProcessing); err != nil {
			return model.Transition{}, err
		}
		if stage != expectedStage(job) {
			return model.Transition{}, outOfOrder(job, stage)
		}
		next.Status = model.JobStatusProcessing
		next.Progress = max(job.Progress, def.Range.Start)
	case model.JobStatusProcessing:
		if stage != expectedStage(job) {
			return model.Transition{}, outOfOrder(job, stage)
		}
		next.Progress = max(job.Progress, def.Range.Start)
	case model.JobStatusRegenerating:
		next.Progress = def.Range.Start
		next.ErrorMessage = ""
	default:
		return model.Transition{}, model.NewValidationError("start_stage",
			"job %s is %s and cannot start stage %s", job.ID, job.Status, stage)
	}

	next.CurrentStage = stage
	next.UpdatedAt = now

	return model.Transition{
		Job:            next,
		ExpectedStatus: job.Status,
		Stage: &model.StageRecord{
			ID:        model.StageRecordID(job.ID, stage),
			JobID:     job.ID,
			StageName: stage,
			Sequence:  def.Sequence,
			Status:    model.StageStatusProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}, nil
}

// Advance applies the outcome of the current stage. While the job is
// regenerating the status is left alone; the lock release terminalizes it.
func Advance(job *model.Job, stage model.StageName, outcome Outcome, now time.Time) (model.Transition, error) {
	def, ok := Lookup(stage)
	if !ok {
		return model.Transition{}, model.NewValidationError("advance", "unknown stage %q", stage)
	}
	if job.Status != model.JobStatusProcessing && job.Status != model.JobStatusRegenerating {
		return model.Transition{}, model.NewValidationError("advance",
			"job %s is %s, expected processing or regenerating", job.ID, job.Status)
	}
	if job.CurrentStage != stage {
		return model.Transition{}, model.NewValidationError("advance",
			"job %s is at stage %q, not %q", job.ID, job.CurrentStage, stage)
	}

	next := job.Clone()
	next.UpdatedAt = now
	record := &model.StageRecord{
		ID:              model.StageRecordID(job.ID, stage),
		JobID:           job.ID,
		StageName:       stage,
		Sequence:        def.Sequence,
		Metadata:        outcome.Metadata,
		DurationSeconds: outcome.Duration.Seconds(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch {
	case !outcome.OK():
		message := model.UserMessage(outcome.Err)
		record.Status = model.StageStatusFailed
		record.ErrorMessage = message
		next.ErrorMessage = message
		if job.Status == model.JobStatusProcessing {
			if err := ValidateTransition(job.Status, model.JobStatusFailed); err != nil {
				return model.Transition{}, err
			}
			next.Status = model.JobStatusFailed
		}
	case IsLast(stage):
		record.Status = model.StageStatusCompleted
		next.Progress = 100
		zero := 0
		next.EstimatedRemaining = &zero
		if job.Status == model.JobStatusProcessing {
			if err := ValidateTransition(job.Status, model.JobStatusCompleted); err != nil {
				return model.Transition{}, err
			}
			next.Status = model.JobStatusCompleted
		}
	default:
		record.Status = model.StageStatusCompleted
		following, _ := Next(stage)
		fdef, _ := Lookup(following)
		next.CurrentStage = following
		next.Progress = max(job.Progress, fdef.Range.Start)
	}

	return model.Transition{Job: next, ExpectedStatus: job.Status, Stage: record}, nil
}

// StageProgress maps an in-stage percentage onto overall job progress. The
// result never moves progress backwards.
func StageProgress(job *model.Job, stage model.StageName, percent int, now time.Time) (model.Transition, error) {
	def, ok := Lookup(stage)
	if !ok {
		return model.Transition{}, model.NewValidationError("stage_progress", "unknown stage %q", stage)
	}
	if job.Status != model.JobStatusProcessing && job.Status != model.JobStatusRegenerating {
		return model.Transition{}, model.NewValidationError("stage_progress",
			"job %s is %s, expected processing or regenerating", job.ID, job.Status)
	}
	if job.CurrentStage != stage {
		return model.Transition{}, model.NewValidationError("stage_progress",
			"job %s is at stage %q, not %q", job.ID, job.CurrentStage, stage)
	}

	next := job.Clone()
	next.Progress = max(job.Progress, Overall(def, percent))
	next.UpdatedAt = now
	return model.Transition{Job: next, ExpectedStatus: job.Status}, nil
}

// Overall converts a percentage within def into overall job progress
func Overall(def Definition, percent int) int {
	percent = min(max(percent, 0), 100)
	span := def.Range.End - def.Range.Start
	return def.Range.Start + span*percent/100
}

// InStage converts overall progress into a percentage within def
func InStage(def Definition, progress int) int {
	span := def.Range.End - def.Range.Start
	if span <= 0 {
		return 100
	}
	pct := (progress - def.Range.Start) * 100 / span
	return min(max(pct, 0), 100)
}

// Abandon fails a queued or processing job that recovery found stuck. It is
// the repair path for a job no worker owns any more, so it also covers
// queued -> failed.
func Abandon(job *model.Job, reason string, now time.Time) (model.Transition, error) {
	if !job.Status.IsActive() {
		return model.Transition{}, model.NewValidationError("abandon",
			"job %s is %s, only queued or processing jobs can be abandoned", job.ID, job.Status)
	}

	next := job.Clone()
	next.Status = model.JobStatusFailed
	next.ErrorMessage = reason
	next.EstimatedRemaining = nil
	next.UpdatedAt = now

	t := model.Transition{Job: next, ExpectedStatus: job.Status}
	if job.CurrentStage != "" {
		def, _ := Lookup(job.CurrentStage)
		t.Stage = &model.StageRecord{
			ID:           model.StageRecordID(job.ID, job.CurrentStage),
			JobID:        job.ID,
			StageName:    job.CurrentStage,
			Sequence:     def.Sequence,
			Status:       model.StageStatusFailed,
			ErrorMessage: reason,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return t, nil
}

func expectedStage(job *model.Job) model.StageName {
	if job.CurrentStage == "" {
		return First()
	}
	return job.CurrentStage
}

func outOfOrder(job *model.Job, stage model.StageName) error {
	return model.NewValidationError("start_stage",
		"job %s must run stage %q before %q", job.ID, expectedStage(job), stage)
}
