package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/reelforge/internal/model"
)

// faultyWriter keeps one job document and one stage record and fails a
// configurable number of calls per operation
type faultyWriter struct {
	job   jobState
	stage *model.StageRecord

	stageFailures int
	jobFailures   int
	// lostReplies makes updateJob apply the write and then report an error
	lostReplies int

	jobWrites int
}

var errTransient = model.Retryable("write", errors.New("socket closed"))

func (w *faultyWriter) upsertStage(ctx context.Context, rec *model.StageRecord) error {
	if w.stageFailures > 0 {
		w.stageFailures--
		return errTransient
	}
	cp := *rec
	w.stage = &cp
	return nil
}

func (w *faultyWriter) updateJob(ctx context.Context, t model.Transition) error {
	if w.jobFailures > 0 {
		w.jobFailures--
		return errTransient
	}
	matches := w.job.Status == t.ExpectedStatus ||
		(w.job.Status == t.Job.Status && w.job.CurrentStage == t.Job.CurrentStage)
	if !matches {
		return model.ErrConflict
	}
	w.job = jobState{Status: t.Job.Status, CurrentStage: t.Job.CurrentStage, Progress: t.Job.Progress}
	w.jobWrites++
	if w.lostReplies > 0 {
		w.lostReplies--
		return errTransient
	}
	return nil
}

func (w *faultyWriter) readState(ctx context.Context, id string) (*jobState, error) {
	state := w.job
	return &state, nil
}

func startTransition() model.Transition {
	job := model.NewJob("job-1", "development", nil)
	job.Status = model.JobStatusProcessing
	job.CurrentStage = "audio_analysis"
	job.Progress = 1
	return model.Transition{
		Job:            job,
		ExpectedStatus: model.JobStatusQueued,
		Stage: &model.StageRecord{
			JobID:     "job-1",
			StageName: "audio_analysis",
			Status:    model.StageStatusProcessing,
			UpdatedAt: time.Now().UTC(),
		},
	}
}

func TestApplyUntilConsistent(t *testing.T) {
	tests := []struct {
		name   string
		writer *faultyWriter
	}{
		{"no faults", &faultyWriter{}},
		{"stage write fails", &faultyWriter{stageFailures: 2}},
		{"job write fails", &faultyWriter{jobFailures: 2}},
		{"job write reply lost", &faultyWriter{lostReplies: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.writer.job = jobState{Status: model.JobStatusQueued}
			tr := startTransition()

			require.NoError(t, applyUntilConsistent(context.Background(), tt.writer, tr, 3, time.Millisecond))
			assert.Equal(t, model.JobStatusProcessing, tt.writer.job.Status)
			assert.Equal(t, model.StageName("audio_analysis"), tt.writer.job.CurrentStage)
			require.NotNil(t, tt.writer.stage)
			assert.Equal(t, model.StageStatusProcessing, tt.writer.stage.Status)
		})
	}
}

func TestApplyUntilConsistentNeverLeavesJobAheadOfStage(t *testing.T) {
	ctx := context.Background()
	w := &faultyWriter{job: jobState{Status: model.JobStatusQueued}, stageFailures: 3}
	tr := startTransition()

	err := applyUntilConsistent(ctx, w, tr, 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
	assert.Equal(t, model.JobStatusQueued, w.job.Status)
	assert.Nil(t, w.stage)
	assert.Zero(t, w.jobWrites)

	// the caller's next attempt completes both writes
	require.NoError(t, applyUntilConsistent(ctx, w, tr, 3, time.Millisecond))
	assert.Equal(t, model.JobStatusProcessing, w.job.Status)
	require.NotNil(t, w.stage)
}

func TestApplyUntilConsistentRepeatsAfterPartialWrite(t *testing.T) {
	ctx := context.Background()
	w := &faultyWriter{job: jobState{Status: model.JobStatusQueued}, lostReplies: 3}
	tr := startTransition()

	// every round lands the job but loses the reply
	err := applyUntilConsistent(ctx, w, tr, 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))

	// retrying the whole transition is not a conflict
	require.NoError(t, applyUntilConsistent(ctx, w, tr, 3, time.Millisecond))
	assert.Equal(t, model.JobStatusProcessing, w.job.Status)
	require.NotNil(t, w.stage)
}

func TestApplyUntilConsistentReturnsConflict(t *testing.T) {
	w := &faultyWriter{job: jobState{Status: model.JobStatusFailed, CurrentStage: "audio_analysis"}}

	err := applyUntilConsistent(context.Background(), w, startTransition(), 3, time.Millisecond)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Zero(t, w.jobWrites)
}
