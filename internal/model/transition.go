package model

import "time"

// Transition is one atomic state change of a job: the job row is written only
// if its status still equals ExpectedStatus, and Stage (when set) is upserted
// in the same logical operation.
type Transition struct {
	Job            *Job
	ExpectedStatus JobStatus
	Stage          *StageRecord
}

// StatusExtras are fields written together with a lock-guarded status change
type StatusExtras struct {
	OutputURL    *string
	ErrorMessage *string
	Progress     *int

	// UnchangedSince additionally guards the swap on updated_at still
	// holding this value
	UnchangedSince *time.Time
}
