package model

// JobStatus represents the lifecycle state of a job record
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusRegenerating JobStatus = "regenerating"
)

// IsTerminal reports whether the status ends the normal pipeline flow
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether a worker is expected to be moving the job forward
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusRegenerating:
		return true
	}
	return false
}

// StageStatus represents the state of a single stage record
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// StageName identifies one phase of the pipeline
type StageName string
