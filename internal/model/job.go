package model

import (
	"time"
)

// Job is the single source of truth for a generation request
type Job struct {
	ID               string         `json:"id" bson:"_id"`
	Environment      string         `json:"environment" bson:"environment"`
	Status           JobStatus      `json:"status" bson:"status"`
	CurrentStage     StageName      `json:"current_stage,omitempty" bson:"current_stage,omitempty"`
	Progress         int            `json:"progress" bson:"progress"`
	TotalCost        Amount         `json:"total_cost" bson:"total_cost"`
	ErrorMessage     string         `json:"error_message,omitempty" bson:"error_message,omitempty"`
	SubmissionParams map[string]any `json:"submission_params,omitempty" bson:"submission_params,omitempty"`

	// EstimatedRemaining is nil while the estimate is unknown
	EstimatedRemaining *int `json:"estimated_remaining_seconds,omitempty" bson:"estimated_remaining_seconds,omitempty"`

	OutputURL       string    `json:"output_url,omitempty" bson:"output_url,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty" bson:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// NewJob creates a queued job record for the given environment
func NewJob(id, environment string, params map[string]any) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:               id,
		Environment:      environment,
		Status:           JobStatusQueued,
		SubmissionParams: params,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a copy that shares no mutable state with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.SubmissionParams = CloneDocument(j.SubmissionParams)
	if j.EstimatedRemaining != nil {
		v := *j.EstimatedRemaining
		cp.EstimatedRemaining = &v
	}
	return &cp
}

// JobSummary is the compact view returned by diagnostics listings
type JobSummary struct {
	ID           string `json:"id"`
	Environment  string `json:"environment"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`
	Progress     int    `json:"progress"`
	TotalCost    string `json:"total_cost"`
	UpdatedAt    string `json:"updated_at"`
}

// ToSummary converts a Job to a JobSummary
func (j *Job) ToSummary() JobSummary {
	var updatedAt string
	if !j.UpdatedAt.IsZero() {
		updatedAt = j.UpdatedAt.Format(time.RFC3339)
	}
	return JobSummary{
		ID:           j.ID,
		Environment:  j.Environment,
		Status:       string(j.Status),
		CurrentStage: string(j.CurrentStage),
		Progress:     j.Progress,
		TotalCost:    j.TotalCost.String(),
		UpdatedAt:    updatedAt,
	}
}

// StageRecord is the ledger entry for one (job, stage) pair
type StageRecord struct {
	ID              string         `json:"-" bson:"_id"`
	JobID           string         `json:"job_id" bson:"job_id"`
	StageName       StageName      `json:"stage_name" bson:"stage_name"`
	Sequence        int            `json:"sequence" bson:"sequence"`
	Status          StageStatus    `json:"status" bson:"status"`
	Metadata        map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	DurationSeconds float64        `json:"duration_seconds" bson:"duration_seconds"`
	ErrorMessage    string         `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
}

// Clone returns a copy whose metadata shares nothing with r
func (r *StageRecord) Clone() *StageRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Metadata = CloneDocument(r.Metadata)
	return &cp
}

// CloneDocument deep-copies the maps and slices of a decoded JSON or BSON
// document. Scalars are shared.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneDocument(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// StageRecordID builds the storage key of a stage record
func StageRecordID(jobID string, stage StageName) string {
	return jobID + ":" + string(stage)
}

// CostEvent is one priced external call
type CostEvent struct {
	ID        string    `json:"id" bson:"_id"`
	JobID     string    `json:"job_id" bson:"job_id"`
	StageName StageName `json:"stage_name" bson:"stage_name"`
	Provider  string    `json:"provider_name" bson:"provider_name"`
	Amount    Amount    `json:"amount" bson:"amount"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// QueueMessage is the serialized job-start message held by the work queue
type QueueMessage struct {
	JobID            string         `json:"job_id"`
	SubmissionParams map[string]any `json:"submission_params"`
	Environment      string         `json:"environment,omitempty"`
	EnqueuedAt       time.Time      `json:"enqueued_at,omitempty"`
}

// CacheEntry holds a serialized stage output keyed by input content hash
type CacheEntry struct {
	Hash      string    `json:"hash" bson:"_id"`
	StageName StageName `json:"stage_name,omitempty" bson:"stage_name,omitempty"`
	Value     []byte    `json:"value" bson:"value"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Expired reports whether the entry is past its expiration at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
