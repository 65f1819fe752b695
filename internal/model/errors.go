package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded write finds the row in an unexpected state
	ErrConflict = errors.New("job state changed concurrently")
)

// Error kinds reported through ErrorKind
const (
	KindValidation = "validation"
	KindRetryable  = "retryable"
	KindBudget     = "budget_exceeded"
	KindFatal      = "fatal"
)

// ErrorClassifier lets errors declare how the pipeline should treat them
type ErrorClassifier interface {
	ErrorKind() string
}

// ValidationError is malformed input to a core operation. It is never retried.
type ValidationError struct {
	Op      string
	Message string
}

// NewValidationError builds a ValidationError with a formatted message
func NewValidationError(op, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Op, e.Message)
}

func (e *ValidationError) ErrorKind() string { return KindValidation }

// RetryableError is a transient store or queue failure
type RetryableError struct {
	Op  string
	Err error
}

// Retryable wraps err as a RetryableError; nil stays nil
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

func (e *RetryableError) ErrorKind() string { return KindRetryable }

// BudgetExceededError is raised when a job's spend would pass its ceiling
type BudgetExceededError struct {
	JobID       string
	Total       Amount
	Prospective Amount
	Limit       Amount
}

func (e *BudgetExceededError) Error() string {
	if e.Prospective > 0 {
		return fmt.Sprintf("budget exceeded: current cost $%s plus estimated $%s exceeds limit $%s",
			e.Total, e.Prospective, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: cost $%s exceeds limit $%s", e.Total, e.Limit)
}

func (e *BudgetExceededError) ErrorKind() string { return KindBudget }

// StageErrorKind classifies a collaborator failure
type StageErrorKind string

const (
	StageErrorRetryable StageErrorKind = "retryable"
	StageErrorFatal     StageErrorKind = "fatal"
)

// StageError is the typed failure returned by stage collaborators
type StageError struct {
	Stage   StageName
	Kind    StageErrorKind
	Message string
	Err     error
}

// NewStageError builds a StageError
func NewStageError(stage StageName, kind StageErrorKind, message string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: message, Err: err}
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Stage, msg)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) ErrorKind() string {
	if e.Kind == StageErrorRetryable {
		return KindRetryable
	}
	return KindFatal
}

// KindOf returns the classification of err, or KindFatal when it declares none
func KindOf(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return KindFatal
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsBudgetExceeded reports whether err is a BudgetExceededError
func IsBudgetExceeded(err error) bool {
	var b *BudgetExceededError
	return errors.As(err, &b)
}

// UserMessage renders err as the human-readable job error_message
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var budget *BudgetExceededError
	if errors.As(err, &budget) {
		return budget.Error()
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Error()
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Error()
	}
	return err.Error()
}
