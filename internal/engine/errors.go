package engine

import (
	"fmt"
	"strings"
)

// FieldViolation is one failed check on a submitted field value.
type FieldViolation struct {
	FieldID string `json:"field_id"`
	Message string `json:"message"`
}

// ValidationError collects every violation found in a submission.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.FieldID, v.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// UnauthorizedError means the actor is not a stakeholder of the task.
type UnauthorizedError struct {
	UserID string
	TaskID string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s is not a stakeholder of task %s", e.UserID, e.TaskID)
}

// InvalidTransitionError means the action is not available from the task's
// current state.
type InvalidTransitionError struct {
	TaskID   string
	StateID  string
	ActionID string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s is not available from state %s on task %s", e.ActionID, e.StateID, e.TaskID)
}

// ConcurrencyConflictError means another actor moved the task first.
type ConcurrencyConflictError struct {
	TaskID   string
	ActionID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("task %s changed state while applying action %s; re-read and retry", e.TaskID, e.ActionID)
}

// UpstreamError wraps a failure of a collaborator consulted during
// validation, the user directory or the attachment store.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
