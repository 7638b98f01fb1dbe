package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusSuccess   = "success"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Task is one unit of work within a job, identified by (job_id, city, source).
// ExecutionID names the current (or most recent) execution attempt and is
// assigned only when a worker claims the task, never at creation — a task
// interrupted before claim stays pending with no dangling attempt.
type Task struct {
	JobID        uuid.UUID  `db:"job_id"        json:"job_id"`
	City         string     `db:"city"          json:"city"`
	Source       string     `db:"source"        json:"source"`
	ExecutionID  *uuid.UUID `db:"execution_id"  json:"execution_id,omitempty"`
	Status       string     `db:"status"        json:"status"`
	ResultCount  int        `db:"result_count"  json:"result_count"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CancelledAt  *time.Time `db:"cancelled_at"  json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Incomplete reports whether the task is eligible for (re-)dispatch: any
// status except success, excluding tasks with a live running execution.
func (t *Task) Incomplete() bool {
	return t.Status == TaskStatusPending ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled
}

// TerminalTaskStatus reports whether s ends an execution attempt.
func TerminalTaskStatus(s string) bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusCancelled
}
