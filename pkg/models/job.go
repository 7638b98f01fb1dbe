package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusKilled    = "killed"
)

// JobSpec is the immutable description of the work a job performs:
// one keyword searched across a set of cities on a set of sources.
type JobSpec struct {
	Keyword string   `json:"keyword"`
	Cities  []string `json:"cities"`
	Sources []string `json:"sources"`
}

// Job is one user-submitted scraping run, decomposed into one task per
// (city, source) pair. Status moves only along the state machine enforced
// by the store: pending → running → {paused, completed, killed},
// paused → {running, killed}.
type Job struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	Spec           JobSpec    `db:"-"               json:"spec"`
	Status         string     `db:"status"          json:"status"`
	TotalTasks     int        `db:"total_tasks"     json:"total_tasks"`
	CompletedTasks int        `db:"completed_tasks" json:"completed_tasks"`
	LastEventSeq   int64      `db:"last_event_seq"  json:"-"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	StartedAt      *time.Time `db:"started_at"      json:"started_at,omitempty"`
	PausedAt       *time.Time `db:"paused_at"       json:"paused_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// Terminal reports whether the job status admits no further transitions.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusKilled
}

// Progress returns completion as a percentage, 0 when no tasks exist.
func (j *Job) Progress() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	return float64(j.CompletedTasks) / float64(j.TotalTasks) * 100
}
