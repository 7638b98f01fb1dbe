package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrTaskNotClaimable is returned when a claim races with a live
	// execution or targets an already-succeeded task.
	ErrTaskNotClaimable = errors.New("task not claimable")
)

// Store is the data access interface. All job, task, event and result
// mutations go through here; it is the single source of truth and must be
// safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// UpdateJobStatus applies one state machine edge. It fails with
	// ErrInvalidTransition when the job is not in a status that allows the
	// edge, so concurrent control requests serialize on the job row.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string) error
	// IncrementCompletedTasks bumps the completion counter atomically and
	// returns the new completed/total pair.
	IncrementCompletedTasks(ctx context.Context, id uuid.UUID) (completed, total int, err error)

	CreateTasks(ctx context.Context, tasks []*models.Task) error
	GetTask(ctx context.Context, jobID uuid.UUID, city, source string) (*models.Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error)
	// ClaimTask moves a pending/failed/cancelled task to running under the
	// given execution id. ErrTaskNotClaimable when the task is already
	// running or succeeded — the storage guard behind the single-live-
	// execution invariant.
	ClaimTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error
	// ReleaseTask undoes a claim that never reached a worker, returning the
	// task to pending so a later dispatch can pick it up.
	ReleaseTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error
	// FinishTask records the terminal status of one execution attempt. The
	// execution id must match the live claim; stale attempts are ignored
	// with ErrTaskNotClaimable.
	FinishTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID, status string, opts ...TaskFinishOption) error

	// AppendEvent assigns the job's next sequence number and inserts the
	// event as one atomic step. Concurrent appends for the same job
	// serialize on the job row; failure means the event did not happen.
	AppendEvent(ctx context.Context, jobID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error)
	// ListEvents returns events with sequence > since, ascending, no gaps.
	ListEvents(ctx context.Context, jobID uuid.UUID, since int64) ([]*models.Event, error)

	// SaveBusiness inserts a result row, reporting false when the per-job
	// natural key already exists.
	SaveBusiness(ctx context.Context, b *models.Business) (inserted bool, err error)
	ListBusinesses(ctx context.Context, jobID uuid.UUID) ([]*models.Business, error)
	CountBusinesses(ctx context.Context, jobID uuid.UUID) (int, error)

	SaveScrapeProgress(ctx context.Context, jobID uuid.UUID, city string, lastPage int) error
	GetScrapeProgress(ctx context.Context, jobID uuid.UUID, city string) (int, error)
}

// jobTransitions encodes the job state machine: killed and completed are
// terminal, no edge leaves them.
var jobTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusKilled},
	models.JobStatusRunning: {models.JobStatusPaused, models.JobStatusCompleted, models.JobStatusKilled},
	models.JobStatusPaused:  {models.JobStatusRunning, models.JobStatusKilled},
}

// allowedFrom returns the statuses a job may be in for a transition to
// status to be legal.
func allowedFrom(status string) []string {
	var from []string
	for cur, next := range jobTransitions {
		for _, n := range next {
			if n == status {
				from = append(from, cur)
			}
		}
	}
	return from
}

type taskFinishParams struct {
	ResultCount  *int
	ErrorMessage *string
}

type TaskFinishOption func(*taskFinishParams)

func WithResultCount(n int) TaskFinishOption {
	return func(p *taskFinishParams) {
		p.ResultCount = &n
	}
}

func WithTaskError(msg string) TaskFinishOption {
	return func(p *taskFinishParams) {
		p.ErrorMessage = &msg
	}
}
