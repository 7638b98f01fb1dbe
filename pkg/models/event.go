package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types appended to a job's event log.
const (
	EventJobStatusChanged = "job-status-changed"
	EventTaskProgress     = "task-progress"
	EventTaskError        = "task-error"
	EventResultFound      = "result-found"
	EventResultDuplicate  = "result-duplicate"
	EventWarning          = "warning"
)

// Event is one immutable fact in a job's event log. Sequence starts at 1,
// is strictly increasing and gap-free per job, and is the only ordering
// observers may rely on; RecordedAt is informational.
type Event struct {
	JobID      uuid.UUID       `db:"job_id"      json:"job_id"`
	Sequence   int64           `db:"sequence"    json:"sequence"`
	Type       string          `db:"event_type"  json:"event_type"`
	Payload    json.RawMessage `db:"payload"     json:"payload"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}
