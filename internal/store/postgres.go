package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yassine700/bizscout/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, keyword, cities, sources, status, total_tasks, completed_tasks, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Spec.Keyword, job.Spec.Cities, job.Spec.Sources,
		job.Status, job.TotalTasks, job.CompletedTasks, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, keyword, cities, sources, status, total_tasks, completed_tasks, last_event_seq,
		        created_at, started_at, paused_at, completed_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Spec.Keyword, &j.Spec.Cities, &j.Spec.Sources, &j.Status,
		&j.TotalTasks, &j.CompletedTasks, &j.LastEventSeq,
		&j.CreatedAt, &j.StartedAt, &j.PausedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string) error {
	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: no edge leads to %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	switch status {
	case models.JobStatusRunning:
		// started_at is set once, on the first pending→running edge.
		query += fmt.Sprintf(", started_at = COALESCE(started_at, $%d), paused_at = NULL", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusPaused:
		query += fmt.Sprintf(", paused_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted, models.JobStatusKilled:
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from a disallowed edge.
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

func (s *PostgresStore) IncrementCompletedTasks(ctx context.Context, id uuid.UUID) (int, int, error) {
	var completed, total int
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET completed_tasks = completed_tasks + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING completed_tasks, total_tasks`, id,
	).Scan(&completed, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("increment completed tasks: %w", err)
	}
	return completed, total, nil
}

// --- Tasks ---

func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(
			`INSERT INTO tasks (job_id, city, source, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.JobID, t.City, t.Source, t.Status, t.CreatedAt, t.UpdatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range tasks {
		if _, err := br.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create tasks: %w", err)
		}
	}
	return nil
}

const taskColumns = `job_id, city, source, execution_id, status, result_count, error_message,
		        started_at, completed_at, cancelled_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.JobID, &t.City, &t.Source, &t.ExecutionID, &t.Status,
		&t.ResultCount, &t.ErrorMessage,
		&t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, jobID uuid.UUID, city, source string) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 AND city = $2 AND source = $3`,
		jobID, city, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY city, source`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ClaimTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET execution_id = $4, status = $5, started_at = NOW(), completed_at = NULL,
		     cancelled_at = NULL, error_message = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND city = $2 AND source = $3
		   AND status = ANY($6)`,
		jobID, city, source, executionID, models.TaskStatusRunning,
		[]string{models.TaskStatusPending, models.TaskStatusFailed, models.TaskStatusCancelled})
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotClaimable
	}
	return nil
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET execution_id = NULL, status = $5, started_at = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND city = $2 AND source = $3 AND execution_id = $4`,
		jobID, city, source, executionID, models.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID, status string, opts ...TaskFinishOption) error {
	if !models.TerminalTaskStatus(status) {
		return fmt.Errorf("finish task: %q is not a terminal status", status)
	}

	params := &taskFinishParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE tasks SET status = $5, completed_at = $6, updated_at = $6`
	args := []any{jobID, city, source, executionID, status, now}
	argIdx := 7

	if status == models.TaskStatusCancelled {
		query += fmt.Sprintf(", cancelled_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ResultCount != nil {
		query += fmt.Sprintf(", result_count = $%d", argIdx)
		args = append(args, *params.ResultCount)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += ` WHERE job_id = $1 AND city = $2 AND source = $3 AND execution_id = $4 AND status = '` +
		models.TaskStatusRunning + `'`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotClaimable
	}
	return nil
}

// --- Events ---

// AppendEvent assigns the next sequence for the job and inserts the event in
// one transaction. The UPDATE takes the job row lock, so concurrent appends
// for the same job serialize and sequences stay gap-free.
func (s *PostgresStore) AppendEvent(ctx context.Context, jobID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET last_event_seq = last_event_seq + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING last_event_seq`, jobID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append event: next sequence: %w", err)
	}

	evt := &models.Event{
		JobID:      jobID,
		Sequence:   seq,
		Type:       eventType,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (job_id, sequence, event_type, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		evt.JobID, evt.Sequence, evt.Type, evt.Payload, evt.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("append event: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("append event: commit: %w", err)
	}
	return evt, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID uuid.UUID, since int64) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, sequence, event_type, payload, recorded_at
		 FROM job_events WHERE job_id = $1 AND sequence > $2 ORDER BY sequence`,
		jobID, since)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.JobID, &e.Sequence, &e.Type, &e.Payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Businesses ---

func (s *PostgresStore) SaveBusiness(ctx context.Context, b *models.Business) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO businesses (job_id, name, website, city, source, page, discovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id, name, website, city, source) DO NOTHING`,
		b.JobID, b.Name, b.Website, b.City, b.Source, b.Page, b.DiscoveredAt)
	if err != nil {
		return false, fmt.Errorf("save business: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListBusinesses(ctx context.Context, jobID uuid.UUID) ([]*models.Business, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, name, website, city, source, page, discovered_at
		 FROM businesses WHERE job_id = $1 ORDER BY city, source, name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list businesses: %w", err)
	}
	defer rows.Close()

	var out []*models.Business
	for rows.Next() {
		var b models.Business
		if err := rows.Scan(&b.ID, &b.JobID, &b.Name, &b.Website, &b.City, &b.Source,
			&b.Page, &b.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountBusinesses(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM businesses WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count businesses: %w", err)
	}
	return n, nil
}

// --- Scrape progress ---

func (s *PostgresStore) SaveScrapeProgress(ctx context.Context, jobID uuid.UUID, city string, lastPage int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_progress (job_id, city, last_page, last_updated)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (job_id, city) DO UPDATE SET last_page = EXCLUDED.last_page, last_updated = NOW()`,
		jobID, city, lastPage)
	if err != nil {
		return fmt.Errorf("save scrape progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScrapeProgress(ctx context.Context, jobID uuid.UUID, city string) (int, error) {
	var lastPage int
	err := s.pool.QueryRow(ctx,
		`SELECT last_page FROM scrape_progress WHERE job_id = $1 AND city = $2`,
		jobID, city).Scan(&lastPage)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get scrape progress: %w", err)
	}
	return lastPage, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
