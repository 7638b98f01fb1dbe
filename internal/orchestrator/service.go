// Package orchestrator is the control plane: it owns the job state machine,
// decomposes jobs into per-(city, source) tasks, dispatches them to the
// worker pool, and drives the cancellation and resume protocols.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yassine700/bizscout/internal/events"
	"github.com/yassine700/bizscout/internal/scraper"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

var (
	// ErrValidation marks a malformed submission; the job is never created.
	ErrValidation = errors.New("invalid job submission")
	// ErrNotPaused is returned by Resume when the job is not paused.
	ErrNotPaused = errors.New("job is not paused")
)

// dispatchParallelism bounds concurrent task claims during a dispatch pass.
const dispatchParallelism = 8

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Keyword string
	Cities  []string
	Sources []string
	// ProxyAPIKey is forwarded to every execution of this job, explicitly
	// scoped — never via process environment.
	ProxyAPIKey string
}

// JobStatus is the queryable view of a job.
type JobStatus struct {
	Job           *models.Job `json:"job"`
	Progress      float64     `json:"progress"`
	BusinessCount int         `json:"business_count"`
}

// Service coordinates the store, the scraper registry, the worker pool and
// the event emitter. All control operations are safe for concurrent use and
// return without waiting on workers.
type Service struct {
	store    store.Store
	registry *scraper.Registry
	pool     *Pool
	emitter  *events.Emitter
	logger   *slog.Logger

	// proxyKeys remembers each job's proxy credential for re-dispatch on
	// resume; the spec of a job is immutable, so this never changes.
	proxyKeys keyCache
}

// NewService creates the orchestrator service.
func NewService(s store.Store, reg *scraper.Registry, pool *Pool, em *events.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		registry: reg,
		pool:     pool,
		emitter:  em,
		logger:   logger,
	}
}

// Submit validates the request, creates the job and its tasks, transitions
// the job to running and dispatches every task. Returns the created job.
func (svc *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if err := svc.validate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID: uuid.New(),
		Spec: models.JobSpec{
			Keyword: strings.TrimSpace(req.Keyword),
			Cities:  req.Cities,
			Sources: req.Sources,
		},
		Status:     models.JobStatusPending,
		TotalTasks: len(req.Cities) * len(req.Sources),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := svc.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	tasks := make([]*models.Task, 0, job.TotalTasks)
	for _, city := range req.Cities {
		for _, source := range req.Sources {
			tasks = append(tasks, &models.Task{
				JobID:     job.ID,
				City:      city,
				Source:    source,
				Status:    models.TaskStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}
	if err := svc.store.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}

	if req.ProxyAPIKey != "" {
		svc.proxyKeys.set(job.ID, req.ProxyAPIKey)
	}

	if err := svc.setStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		return nil, err
	}

	svc.logger.Info("job submitted",
		"job_id", job.ID, "keyword", job.Spec.Keyword,
		"cities", len(req.Cities), "sources", req.Sources,
		"total_tasks", job.TotalTasks)

	if err := svc.dispatch(ctx, job.ID); err != nil {
		return nil, err
	}
	return svc.store.GetJob(ctx, job.ID)
}

func (svc *Service) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrValidation)
	}
	if len(req.Cities) == 0 {
		return fmt.Errorf("%w: at least one city is required", ErrValidation)
	}
	if len(req.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ErrValidation)
	}
	for _, src := range req.Sources {
		if !svc.registry.Supported(src) {
			return fmt.Errorf("%w: unsupported source %q (supported: %s)",
				ErrValidation, src, strings.Join(svc.registry.Sources(), ", "))
		}
	}
	return nil
}

// Status returns the queryable view of a job.
func (svc *Service) Status(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	count, err := svc.store.CountBusinesses(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Progress: job.Progress(), BusinessCount: count}, nil
}

// Tasks returns the job's tasks.
func (svc *Service) Tasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	if _, err := svc.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return svc.store.ListTasks(ctx, jobID)
}

// Results returns the job's deduplicated businesses.
func (svc *Service) Results(ctx context.Context, jobID uuid.UUID) ([]*models.Business, error) {
	if _, err := svc.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return svc.store.ListBusinesses(ctx, jobID)
}

// Pause stops dispatching and signals the job's in-flight executions to
// abort. Idempotent: pausing a paused job is a no-op success. It returns
// without waiting for workers to observe the signal.
func (svc *Service) Pause(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusPaused {
		return job, nil
	}
	if err := svc.setStatus(ctx, jobID, models.JobStatusPaused); err != nil {
		return nil, err
	}
	svc.pool.CancelJob(jobID)
	svc.logger.Info("job paused", "job_id", jobID)
	return svc.store.GetJob(ctx, jobID)
}

// Resume re-dispatches every task that has not succeeded: pending, failed
// and cancelled tasks each get exactly one fresh execution. Tasks still
// running under a live execution are untouched, and succeeded tasks are
// never re-run. Fails with ErrNotPaused unless the job is paused.
func (svc *Service) Resume(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, job.Status)
	}
	if err := svc.setStatus(ctx, jobID, models.JobStatusRunning); err != nil {
		return nil, err
	}
	svc.logger.Info("job resumed", "job_id", jobID)
	if err := svc.dispatch(ctx, jobID); err != nil {
		return nil, err
	}
	return svc.store.GetJob(ctx, jobID)
}

// Kill terminates the job. Legal from any non-terminal state; killing an
// already-killed job returns the same result without appending a second
// status event. In-flight executions are signalled, not awaited.
func (svc *Service) Kill(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusKilled {
		return job, nil
	}
	if err := svc.setStatus(ctx, jobID, models.JobStatusKilled); err != nil {
		return nil, err
	}
	svc.pool.CancelJob(jobID)
	svc.logger.Info("job killed", "job_id", jobID)
	return svc.store.GetJob(ctx, jobID)
}

// setStatus applies one state machine edge and appends the corresponding
// job-status-changed event.
func (svc *Service) setStatus(ctx context.Context, jobID uuid.UUID, status string) error {
	if err := svc.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		return err
	}
	_, err := svc.emitter.Emit(ctx, jobID, models.EventJobStatusChanged,
		map[string]string{"status": status})
	if err != nil {
		svc.logger.Error("status event append failed", "job_id", jobID, "error", err)
		return err
	}
	return nil
}

// dispatch claims every incomplete task — pending, failed or cancelled, but
// never succeeded — and submits one fresh execution for each. A running task
// is skipped only while its execution is live in the pool: a claim left over
// from a dead attempt (process restart, abandoned shutdown queue) is
// reclaimed first, so no task is ever excluded from resume forever. A
// saturated pool releases the claim back to pending rather than dropping
// the task.
func (svc *Service) dispatch(ctx context.Context, jobID uuid.UUID) error {
	tasks, err := svc.store.ListTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchParallelism)
	for _, task := range tasks {
		orphaned := task.Status == models.TaskStatusRunning &&
			task.ExecutionID != nil &&
			!svc.pool.IsActive(task.JobID, *task.ExecutionID)
		if !task.Incomplete() && !orphaned {
			continue
		}
		g.Go(func() error {
			if orphaned {
				svc.logger.Warn("reclaiming task from dead execution",
					"job_id", task.JobID, "city", task.City, "source", task.Source,
					"execution_id", *task.ExecutionID)
				if err := svc.store.ReleaseTask(gctx, task.JobID, task.City, task.Source, *task.ExecutionID); err != nil {
					return err
				}
			}
			return svc.dispatchTask(gctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	// All tasks may already be terminal (e.g. resume of a fully scraped
	// job that was paused before the completion edge landed).
	return svc.maybeComplete(ctx, jobID)
}

func (svc *Service) dispatchTask(ctx context.Context, task *models.Task) error {
	execID := uuid.New()
	err := svc.store.ClaimTask(ctx, task.JobID, task.City, task.Source, execID)
	if errors.Is(err, store.ErrTaskNotClaimable) {
		// Raced with a live execution or a late success; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	exec := &Execution{
		JobID:       task.JobID,
		ExecutionID: execID,
		Run: func(runCtx context.Context) {
			svc.runExecution(runCtx, task.JobID, task.City, task.Source, execID)
		},
	}
	if err := svc.pool.Submit(exec); err != nil {
		svc.logger.Warn("pool saturated, task stays pending",
			"job_id", task.JobID, "city", task.City, "source", task.Source)
		// The release must land even when a sibling dispatch failure has
		// already cancelled ctx, or the claim is stranded in running.
		return svc.store.ReleaseTask(context.WithoutCancel(ctx), task.JobID, task.City, task.Source, execID)
	}
	return nil
}

// runExecution is the body of one execution attempt. ctx is the abort
// handle; state writes after an abort run on a detached context so partial
// results and the terminal status are never lost to the cancellation.
func (svc *Service) runExecution(ctx context.Context, jobID uuid.UUID, city, source string, execID uuid.UUID) {
	detached := context.WithoutCancel(ctx)

	// A pause or kill that landed while this execution sat in the queue
	// means it was never dispatched: hand the claim back.
	job, err := svc.store.GetJob(detached, jobID)
	if err != nil {
		svc.logger.Error("execution aborted, job unreadable", "job_id", jobID, "error", err)
		_ = svc.store.ReleaseTask(detached, jobID, city, source, execID)
		return
	}
	if job.Status != models.JobStatusRunning {
		_ = svc.store.ReleaseTask(detached, jobID, city, source, execID)
		return
	}

	scr, err := svc.registry.Lookup(source)
	if err != nil {
		svc.finishTask(detached, jobID, city, source, execID, models.TaskStatusFailed, 0, err)
		return
	}

	startPage, err := svc.store.GetScrapeProgress(detached, jobID, city)
	if err != nil {
		svc.logger.Warn("progress lookup failed, starting from first page",
			"job_id", jobID, "city", city, "error", err)
		startPage = 0
	}

	hooks := &execHooks{svc: svc, jobID: jobID, city: city, source: source}
	scrapeErr := scr.Scrape(ctx, scraper.Request{
		JobID:       jobID,
		ExecutionID: execID,
		Keyword:     job.Spec.Keyword,
		City:        city,
		Source:      source,
		StartPage:   startPage,
		ProxyAPIKey: svc.proxyKeys.get(jobID),
	}, hooks)

	switch {
	case scrapeErr == nil:
		svc.finishTask(detached, jobID, city, source, execID, models.TaskStatusSuccess, hooks.saved, nil)
	case errors.Is(scrapeErr, context.Canceled):
		svc.finishTask(detached, jobID, city, source, execID, models.TaskStatusCancelled, hooks.saved, nil)
	default:
		svc.finishTask(detached, jobID, city, source, execID, models.TaskStatusFailed, hooks.saved, scrapeErr)
	}
}

// finishTask records the terminal status of an execution, emits the
// matching events, and drives job completion when this was the last task.
func (svc *Service) finishTask(ctx context.Context, jobID uuid.UUID, city, source string, execID uuid.UUID, status string, saved int, taskErr error) {
	opts := []store.TaskFinishOption{store.WithResultCount(saved)}
	if taskErr != nil {
		opts = append(opts, store.WithTaskError(taskErr.Error()))
	}
	if err := svc.store.FinishTask(ctx, jobID, city, source, execID, status, opts...); err != nil {
		svc.logger.Error("finish task failed",
			"job_id", jobID, "city", city, "source", source,
			"status", status, "error", err)
		return
	}

	switch status {
	case models.TaskStatusFailed:
		_, _ = svc.emitter.Emit(ctx, jobID, models.EventTaskError, map[string]any{
			"city":   city,
			"source": source,
			"error":  taskErr.Error(),
		})
	case models.TaskStatusSuccess:
		if saved == 0 {
			_, _ = svc.emitter.Emit(ctx, jobID, models.EventWarning, map[string]any{
				"city":   city,
				"source": source,
				"reason": "zero_results",
			})
		}
	}

	svc.logger.Info("execution finished",
		"job_id", jobID, "city", city, "source", source,
		"status", status, "results", saved)

	if status != models.TaskStatusSuccess {
		return
	}
	completed, total, err := svc.store.IncrementCompletedTasks(ctx, jobID)
	if err != nil {
		svc.logger.Error("completion counter update failed", "job_id", jobID, "error", err)
		return
	}
	if completed >= total {
		if err := svc.maybeComplete(ctx, jobID); err != nil {
			svc.logger.Error("completion transition failed", "job_id", jobID, "error", err)
		}
	}
}

// maybeComplete transitions a running job to completed when every task has
// succeeded. A job paused or killed in the meantime keeps its status.
func (svc *Service) maybeComplete(ctx context.Context, jobID uuid.UUID) error {
	tasks, err := svc.store.ListTasks(ctx, jobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != models.TaskStatusSuccess {
			return nil
		}
	}

	err = svc.setStatus(ctx, jobID, models.JobStatusCompleted)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Paused/killed concurrently; the job stays where the operator
		// put it and remains resumable.
		return nil
	}
	return err
}

// keyCache holds per-job proxy credentials, keyed by job id.
type keyCache struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]string
}

func (c *keyCache) set(jobID uuid.UUID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = make(map[uuid.UUID]string)
	}
	c.keys[jobID] = key
}

func (c *keyCache) get(jobID uuid.UUID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[jobID]
}
