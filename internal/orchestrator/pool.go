package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrPoolSaturated is returned by Submit when the work queue is full. The
// task stays pending in the store; dispatching it again later is safe.
var ErrPoolSaturated = errors.New("worker pool saturated")

// Execution is one claimed task attempt handed to the pool. Run receives
// the abort handle: a context cancelled by job-level pause/kill or pool
// shutdown.
type Execution struct {
	JobID       uuid.UUID
	ExecutionID uuid.UUID
	Run         func(ctx context.Context)
}

// Pool runs a bounded number of concurrent executions drawn from a buffered
// work queue. Cancellation is cooperative: CancelJob cancels the contexts of
// the job's in-flight executions and the routines are expected to return
// promptly. Every execution context descends from a pool-level context, so
// shutdown can abort even executions a worker picked up after the stop
// signal.
type Pool struct {
	concurrency int
	queue       chan *Execution
	logger      *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// active maps job id → execution id → abort func. An execution is
	// registered at Submit time with a nil abort func and gains a real one
	// when a worker picks it up; queued executions cannot be aborted
	// individually, they re-check job status when run.
	active   map[uuid.UUID]map[uuid.UUID]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueSize sets the work queue capacity.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) { p.queue = make(chan *Execution, n) }
}

// NewPool creates a worker pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		concurrency: 10,
		queue:       make(chan *Execution, 128),
		logger:      logger,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		stopCh:      make(chan struct{}),
		active:      make(map[uuid.UUID]map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	p.logger.Info("worker pool starting", "concurrency", p.concurrency)
	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}
}

// Stop signals all workers to stop and waits for in-flight executions to
// finish. If the context expires first, the pool context is cancelled so
// every execution, including any a worker started after the stop signal,
// aborts and the wait resumes. Executions still queued when the workers
// exit are run with the cancelled pool context so their task claims are
// settled rather than stranded.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active executions")
		p.baseCancel()
		<-done
	}

	p.baseCancel()
	p.drain()
}

// drain runs executions left behind in the queue after the workers exit.
// The pool context is cancelled by now, so each one aborts promptly and
// hands its claim back instead of holding the task in running forever.
func (p *Pool) drain() {
	for {
		select {
		case exec := <-p.queue:
			p.execute(exec)
		default:
			return
		}
	}
}

// Submit queues one execution. Non-blocking: a full queue or a stopped pool
// yields ErrPoolSaturated and the caller keeps ownership of the task.
func (p *Pool) Submit(exec *Execution) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrPoolSaturated
	}

	// Register before enqueueing so the execution can never be picked up,
	// finished and untracked before it becomes visible here.
	p.register(exec)
	select {
	case p.queue <- exec:
		return nil
	default:
		p.untrack(exec)
		return ErrPoolSaturated
	}
}

// CancelJob cancels every in-flight execution belonging to the job. It does
// not wait for the routines to observe the signal. Queued executions have no
// abort func yet; they notice the job status change when a worker runs them.
func (p *Pool) CancelJob(jobID uuid.UUID) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for execID, cancel := range p.active[jobID] {
		if cancel == nil {
			continue
		}
		p.logger.Debug("cancelling execution", "job_id", jobID, "execution_id", execID)
		cancel()
	}
}

// ActiveExecutions returns the number of executions the pool owns for the
// job, queued or running.
func (p *Pool) ActiveExecutions(jobID uuid.UUID) int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active[jobID])
}

// IsActive reports whether the pool owns the given execution, queued or
// running. A claimed task whose execution id is unknown here belongs to a
// dead attempt.
func (p *Pool) IsActive(jobID, execID uuid.UUID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[jobID][execID]
	return ok
}

func (p *Pool) workLoop() {
	defer p.wg.Done()

	for {
		// Prefer the stop signal over queued work so workers do not keep
		// starting executions after shutdown begins.
		select {
		case <-p.stopCh:
			return
		default:
		}
		select {
		case <-p.stopCh:
			return
		case exec := <-p.queue:
			p.execute(exec)
		}
	}
}

func (p *Pool) execute(exec *Execution) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.track(exec, cancel)
	defer func() {
		p.untrack(exec)
		cancel()
	}()

	exec.Run(ctx)
}

func (p *Pool) register(exec *Execution) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if p.active[exec.JobID] == nil {
		p.active[exec.JobID] = make(map[uuid.UUID]context.CancelFunc)
	}
	p.active[exec.JobID][exec.ExecutionID] = nil
}

func (p *Pool) track(exec *Execution, cancel context.CancelFunc) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if p.active[exec.JobID] == nil {
		p.active[exec.JobID] = make(map[uuid.UUID]context.CancelFunc)
	}
	p.active[exec.JobID][exec.ExecutionID] = cancel
}

func (p *Pool) untrack(exec *Execution) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	delete(p.active[exec.JobID], exec.ExecutionID)
	if len(p.active[exec.JobID]) == 0 {
		delete(p.active, exec.JobID)
	}
}
