package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

type taskKey struct {
	jobID  uuid.UUID
	city   string
	source string
}

type progressKey struct {
	jobID uuid.UUID
	city  string
}

type businessKey struct {
	jobID   uuid.UUID
	name    string
	website string
	city    string
	source  string
}

// MemoryStore is a fully in-memory implementation of Store. Safe for
// concurrent access. Intended for unit testing and single-node development
// runs without Postgres.
type MemoryStore struct {
	mu sync.Mutex

	jobs       map[uuid.UUID]*models.Job
	tasks      map[taskKey]*models.Task
	events     map[uuid.UUID][]*models.Event
	businesses map[businessKey]*models.Business
	progress   map[progressKey]int
	nextBizID  int64
}

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[uuid.UUID]*models.Job),
		tasks:      make(map[taskKey]*models.Task),
		events:     make(map[uuid.UUID][]*models.Event),
		businesses: make(map[businessKey]*models.Business),
		progress:   make(map[progressKey]int),
	}
}

// Ping always succeeds for the memory store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}

	legal := false
	for _, next := range jobTransitions[j.Status] {
		if next == status {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.PausedAt = nil
	case models.JobStatusPaused:
		j.PausedAt = &now
	case models.JobStatusCompleted, models.JobStatusKilled:
		j.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) IncrementCompletedTasks(_ context.Context, id uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return 0, 0, ErrNotFound
	}
	j.CompletedTasks++
	j.UpdatedAt = time.Now().UTC()
	return j.CompletedTasks, j.TotalTasks, nil
}

func (m *MemoryStore) CreateTasks(_ context.Context, tasks []*models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tasks {
		key := taskKey{t.JobID, t.City, t.Source}
		if _, exists := m.tasks[key]; exists {
			return ErrDuplicateKey
		}
	}
	for _, t := range tasks {
		cp := *t
		m.tasks[taskKey{t.JobID, t.City, t.Source}] = &cp
	}
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, jobID uuid.UUID, city, source string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskKey{jobID, city, source}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*models.Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].City != tasks[k].City {
			return tasks[i].City < tasks[k].City
		}
		return tasks[i].Source < tasks[k].Source
	})
	return tasks, nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskKey{jobID, city, source}]
	if !ok {
		return ErrTaskNotClaimable
	}
	if !t.Incomplete() {
		return ErrTaskNotClaimable
	}

	now := time.Now().UTC()
	execID := executionID
	t.ExecutionID = &execID
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	t.CompletedAt = nil
	t.CancelledAt = nil
	t.ErrorMessage = nil
	t.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ReleaseTask(_ context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskKey{jobID, city, source}]
	if !ok || t.ExecutionID == nil || *t.ExecutionID != executionID {
		return nil
	}
	t.ExecutionID = nil
	t.Status = models.TaskStatusPending
	t.StartedAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FinishTask(_ context.Context, jobID uuid.UUID, city, source string, executionID uuid.UUID, status string, opts ...TaskFinishOption) error {
	if !models.TerminalTaskStatus(status) {
		return fmt.Errorf("finish task: %q is not a terminal status", status)
	}

	params := &taskFinishParams{}
	for _, opt := range opts {
		opt(params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskKey{jobID, city, source}]
	if !ok || t.Status != models.TaskStatusRunning ||
		t.ExecutionID == nil || *t.ExecutionID != executionID {
		return ErrTaskNotClaimable
	}

	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
	if status == models.TaskStatusCancelled {
		t.CancelledAt = &now
	}
	if params.ResultCount != nil {
		t.ResultCount = *params.ResultCount
	}
	if params.ErrorMessage != nil {
		t.ErrorMessage = params.ErrorMessage
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, jobID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j.LastEventSeq++

	evt := &models.Event{
		JobID:      jobID,
		Sequence:   j.LastEventSeq,
		Type:       eventType,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	m.events[jobID] = append(m.events[jobID], evt)
	return evt, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, jobID uuid.UUID, since int64) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Event
	for _, e := range m.events[jobID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBusiness(_ context.Context, b *models.Business) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := businessKey{b.JobID, b.Name, b.Website, b.City, b.Source}
	if _, exists := m.businesses[key]; exists {
		return false, nil
	}
	m.nextBizID++
	cp := *b
	cp.ID = m.nextBizID
	m.businesses[key] = &cp
	return true, nil
}

func (m *MemoryStore) ListBusinesses(_ context.Context, jobID uuid.UUID) ([]*models.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Business
	for _, b := range m.businesses {
		if b.JobID == jobID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].City != out[k].City {
			return out[i].City < out[k].City
		}
		if out[i].Source != out[k].Source {
			return out[i].Source < out[k].Source
		}
		return out[i].Name < out[k].Name
	})
	return out, nil
}

func (m *MemoryStore) CountBusinesses(_ context.Context, jobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range m.businesses {
		if b.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveScrapeProgress(_ context.Context, jobID uuid.UUID, city string, lastPage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.progress[progressKey{jobID, city}] = lastPage
	return nil
}

func (m *MemoryStore) GetScrapeProgress(_ context.Context, jobID uuid.UUID, city string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.progress[progressKey{jobID, city}], nil
}
