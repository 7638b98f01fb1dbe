package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

// The memory store mirrors the Postgres store's semantics so the
// orchestrator tests can run without a container. These tests cover the
// behavior the orchestrator leans on.

func TestMemory_JobLifecycle(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job := seedJob(t, s, "austin")

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPaused))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusKilled))

	err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
}

func TestMemory_CopyOnReturn(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job := seedJob(t, s, "austin")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = "mangled"

	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemory_ClaimFinishSemantics(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job := seedJob(t, s, "austin")
	execID := uuid.New()

	require.NoError(t, s.ClaimTask(ctx, job.ID, "austin", "yellowpages", execID))
	assert.ErrorIs(t, s.ClaimTask(ctx, job.ID, "austin", "yellowpages", uuid.New()),
		store.ErrTaskNotClaimable)
	assert.ErrorIs(t, s.FinishTask(ctx, job.ID, "austin", "yellowpages", uuid.New(),
		models.TaskStatusSuccess), store.ErrTaskNotClaimable)

	require.NoError(t, s.FinishTask(ctx, job.ID, "austin", "yellowpages", execID,
		models.TaskStatusFailed, store.WithTaskError("timeout")))

	// failed -> claimable again
	require.NoError(t, s.ClaimTask(ctx, job.ID, "austin", "yellowpages", uuid.New()))
}

func TestMemory_ConcurrentAppendsAreGapFree(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job := seedJob(t, s, "austin")

	const writers = 16
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendEvent(ctx, job.ID, models.EventTaskProgress, json.RawMessage(`{}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := s.ListEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}
}

func TestMemory_BusinessDedup(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job := seedJob(t, s, "austin")
	b := &models.Business{
		JobID:        job.ID,
		Name:         "Acme Plumbing",
		Website:      "https://acme.example",
		City:         "austin",
		Source:       "yellowpages",
		Page:         2,
		DiscoveredAt: time.Now().UTC(),
	}

	inserted, err := s.SaveBusiness(ctx, b)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveBusiness(ctx, b)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountBusinesses(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
