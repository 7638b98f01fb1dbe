package events_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yassine700/bizscout/internal/events"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

func newTestJob(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Spec:       models.JobSpec{Keyword: "plumber", Cities: []string{"austin"}, Sources: []string{"yellowpages"}},
		Status:     models.JobStatusPending,
		TotalTasks: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job.ID
}

// collect drains up to n events from ch, failing the test on timeout.
func collect(t *testing.T, ch <-chan *models.Event, n int) []*models.Event {
	t.Helper()
	var out []*models.Event
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

// --- LocalFanout ---

func TestLocalFanout_PublishSubscribe(t *testing.T) {
	f := events.NewLocalFanout()
	ctx := context.Background()
	jobID := uuid.New()

	ch, cancel, err := f.Subscribe(ctx, jobID)
	require.NoError(t, err)
	defer cancel()

	evt := &models.Event{JobID: jobID, Sequence: 1, Type: models.EventWarning}
	require.NoError(t, f.Publish(ctx, evt))

	got := collect(t, ch, 1)
	assert.Equal(t, int64(1), got[0].Sequence)

	// Events for other jobs are not delivered.
	require.NoError(t, f.Publish(ctx, &models.Event{JobID: uuid.New(), Sequence: 1}))
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for foreign job: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalFanout_CancelClosesChannel(t *testing.T) {
	f := events.NewLocalFanout()
	jobID := uuid.New()

	ch, cancel, err := f.Subscribe(context.Background(), jobID)
	require.NoError(t, err)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Cancel is idempotent, publish after cancel must not panic.
	cancel()
	require.NoError(t, f.Publish(context.Background(), &models.Event{JobID: jobID, Sequence: 1}))
}

// --- Emitter ---

type failingFanout struct{}

func (failingFanout) Publish(context.Context, *models.Event) error {
	return errors.New("redis down")
}

func (failingFanout) Subscribe(context.Context, uuid.UUID) (<-chan *models.Event, func(), error) {
	return nil, nil, errors.New("redis down")
}

func TestEmitter_AssignsSequences(t *testing.T) {
	s := store.NewMemoryStore()
	f := events.NewLocalFanout()
	em := events.NewEmitter(s, f, slog.Default())
	ctx := context.Background()

	jobID := newTestJob(t, s)

	for i := 1; i <= 3; i++ {
		evt, err := em.Emit(ctx, jobID, models.EventTaskProgress, map[string]int{"page": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), evt.Sequence)
	}

	stored, err := s.ListEvents(ctx, jobID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestEmitter_FanoutFailureIsNotFatal(t *testing.T) {
	s := store.NewMemoryStore()
	em := events.NewEmitter(s, failingFanout{}, slog.Default())
	ctx := context.Background()

	jobID := newTestJob(t, s)

	evt, err := em.Emit(ctx, jobID, models.EventWarning, map[string]string{"reason": "no results"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), evt.Sequence)

	// The event is durable despite the dead fan-out.
	stored, err := s.ListEvents(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.EventWarning, stored[0].Type)
}

func TestEmitter_AppendFailureIsFatal(t *testing.T) {
	s := store.NewMemoryStore()
	em := events.NewEmitter(s, events.NewLocalFanout(), slog.Default())

	// Unknown job: append fails, so the emit fails.
	_, err := em.Emit(context.Background(), uuid.New(), models.EventWarning, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Gateway ---

func TestGateway_UnknownJob(t *testing.T) {
	gw := events.NewGateway(store.NewMemoryStore(), events.NewLocalFanout())

	_, _, err := gw.Subscribe(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGateway_ReplayThenLive(t *testing.T) {
	s := store.NewMemoryStore()
	f := events.NewLocalFanout()
	em := events.NewEmitter(s, f, slog.Default())
	gw := events.NewGateway(s, f)
	ctx := context.Background()

	jobID := newTestJob(t, s)

	// Backlog before anyone subscribes.
	for i := 0; i < 4; i++ {
		_, err := em.Emit(ctx, jobID, models.EventTaskProgress, map[string]int{"page": i})
		require.NoError(t, err)
	}

	ch, cancel, err := gw.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	defer cancel()

	// Live events after the subscription.
	for i := 4; i < 6; i++ {
		_, err := em.Emit(ctx, jobID, models.EventTaskProgress, map[string]int{"page": i})
		require.NoError(t, err)
	}

	got := collect(t, ch, 6)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Sequence, "gap or duplicate at index %d", i)
	}
}

func TestGateway_SinceSkipsReplayedPrefix(t *testing.T) {
	s := store.NewMemoryStore()
	f := events.NewLocalFanout()
	em := events.NewEmitter(s, f, slog.Default())
	gw := events.NewGateway(s, f)
	ctx := context.Background()

	jobID := newTestJob(t, s)
	for i := 0; i < 5; i++ {
		_, err := em.Emit(ctx, jobID, models.EventTaskProgress, map[string]int{"page": i})
		require.NoError(t, err)
	}

	ch, cancel, err := gw.Subscribe(ctx, jobID, 3)
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)
}

func TestGateway_NoDuplicatesAcrossBoundary(t *testing.T) {
	s := store.NewMemoryStore()
	f := events.NewLocalFanout()
	gw := events.NewGateway(s, f)
	ctx := context.Background()

	jobID := newTestJob(t, s)

	// Append sequence 1 durably, then hand the fan-out the same event after
	// the subscription attaches: the gateway must not deliver it twice.
	evt1, err := s.AppendEvent(ctx, jobID, models.EventTaskProgress, nil)
	require.NoError(t, err)

	ch, cancel, err := gw.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.Publish(ctx, evt1))

	evt2, err := s.AppendEvent(ctx, jobID, models.EventTaskProgress, nil)
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, evt2))

	got := collect(t, ch, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)

	select {
	case evt := <-ch:
		t.Fatalf("duplicate delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateway_ContextCancelClosesStream(t *testing.T) {
	s := store.NewMemoryStore()
	f := events.NewLocalFanout()
	gw := events.NewGateway(s, f)

	jobID := newTestJob(t, s)

	ctx, stop := context.WithCancel(context.Background())
	ch, cancel, err := gw.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	defer cancel()

	stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close on context cancel")
	}
}
