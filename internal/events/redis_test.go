package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/yassine700/bizscout/internal/events"
	"github.com/yassine700/bizscout/pkg/models"
)

// setupRedisFanout spins up a Redis container and returns a connected fanout.
func setupRedisFanout(t *testing.T) *events.RedisFanout {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	f, err := events.NewRedisFanout("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.Close()) })
	require.NoError(t, f.Ping(ctx))

	return f
}

func TestRedisFanout_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	f := setupRedisFanout(t)
	ctx := context.Background()
	jobID := uuid.New()

	ch, cancel, err := f.Subscribe(ctx, jobID)
	require.NoError(t, err)
	defer cancel()

	evt := &models.Event{
		JobID:      jobID,
		Sequence:   7,
		Type:       models.EventResultFound,
		Payload:    []byte(`{"name":"Acme"}`),
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, f.Publish(ctx, evt))

	select {
	case got := <-ch:
		assert.Equal(t, jobID, got.JobID)
		assert.Equal(t, int64(7), got.Sequence)
		assert.Equal(t, models.EventResultFound, got.Type)
		assert.JSONEq(t, `{"name":"Acme"}`, string(got.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestRedisFanout_ChannelIsolationPerJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	f := setupRedisFanout(t)
	ctx := context.Background()
	jobA, jobB := uuid.New(), uuid.New()

	chA, cancelA, err := f.Subscribe(ctx, jobA)
	require.NoError(t, err)
	defer cancelA()

	require.NoError(t, f.Publish(ctx, &models.Event{JobID: jobB, Sequence: 1, Type: models.EventWarning}))
	require.NoError(t, f.Publish(ctx, &models.Event{JobID: jobA, Sequence: 1, Type: models.EventWarning}))

	select {
	case got := <-chA:
		assert.Equal(t, jobA, got.JobID, "received another job's event")
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}

	select {
	case got := <-chA:
		t.Fatalf("unexpected extra event: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisFanout_CancelStopsDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	f := setupRedisFanout(t)
	ctx := context.Background()
	jobID := uuid.New()

	ch, cancel, err := f.Subscribe(ctx, jobID)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 5*time.Second, 50*time.Millisecond, "channel should close after cancel")
}

func TestChannelKey(t *testing.T) {
	jobID := uuid.MustParse("6d2c8a3e-0000-0000-0000-000000000001")
	assert.Equal(t, "job:6d2c8a3e-0000-0000-0000-000000000001:events", events.ChannelKey(jobID))
}
