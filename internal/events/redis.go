package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yassine700/bizscout/pkg/models"
)

// ChannelKey returns the pub/sub channel carrying a job's live events.
func ChannelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:events", jobID)
}

// RedisFanout implements Fanout over Redis pub/sub, so events reach
// subscribers attached to any node.
type RedisFanout struct {
	client *redis.Client
}

var _ Fanout = (*RedisFanout)(nil)

// NewRedisFanout creates a RedisFanout from a Redis URL.
func NewRedisFanout(redisURL string) (*RedisFanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisFanout{client: redis.NewClient(opts)}, nil
}

// NewRedisFanoutFromClient wraps an existing client, sharing its connection pool.
func NewRedisFanoutFromClient(client *redis.Client) *RedisFanout {
	return &RedisFanout{client: client}
}

func (f *RedisFanout) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFanout) Close() error {
	return f.client.Close()
}

func (f *RedisFanout) Publish(ctx context.Context, evt *models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, ChannelKey(evt.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (f *RedisFanout) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan *models.Event, func(), error) {
	pubsub := f.client.Subscribe(ctx, ChannelKey(jobID))

	// Force the subscription onto the wire before returning, so callers can
	// replay from the store without a window where live events are missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan *models.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var evt models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("fanout: dropping malformed message",
					"channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- &evt:
			default:
				// Slow subscriber: drop rather than block the reader.
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
