// Package events implements the durable event log emit path, the
// best-effort live fan-out, and the replay/live subscription gateway.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/pkg/models"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing live messages; the durable log remains
// the recovery path.
const subscriberBuffer = 256

// Fanout broadcasts freshly appended events to live subscribers. Delivery is
// best-effort and low-latency: messages may be dropped, and nothing here is
// a durability guarantee — that is the event log's job.
type Fanout interface {
	Publish(ctx context.Context, evt *models.Event) error
	// Subscribe returns a channel of live events for the job and a cancel
	// func that releases the subscription and closes the channel.
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan *models.Event, func(), error)
}

// LocalFanout is an in-process Fanout: a topic map keyed by job ID with
// bounded per-subscriber buffers. Used by tests and single-node runs.
type LocalFanout struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]chan *models.Event
	next int
}

var _ Fanout = (*LocalFanout)(nil)

// NewLocalFanout creates an empty LocalFanout.
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{subs: make(map[uuid.UUID]map[int]chan *models.Event)}
}

func (f *LocalFanout) Publish(_ context.Context, evt *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs[evt.JobID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than block the emit path.
		}
	}
	return nil
}

func (f *LocalFanout) Subscribe(_ context.Context, jobID uuid.UUID) (<-chan *models.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *models.Event, subscriberBuffer)
	if f.subs[jobID] == nil {
		f.subs[jobID] = make(map[int]chan *models.Event)
	}
	id := f.next
	f.next++
	f.subs[jobID][id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[jobID][id]; ok {
			delete(f.subs[jobID], id)
			if len(f.subs[jobID]) == 0 {
				delete(f.subs, jobID)
			}
			close(sub)
		}
	}
	return ch, cancel, nil
}
