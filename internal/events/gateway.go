package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

// Gateway hands observers a single ordered stream per job: first the durable
// backlog after their last-seen sequence, then live fan-out, with the
// boundary deduplicated by sequence number.
type Gateway struct {
	store  store.Store
	fanout Fanout
}

// NewGateway creates a Gateway.
func NewGateway(s store.Store, f Fanout) *Gateway {
	return &Gateway{store: s, fanout: f}
}

// Subscribe attaches an observer to a job's event stream starting after
// since. Events arrive on the returned channel in sequence order with no
// gaps up to the live edge and no duplicates across the replay/live
// boundary. The channel closes when ctx is done or cancel is called.
//
// Live fan-out is attached before the replay query runs; messages arriving
// during replay sit in the subscription buffer and are filtered against the
// highest replayed sequence before delivery.
func (g *Gateway) Subscribe(ctx context.Context, jobID uuid.UUID, since int64) (<-chan *models.Event, func(), error) {
	if _, err := g.store.GetJob(ctx, jobID); err != nil {
		return nil, nil, err
	}

	live, cancelLive, err := g.fanout.Subscribe(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("attach live fan-out: %w", err)
	}

	backlog, err := g.store.ListEvents(ctx, jobID, since)
	if err != nil {
		cancelLive()
		return nil, nil, fmt.Errorf("replay events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *models.Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer cancelLive()

		highWater := since
		for _, evt := range backlog {
			select {
			case out <- evt:
				highWater = evt.Sequence
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case evt, ok := <-live:
				if !ok {
					return
				}
				if evt.Sequence <= highWater {
					// Already covered by replay.
					continue
				}
				select {
				case out <- evt:
					highWater = evt.Sequence
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}
