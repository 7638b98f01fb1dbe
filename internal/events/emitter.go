package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

// Emitter appends events durably and then broadcasts them. The append is the
// source of truth: if it fails, the emit fails and no observer ever sees the
// event. Fan-out failure is logged and swallowed — the event is already
// recoverable via replay.
type Emitter struct {
	store  store.Store
	fanout Fanout
	logger *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(s store.Store, f Fanout, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: s, fanout: f, logger: logger}
}

// Emit appends one event to the job's log and publishes it to live
// subscribers. payload must marshal to JSON.
func (e *Emitter) Emit(ctx context.Context, jobID uuid.UUID, eventType string, payload any) (*models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	evt, err := e.store.AppendEvent(ctx, jobID, eventType, raw)
	if err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}

	if pubErr := e.fanout.Publish(ctx, evt); pubErr != nil {
		e.logger.Warn("event fan-out failed, event remains durable",
			"job_id", jobID, "event_type", eventType,
			"sequence", evt.Sequence, "error", pubErr)
	}
	return evt, nil
}
