package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/yassine700/bizscout/internal/api/response"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

// EventSubscriber is the gateway surface the stream handler depends on.
type EventSubscriber interface {
	Subscribe(ctx context.Context, jobID uuid.UUID, since int64) (<-chan *models.Event, func(), error)
}

// NewStreamHandler returns the handler for GET /api/v1/jobs/{jobID}/events.
//
// The response is a server-sent event stream. Each frame carries the event's
// sequence as its SSE id, so a client can persist its high-water mark and
// reconnect with ?since=<seq> (or the standard Last-Event-ID header) to
// replay exactly what it missed.
func NewStreamHandler(gw EventSubscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		since, err := sinceParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported", nil)
			return
		}

		eventsCh, cancel, err := gw.Subscribe(r.Context(), jobID, since)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to subscribe", nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for evt := range eventsCh {
			data, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Type, data)
			flusher.Flush()
		}
	}
}

// sinceParam resolves the replay start: the since query parameter wins,
// falling back to the SSE Last-Event-ID header, then 0 (full replay).
func sinceParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, fmt.Errorf("since must be a non-negative integer")
	}
	return since, nil
}
