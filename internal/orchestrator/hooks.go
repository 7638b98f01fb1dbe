package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yassine700/bizscout/internal/scraper"
	"github.com/yassine700/bizscout/pkg/models"
)

// execHooks translates one execution's scraper callbacks into store writes
// and event log entries. Scrapers never touch the store directly.
//
// Writes run on a detached context: a scraper flushing results it found
// before observing an abort must not lose them to the cancelled context.
type execHooks struct {
	svc    *Service
	jobID  uuid.UUID
	city   string
	source string

	// saved counts rows actually inserted (duplicates excluded). Hooks are
	// invoked sequentially by a single execution, so no lock is needed.
	saved int
}

var _ scraper.Hooks = (*execHooks)(nil)

func (h *execHooks) OnResult(ctx context.Context, r scraper.Result) error {
	ctx = context.WithoutCancel(ctx)

	inserted, err := h.svc.store.SaveBusiness(ctx, &models.Business{
		JobID:        h.jobID,
		Name:         r.Name,
		Website:      r.Website,
		City:         h.city,
		Source:       h.source,
		Page:         r.Page,
		DiscoveredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if inserted {
		h.saved++
	}

	eventType := models.EventResultFound
	if !inserted {
		eventType = models.EventResultDuplicate
	}
	_, err = h.svc.emitter.Emit(ctx, h.jobID, eventType, map[string]any{
		"name":      r.Name,
		"website":   r.Website,
		"city":      h.city,
		"source":    h.source,
		"page":      r.Page,
		"duplicate": !inserted,
	})
	return err
}

func (h *execHooks) OnProgress(ctx context.Context, p scraper.Progress) error {
	ctx = context.WithoutCancel(ctx)

	if err := h.svc.store.SaveScrapeProgress(ctx, h.jobID, h.city, p.Page); err != nil {
		return err
	}
	_, err := h.svc.emitter.Emit(ctx, h.jobID, models.EventTaskProgress, map[string]any{
		"city":    h.city,
		"source":  h.source,
		"page":    p.Page,
		"found":   p.Found,
		"message": p.Message,
	})
	return err
}
