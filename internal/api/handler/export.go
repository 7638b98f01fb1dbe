package handler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yassine700/bizscout/internal/api/response"
	"github.com/yassine700/bizscout/internal/store"
)

// NewExportHandler returns the handler for GET /api/v1/jobs/{jobID}/export:
// all deduplicated results for the job as a CSV download.
func NewExportHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		businesses, err := svc.Results(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load results", nil)
			return
		}
		if len(businesses) == 0 {
			response.Error(w, http.StatusNotFound, "NO_RESULTS", "No results found for this job", nil)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "businesses_"+jobID.String()+".csv"))

		rows := make([][]string, 0, len(businesses)+1)
		rows = append(rows, []string{"name", "website", "city", "source", "page", "discovered_at"})
		for _, b := range businesses {
			rows = append(rows, []string{
				b.Name,
				b.Website,
				b.City,
				b.Source,
				strconv.Itoa(b.Page),
				b.DiscoveredAt.UTC().Format(time.RFC3339),
			})
		}
		// Headers are already sent, so a write failure here means a
		// truncated download; log it so it is observable.
		if err := csv.NewWriter(w).WriteAll(rows); err != nil {
			slog.Warn("csv export interrupted",
				"job_id", jobID, "rows", len(rows), "error", err)
		}
	}
}
