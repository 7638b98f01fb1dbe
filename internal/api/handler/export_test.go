package handler_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/yassine700/bizscout/internal/api/handler"
	"github.com/yassine700/bizscout/internal/orchestrator"
	"github.com/yassine700/bizscout/pkg/models"
)

// resultsStub serves canned results; the other operations are never hit by
// the export handler.
type resultsStub struct {
	businesses []*models.Business
}

func (s *resultsStub) Submit(context.Context, orchestrator.SubmitRequest) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *resultsStub) Status(context.Context, uuid.UUID) (*orchestrator.JobStatus, error) {
	return nil, errors.New("not implemented")
}

func (s *resultsStub) Tasks(context.Context, uuid.UUID) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
}

func (s *resultsStub) Results(context.Context, uuid.UUID) ([]*models.Business, error) {
	return s.businesses, nil
}

func (s *resultsStub) Pause(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *resultsStub) Resume(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *resultsStub) Kill(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

// brokenWriter fails every body write, like a client that disconnected
// mid-download.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header  { return w.header }
func (w *brokenWriter) WriteHeader(code int) { w.status = code }
func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func exportRequest(jobID uuid.UUID) *http.Request {
	req := httptest.NewRequest("GET", "/api/v1/jobs/"+jobID.String()+"/export", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestExport_LogsInterruptedDownload(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	jobID := uuid.New()
	h := handler.NewExportHandler(&resultsStub{businesses: []*models.Business{{
		JobID:        jobID,
		Name:         "Acme",
		Website:      "https://acme.example",
		City:         "austin",
		Source:       "yellowpages",
		Page:         1,
		DiscoveredAt: time.Now().UTC(),
	}}})

	w := &brokenWriter{header: make(http.Header)}
	h.ServeHTTP(w, exportRequest(jobID))

	assert.Contains(t, buf.String(), "csv export interrupted")
	assert.Contains(t, buf.String(), jobID.String())
}
