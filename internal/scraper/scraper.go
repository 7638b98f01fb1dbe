// Package scraper defines the contract between the orchestrator and the
// source-specific extraction routines, plus the registry that maps source
// identifiers to implementations.
package scraper

import (
	"context"

	"github.com/google/uuid"
)

// Result is one business discovered by a scraper.
type Result struct {
	Name    string
	Website string
	Page    int
}

// Progress is an intermediate checkpoint report, typically once per page.
type Progress struct {
	Page    int
	Found   int
	Message string
}

// Hooks is how a running scraper reports back. Implementations are supplied
// by the orchestrator; scrapers never touch storage directly.
type Hooks interface {
	// OnResult reports one discovered business. Dedup and event emission
	// happen behind this call.
	OnResult(ctx context.Context, r Result) error
	// OnProgress reports pagination progress; the orchestrator persists it
	// so a re-dispatched task can resume mid-pagination.
	OnProgress(ctx context.Context, p Progress) error
}

// Request carries everything one execution needs. Per-job secrets travel
// here explicitly, scoped to the single execution — never through process
// environment, which would leak across concurrently running jobs.
type Request struct {
	JobID       uuid.UUID
	ExecutionID uuid.UUID
	Keyword     string
	City        string
	Source      string
	// StartPage is the page after the last one a previous execution
	// completed; 0 means start from the beginning.
	StartPage int
	// ProxyAPIKey is the per-job proxy credential, if any.
	ProxyAPIKey string
}

// Scraper is one source-specific extraction routine. The context is the
// abort handle: implementations must check ctx between pages and return
// promptly once it is cancelled, after flushing results already discovered.
//
// Return value contract: nil means the unit of work succeeded; an error
// wrapping context.Canceled means it was aborted cooperatively; any other
// error marks the task failed and eligible for resume.
type Scraper interface {
	Scrape(ctx context.Context, req Request, hooks Hooks) error
}
