package models

import (
	"time"

	"github.com/google/uuid"
)

// Business is one deduplicated scraped result. The natural key
// (name, website, city, source) is unique within a job; a second discovery
// of the same key is surfaced as a result-duplicate event, not a second row.
type Business struct {
	ID           int64     `db:"id"            json:"-"`
	JobID        uuid.UUID `db:"job_id"        json:"job_id"`
	Name         string    `db:"name"          json:"name"`
	Website      string    `db:"website"       json:"website"`
	City         string    `db:"city"          json:"city"`
	Source       string    `db:"source"        json:"source"`
	Page         int       `db:"page"          json:"page"`
	DiscoveredAt time.Time `db:"discovered_at" json:"discovered_at"`
}
