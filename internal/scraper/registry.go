package scraper

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps source identifiers to Scraper implementations. Adding a new
// source is a Register call at wiring time; the dispatcher never branches on
// source names.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

// Register binds a scraper to a source identifier, replacing any previous
// binding.
func (r *Registry) Register(source string, s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[source] = s
}

// Lookup returns the scraper for a source identifier.
func (r *Registry) Lookup(source string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[source]
	if !ok {
		return nil, fmt.Errorf("no scraper registered for source %q", source)
	}
	return s, nil
}

// Sources returns the registered source identifiers, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scrapers))
	for s := range r.scrapers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether a source identifier has a registered scraper.
func (r *Registry) Supported(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scrapers[source]
	return ok
}
