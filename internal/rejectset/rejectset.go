// Package rejectset implements the process-wide, in-memory set of
// credential strings guaranteed to be rejected on the frps Ping fast path
// (spec §4.5).
package rejectset

import (
	"sync"
	"time"

	"github.com/firefrp/firefrp/internal/jsonstore"
)

// Set is a concurrency-safe set of access keys due for rejection, each
// timestamped so a periodic prune can bound memory (spec §4.5).
type Set struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// New returns an empty Set.
func New() *Set {
	return &Set{entries: make(map[string]time.Time)}
}

// Add marks key for rejection, timestamped now.
func (s *Set) Add(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.entries[key] = time.Now().UTC()
	s.mu.Unlock()
}

// Contains reports whether key is currently in the reject set. This is the
// authoritative fast-path rejection source for Ping (spec §4.5); a miss
// here still requires the slow-path Store lookup.
func (s *Set) Contains(key string) bool {
	s.mu.RLock()
	_, ok := s.entries[key]
	s.mu.RUnlock()
	return ok
}

// Prune evicts entries older than horizon, bounding memory growth.
func (s *Set) Prune(horizon time.Duration) {
	cutoff := time.Now().UTC().Add(-horizon)
	s.mu.Lock()
	for k, t := range s.entries {
		if t.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// RebuildFromStore walks the store at startup and re-adds keys whose
// terminal status was entered within horizon (spec §4.5, invariant I4).
func RebuildFromStore(s *Set, store *jsonstore.Store, horizon time.Duration) {
	cutoff := time.Now().UTC().Add(-horizon)
	for _, c := range store.Keys.All() {
		if !c.Terminal() {
			continue
		}
		if c.UpdatedAt.Before(cutoff) {
			continue
		}
		s.mu.Lock()
		s.entries[c.Key] = c.UpdatedAt
		s.mu.Unlock()
	}
}

// Len reports the current number of tracked entries, for status reporting.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
