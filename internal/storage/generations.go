package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGenerationTTL bounds how long a rendered snapshot stays addressable.
const DefaultGenerationTTL = time.Minute

// ErrGenerationNotFound is returned for unknown or expired generation IDs.
var ErrGenerationNotFound = errors.New("generation not found")

// Generation is a rendered credits snapshot handed to a display.
type Generation struct {
	ID        string
	JSONData  string
	CreatedAt time.Time
}

// GenerationOption customises a Generations store.
type GenerationOption func(*Generations)

// WithGenerationClock overrides the clock used for timestamps and expiry.
func WithGenerationClock(now func() time.Time) GenerationOption {
	return func(g *Generations) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGenerationIDs overrides the identifier source.
func WithGenerationIDs(newID func() string) GenerationOption {
	return func(g *Generations) {
		if newID != nil {
			g.newID = newID
		}
	}
}

// Generations keeps recently generated snapshots keyed by a random ID.
type Generations struct {
	mu      sync.RWMutex
	entries map[string]Generation
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
}

// NewGenerations constructs a store that expires entries older than ttl.
func NewGenerations(ttl time.Duration, opts ...GenerationOption) *Generations {
	if ttl <= 0 {
		ttl = DefaultGenerationTTL
	}
	g := &Generations{
		entries: make(map[string]Generation),
		ttl:     ttl,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Create stores jsonData under a fresh ID.
func (g *Generations) Create(jsonData string) Generation {
	generation := Generation{
		ID:        g.newID(),
		JSONData:  jsonData,
		CreatedAt: g.now(),
	}
	g.mu.Lock()
	g.entries[generation.ID] = generation
	g.mu.Unlock()
	return generation
}

// Get returns the generation stored under id.
func (g *Generations) Get(id string) (Generation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	generation, ok := g.entries[id]
	if !ok {
		return Generation{}, ErrGenerationNotFound
	}
	return generation, nil
}

// MostRecent returns the newest stored generation.
func (g *Generations) MostRecent() (Generation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var (
		latest Generation
		found  bool
	)
	for _, generation := range g.entries {
		if !found || generation.CreatedAt.After(latest.CreatedAt) {
			latest = generation
			found = true
		}
	}
	return latest, found
}

// Cleanup drops entries older than the TTL and returns how many were removed.
func (g *Generations) Cleanup() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, generation := range g.entries {
		if now.Sub(generation.CreatedAt) > g.ttl {
			delete(g.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored generations.
func (g *Generations) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}
