package spine

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ============================================================================
// Hot name cache
// ============================================================================

// Match is one fuzzy-scored cache hit.
type Match struct {
	EntityID int64
	Name     string
	Score    float64
}

// NameCache is the in-memory name universe the fuzzy rung searches and
// the mention dictionary feeds from. It holds a snapshot, refreshed from
// the store on a schedule rather than kept transactionally current; for
// a fixed snapshot, resolution is deterministic.
type NameCache struct {
	mu     sync.RWMutex
	rows   []cachedName
	seen   map[int64]map[string]bool
	loaded time.Time
}

type cachedName struct {
	entityID int64
	name     string
	norm     string
	etype    EntityType
}

func NewNameCache() *NameCache {
	return &NameCache{seen: make(map[int64]map[string]bool)}
}

// Refresh replaces the snapshot with the store's current primary names.
// A limit of zero loads everything.
func (c *NameCache) Refresh(ctx context.Context, store Store, limit int) error {
	rows, err := store.ListNames(ctx, limit)
	if err != nil {
		return eris.Wrap(err, "spine: refresh name cache")
	}

	next := make([]cachedName, 0, len(rows))
	seen := make(map[int64]map[string]bool, len(rows))
	for _, r := range rows {
		norm := NormalizeName(r.Name)
		if norm == "" {
			continue
		}
		next = append(next, cachedName{entityID: r.EntityID, name: r.Name, norm: norm, etype: r.Type})
		m, ok := seen[r.EntityID]
		if !ok {
			m = make(map[string]bool)
			seen[r.EntityID] = m
		}
		m[norm] = true
	}

	c.mu.Lock()
	c.rows = next
	c.seen = seen
	c.loaded = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Add appends one name without a full refresh, for entities created
// mid-run. Duplicate (entity, name) pairs are ignored.
func (c *NameCache) Add(entityID int64, name string, etype EntityType) {
	norm := NormalizeName(name)
	if norm == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.seen[entityID]
	if !ok {
		m = make(map[string]bool)
		c.seen[entityID] = m
	}
	if m[norm] {
		return
	}
	m[norm] = true
	c.rows = append(c.rows, cachedName{entityID: entityID, name: name, norm: norm, etype: etype})
}

// Len reports how many name rows the snapshot holds.
func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// LoadedAt reports when the snapshot was last refreshed.
func (c *NameCache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Names returns the snapshot rows, for loading a mention dictionary.
func (c *NameCache) Names() []NameRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NameRow, 0, len(c.rows))
	for _, r := range c.rows {
		out = append(out, NameRow{EntityID: r.entityID, Name: r.name, Type: r.etype})
	}
	return out
}

// Closest scores a normalized probe against the snapshot and returns the
// best and second-best entities. The runner-up is always a different
// entity than the best, so the caller's ambiguity margin compares real
// alternatives, not two spellings of the same company.
func (c *NameCache) Closest(norm string) (best, second Match) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rows {
		score := Similarity(norm, r.norm)
		switch {
		case r.entityID == best.EntityID && best.EntityID != 0:
			if score > best.Score {
				best.Score = score
				best.Name = r.name
			}
		case score > best.Score:
			if best.EntityID != r.entityID {
				second = best
			}
			best = Match{EntityID: r.entityID, Name: r.name, Score: score}
		case score > second.Score && r.entityID != best.EntityID:
			second = Match{EntityID: r.entityID, Name: r.name, Score: score}
		}
	}
	return best, second
}
