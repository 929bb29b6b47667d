package mentions

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

// ErrNotFound is returned when a lookup names a mention id that was
// never stored.
var ErrNotFound = eris.New("mentions: mention not found")

// ReconcileStats reports what one reconcile pass did to a section's
// stored mentions.
type ReconcileStats struct {
	New       int
	Resighted int
	Modified  int
	Removed   int
}

// Store persists mentions keyed by span. A span is identified by
// (accession, section key, char start, char end); re-extracting a
// section reconciles against what is already stored instead of
// duplicating rows.
type Store interface {
	// ReconcileSection folds a fresh extraction of one section into the
	// store. Known spans are re-sighted, spans whose text changed are
	// marked modified, and stored spans absent from fresh are flagged
	// removed.
	ReconcileSection(ctx context.Context, accession, sectionKey string, fresh []Mention) (ReconcileStats, error)

	// MentionsByAccession returns every stored mention for a filing,
	// removed ones included, ordered by section key then char start.
	MentionsByAccession(ctx context.Context, accession string) ([]Mention, error)

	// Unresolved returns the filing's mentions that have no resolution
	// recorded yet, skipping removed spans.
	Unresolved(ctx context.Context, accession string) ([]Mention, error)

	// Mention returns one mention by id.
	Mention(ctx context.Context, mentionID string) (*Mention, error)

	// MentionsByEntity returns mentions resolved to an entity, newest
	// sighting first. limit 0 means no limit.
	MentionsByEntity(ctx context.Context, entityID int64, limit int) ([]Mention, error)

	// SetResolution records the resolver's verdict for a mention.
	SetResolution(ctx context.Context, mentionID string, res Resolution) error
}

// MergeResight folds a fresh extraction of an already-stored span into
// the stored mention. The mention id and first-seen fields survive, the
// last-seen side moves forward, and a text change invalidates the prior
// resolution. Both store implementations merge through this one policy.
func MergeResight(stored, fresh *Mention) {
	if stored.EntityText != fresh.EntityText {
		stored.Temporal.PriorText = stored.EntityText
		stored.Temporal.WasModified = true
		stored.EntityText = fresh.EntityText
		stored.Resolution = nil
	}
	stored.TypeHint = fresh.TypeHint
	stored.SourceLocation = fresh.SourceLocation
	stored.Extraction = fresh.Extraction
	stored.Temporal.LastSeenAt = fresh.Temporal.LastSeenAt
	stored.Temporal.LastSeenFiling = fresh.Temporal.LastSeenFiling
	stored.Temporal.OccurrenceCount++
	stored.Temporal.IsNew = false
	stored.Temporal.IsRemoved = false
}

type spanKey struct {
	section    string
	start, end int
}

// MemoryStore is the in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Mention
	bySpan map[string]map[spanKey]*Mention // accession → span → mention
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Mention),
		bySpan: make(map[string]map[spanKey]*Mention),
	}
}

func (s *MemoryStore) ReconcileSection(ctx context.Context, accession, sectionKey string, fresh []Mention) (ReconcileStats, error) {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	spans := s.bySpan[acc]
	if spans == nil {
		spans = make(map[spanKey]*Mention)
		s.bySpan[acc] = spans
	}

	var stats ReconcileStats
	seen := make(map[spanKey]bool, len(fresh))
	for i := range fresh {
		m := fresh[i]
		m.SourceLocation.AccessionNumber = acc
		m.SourceLocation.SectionKey = sectionKey
		k := spanKey{sectionKey, m.SourceLocation.CharStart, m.SourceLocation.CharEnd}
		seen[k] = true
		if cur, ok := spans[k]; ok {
			if cur.EntityText != m.EntityText {
				stats.Modified++
			} else {
				stats.Resighted++
			}
			MergeResight(cur, &m)
			continue
		}
		cp := m
		spans[k] = &cp
		s.byID[cp.MentionID] = &cp
		stats.New++
	}

	for k, cur := range spans {
		if k.section != sectionKey || seen[k] || cur.Temporal.IsRemoved {
			continue
		}
		cur.Temporal.IsRemoved = true
		stats.Removed++
	}
	return stats, nil
}

func (s *MemoryStore) MentionsByAccession(ctx context.Context, accession string) ([]Mention, error) {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Mention
	for _, m := range s.bySpan[acc] {
		out = append(out, *m)
	}
	sortBySpan(out)
	return out, nil
}

func (s *MemoryStore) Unresolved(ctx context.Context, accession string) ([]Mention, error) {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Mention
	for _, m := range s.bySpan[acc] {
		if m.Resolution != nil || m.Temporal.IsRemoved {
			continue
		}
		out = append(out, *m)
	}
	sortBySpan(out)
	return out, nil
}

func (s *MemoryStore) Mention(ctx context.Context, mentionID string) (*Mention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[mentionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MentionsByEntity(ctx context.Context, entityID int64, limit int) ([]Mention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entityID == 0 {
		return nil, nil
	}

	var out []Mention
	for _, m := range s.byID {
		if m.Resolution == nil || m.Resolution.ResolvedEntityID != entityID {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Temporal.LastSeenAt.Equal(b.Temporal.LastSeenAt) {
			return a.Temporal.LastSeenAt.After(b.Temporal.LastSeenAt)
		}
		return a.MentionID < b.MentionID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetResolution(ctx context.Context, mentionID string, res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[mentionID]
	if !ok {
		return ErrNotFound
	}
	cp := res
	m.Resolution = &cp
	return nil
}

func sortBySpan(ms []Mention) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i].SourceLocation, ms[j].SourceLocation
		if a.SectionKey != b.SectionKey {
			return a.SectionKey < b.SectionKey
		}
		return a.CharStart < b.CharStart
	})
}
