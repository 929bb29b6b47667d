package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Store is the persistence surface the builder and the read API need.
type Store interface {
	// Upsert merges one sighting into the graph. An open row with the
	// same (source, target, type) absorbs it: evidence appends,
	// last_seen advances, confidence keeps the max. With no open row
	// the sighting starts a new one, so a subsidiary relisted after a
	// closure opens a fresh era rather than reviving the old row.
	// Returns the stored row.
	Upsert(ctx context.Context, rel *Relationship) (*Relationship, error)

	// OpenByTarget lists open relationships of one type pointing at an
	// entity. The builder uses it to find subsidiary edges a new
	// exhibit no longer supports.
	OpenByTarget(ctx context.Context, targetID int64, t RelationshipType) ([]Relationship, error)

	// Close ends a relationship's validity at the given time.
	Close(ctx context.Context, relationshipID int64, at time.Time) error

	// InsertEvent stores one filing event.
	InsertEvent(ctx context.Context, ev *Event) error

	// Relationships lists edges touching an entity, newest first.
	Relationships(ctx context.Context, f RelFilter) ([]Relationship, error)

	// Events lists events for an entity, newest first.
	Events(ctx context.Context, f EventFilter) ([]Event, error)
}

// RelFilter narrows Relationships. EntityID matches either end.
type RelFilter struct {
	EntityID int64
	Type     RelationshipType
	AsOf     *time.Time
	OpenOnly bool
	Limit    int
}

// EventFilter narrows Events.
type EventFilter struct {
	EntityID int64
	Type     EventType
	Limit    int
}

// ==================================================================
// In-memory store
// ==================================================================

// MemoryGraph keeps the whole graph under one mutex. It backs tests
// and small runs; the Postgres store carries production.
type MemoryGraph struct {
	mu     sync.Mutex
	rels   map[int64]*Relationship
	byKey  map[RelKey][]int64
	events []*Event
	nextID int64
}

// NewMemoryGraph returns an empty in-memory graph store.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		rels:  make(map[int64]*Relationship),
		byKey: make(map[RelKey][]int64),
	}
}

func (m *MemoryGraph) Upsert(_ context.Context, rel *Relationship) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.byKey[rel.Key()] {
		cur := m.rels[id]
		if cur.ValidTo != nil {
			continue
		}
		MergeSighting(cur, rel)
		return cloneRel(cur), nil
	}

	m.nextID++
	stored := cloneRel(rel)
	stored.RelationshipID = m.nextID
	m.rels[stored.RelationshipID] = stored
	m.byKey[rel.Key()] = append(m.byKey[rel.Key()], stored.RelationshipID)
	return cloneRel(stored), nil
}

func (m *MemoryGraph) OpenByTarget(_ context.Context, targetID int64, t RelationshipType) ([]Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Relationship
	for _, r := range m.rels {
		if r.TargetEntityID == targetID && r.Type == t && r.ValidTo == nil {
			out = append(out, *cloneRel(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelationshipID < out[j].RelationshipID })
	return out, nil
}

func (m *MemoryGraph) Close(_ context.Context, relationshipID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rels[relationshipID]
	if !ok {
		return eris.Errorf("graph: relationship %d not found", relationshipID)
	}
	if r.ValidTo != nil {
		return eris.Errorf("graph: relationship %d already closed", relationshipID)
	}
	end := at
	r.ValidTo = &end
	return nil
}

func (m *MemoryGraph) InsertEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryGraph) Relationships(_ context.Context, f RelFilter) ([]Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Relationship
	for _, r := range m.rels {
		if f.EntityID != 0 && r.SourceEntityID != f.EntityID && r.TargetEntityID != f.EntityID {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.OpenOnly && r.ValidTo != nil {
			continue
		}
		if f.AsOf != nil && !coversAt(r, *f.AsOf) {
			continue
		}
		out = append(out, *cloneRel(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].RelationshipID > out[j].RelationshipID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryGraph) Events(_ context.Context, f EventFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if f.EntityID != 0 && ev.EntityID != f.EntityID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MergeSighting folds a new sighting into an existing open row. The
// row's ValidFrom keeps the first assertion; evidence already recorded
// for the same span does not append twice, so reprocessing a filing is
// idempotent. Both store implementations merge through this one policy.
func MergeSighting(cur, in *Relationship) {
	for _, ev := range in.Evidence {
		if !hasEvidence(cur.Evidence, ev) {
			cur.Evidence = append(cur.Evidence, ev)
		}
	}
	if in.LastSeenAt.After(cur.LastSeenAt) {
		cur.LastSeenAt = in.LastSeenAt
	}
	if in.Confidence > cur.Confidence {
		cur.Confidence = in.Confidence
	}
	if in.IsSignificant {
		cur.IsSignificant = true
	}
}

func hasEvidence(evs []EvidenceRef, ev EvidenceRef) bool {
	for _, e := range evs {
		if e.Accession == ev.Accession && e.SectionKey == ev.SectionKey &&
			e.CharStart == ev.CharStart && e.CharEnd == ev.CharEnd {
			return true
		}
	}
	return false
}

func coversAt(r *Relationship, t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || t.Before(*r.ValidTo)
}

func cloneRel(r *Relationship) *Relationship {
	cp := *r
	cp.Evidence = append([]EvidenceRef(nil), r.Evidence...)
	if r.ValidTo != nil {
		end := *r.ValidTo
		cp.ValidTo = &end
	}
	return &cp
}
