package graph

import (
	"context"
	"testing"
	"time"
)

func day(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func sighting(src, tgt int64, t RelationshipType, filed time.Time, ev EvidenceRef) *Relationship {
	return &Relationship{
		SourceEntityID: src,
		TargetEntityID: tgt,
		Type:           t,
		ValidFrom:      filed,
		Evidence:       []EvidenceRef{ev},
		Confidence:     0.9,
		FirstSeenAt:    filed,
		LastSeenAt:     filed,
	}
}

func TestUpsertMergesIntoOpenRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	first, err := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2023, 11, 1),
		EvidenceRef{Accession: "acc-2023", SectionKey: "EX_21", CharStart: 10, CharEnd: 30}))
	if err != nil {
		t.Fatal(err)
	}

	in := sighting(2, 1, RelSubsidiaryOf, day(2024, 11, 1),
		EvidenceRef{Accession: "acc-2024", SectionKey: "EX_21", CharStart: 12, CharEnd: 32})
	in.Confidence = 0.95
	second, err := store.Upsert(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	if second.RelationshipID != first.RelationshipID {
		t.Fatalf("re-sighting created row %d, want merge into %d", second.RelationshipID, first.RelationshipID)
	}
	if len(second.Evidence) != 2 {
		t.Errorf("evidence count = %d, want 2", len(second.Evidence))
	}
	if !second.ValidFrom.Equal(day(2023, 11, 1)) {
		t.Errorf("valid_from = %s, want first sighting kept", second.ValidFrom)
	}
	if !second.LastSeenAt.Equal(day(2024, 11, 1)) {
		t.Errorf("last_seen = %s, want bumped", second.LastSeenAt)
	}
	if second.Confidence != 0.95 {
		t.Errorf("confidence = %v, want max of sightings", second.Confidence)
	}
}

// Reprocessing the same filing must not stack duplicate evidence.
func TestUpsertEvidenceIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()
	ev := EvidenceRef{Accession: "acc-1", SectionKey: "ITEM_1", CharStart: 5, CharEnd: 25}

	if _, err := store.Upsert(ctx, sighting(2, 1, RelCompetitorOf, day(2024, 1, 1), ev)); err != nil {
		t.Fatal(err)
	}
	got, err := store.Upsert(ctx, sighting(2, 1, RelCompetitorOf, day(2024, 1, 1), ev))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Evidence) != 1 {
		t.Errorf("evidence count = %d, want 1", len(got.Evidence))
	}
}

// A closed edge stays closed: the same pair sighted again opens a new
// era instead of reviving the old row.
func TestUpsertAfterCloseOpensNewRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	first, err := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "EX_21"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(ctx, first.RelationshipID, day(2021, 1, 1)); err != nil {
		t.Fatal(err)
	}

	second, err := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2023, 1, 1),
		EvidenceRef{Accession: "b", SectionKey: "EX_21"}))
	if err != nil {
		t.Fatal(err)
	}
	if second.RelationshipID == first.RelationshipID {
		t.Fatal("sighting revived a closed row")
	}
	if !second.ValidFrom.Equal(day(2023, 1, 1)) || second.ValidTo != nil {
		t.Errorf("new era = [%s, %v), want [2023-01-01, nil)", second.ValidFrom, second.ValidTo)
	}

	rels, err := store.Relationships(ctx, RelFilter{EntityID: 1, Type: RelSubsidiaryOf})
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 2 {
		t.Errorf("row count = %d, want both eras kept", len(rels))
	}
}

func TestCloseErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	if err := store.Close(ctx, 99, day(2024, 1, 1)); err == nil {
		t.Error("closing a missing relationship should error")
	}

	r, _ := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "EX_21"}))
	if err := store.Close(ctx, r.RelationshipID, day(2021, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(ctx, r.RelationshipID, day(2022, 1, 1)); err == nil {
		t.Error("double close should error")
	}
}

func TestOpenByTarget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	a, _ := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "EX_21"}))
	b, _ := store.Upsert(ctx, sighting(3, 1, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "EX_21", CharStart: 50}))
	store.Upsert(ctx, sighting(4, 1, RelCompetitorOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "ITEM_1"}))
	store.Upsert(ctx, sighting(5, 9, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "z", SectionKey: "EX_21"}))
	if err := store.Close(ctx, b.RelationshipID, day(2021, 1, 1)); err != nil {
		t.Fatal(err)
	}

	open, err := store.OpenByTarget(ctx, 1, RelSubsidiaryOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].RelationshipID != a.RelationshipID {
		t.Fatalf("open = %+v, want only the unclosed subsidiary of entity 1", open)
	}
}

func TestRelationshipsFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	r, _ := store.Upsert(ctx, sighting(2, 1, RelSubsidiaryOf, day(2020, 1, 1),
		EvidenceRef{Accession: "a", SectionKey: "EX_21"}))
	store.Close(ctx, r.RelationshipID, day(2022, 1, 1))
	store.Upsert(ctx, sighting(1, 3, RelSupplierTo, day(2021, 6, 1),
		EvidenceRef{Accession: "b", SectionKey: "ITEM_1"}))

	// Either end of the edge matches.
	both, err := store.Relationships(ctx, RelFilter{EntityID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 2 {
		t.Fatalf("entity filter matched %d rows, want 2", len(both))
	}

	// As-of 2021 the closed edge was still valid.
	asOf := day(2021, 7, 1)
	at, err := store.Relationships(ctx, RelFilter{EntityID: 1, AsOf: &asOf})
	if err != nil {
		t.Fatal(err)
	}
	if len(at) != 2 {
		t.Fatalf("as-of 2021 matched %d rows, want 2", len(at))
	}

	// As-of 2023 only the open supplier edge remains.
	later := day(2023, 1, 1)
	now, err := store.Relationships(ctx, RelFilter{EntityID: 1, AsOf: &later})
	if err != nil {
		t.Fatal(err)
	}
	if len(now) != 1 || now[0].Type != RelSupplierTo {
		t.Fatalf("as-of 2023 = %+v, want just the supplier edge", now)
	}

	openOnly, err := store.Relationships(ctx, RelFilter{EntityID: 1, OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(openOnly) != 1 {
		t.Fatalf("open-only matched %d rows, want 1", len(openOnly))
	}
}

func TestEventsFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGraph()

	for _, ev := range []Event{
		{EventID: "e1", EntityID: 1, Type: EventResults, OccurredAt: day(2024, 2, 1), Accession: "a"},
		{EventID: "e2", EntityID: 1, Type: EventExecutiveChange, OccurredAt: day(2024, 5, 1), Accession: "b"},
		{EventID: "e3", EntityID: 2, Type: EventResults, OccurredAt: day(2024, 3, 1), Accession: "c"},
	} {
		cp := ev
		if err := store.InsertEvent(ctx, &cp); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Events(ctx, EventFilter{EntityID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entity filter matched %d events, want 2", len(got))
	}
	if got[0].EventID != "e2" {
		t.Errorf("events not newest first: %+v", got)
	}

	typed, err := store.Events(ctx, EventFilter{EntityID: 1, Type: EventResults})
	if err != nil {
		t.Fatal(err)
	}
	if len(typed) != 1 || typed[0].EventID != "e1" {
		t.Fatalf("type filter = %+v", typed)
	}
}
