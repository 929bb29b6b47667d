package mentions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

func spanMention(acc, section, text string, start int, seen time.Time) Mention {
	return Mention{
		MentionID:  uuid.NewString(),
		EntityText: text,
		TypeHint:   HintCompany,
		SourceLocation: SourceLocation{
			AccessionNumber: acc,
			SectionKey:      section,
			CharStart:       start,
			CharEnd:         start + len(text),
			SentenceText:    "We rely on " + text + ".",
		},
		Extraction: Extraction{Method: MethodDictionary, Confidence: 0.95, ExtractedAt: seen},
		Temporal: Temporal{
			FirstSeenAt:     seen,
			FirstSeenFiling: acc,
			LastSeenAt:      seen,
			LastSeenFiling:  acc,
			OccurrenceCount: 1,
			IsNew:           true,
		},
	}
}

func TestReconcileSectionFirstPass(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	acc := "0000320193-24-000081"
	seen := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)

	stats, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{
		spanMention(acc, "ITEM_1A", "TSMC", 45011, seen),
		spanMention(acc, "ITEM_1A", "Samsung", 45300, seen),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats != (ReconcileStats{New: 2}) {
		t.Errorf("stats = %+v, want 2 new", stats)
	}

	got, err := st.MentionsByAccession(ctx, acc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d mentions, want 2", len(got))
	}
	if got[0].EntityText != "TSMC" || got[1].EntityText != "Samsung" {
		t.Errorf("not ordered by char start: %q, %q", got[0].EntityText, got[1].EntityText)
	}

	open, err := st.Unresolved(ctx, acc)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("%d unresolved, want 2", len(open))
	}
}

func TestReconcileResightKeepsIdentity(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	acc := "0000320193-24-000081"
	first := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)

	m := spanMention(acc, "ITEM_1A", "TSMC", 45011, first)
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{m}); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := st.SetResolution(ctx, m.MentionID, Resolution{
		ResolvedEntityID: 7, ResolutionMethod: "EXACT", ResolutionConfidence: 1,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	later := first.Add(48 * time.Hour)
	stats, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{
		spanMention(acc, "ITEM_1A", "TSMC", 45011, later),
	})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats != (ReconcileStats{Resighted: 1}) {
		t.Errorf("stats = %+v, want 1 resighted", stats)
	}

	got, err := st.Mention(ctx, m.MentionID)
	if err != nil {
		t.Fatalf("get by original id: %v", err)
	}
	tm := got.Temporal
	if tm.OccurrenceCount != 2 || tm.IsNew || !tm.LastSeenAt.Equal(later) {
		t.Errorf("temporal = %+v", tm)
	}
	if !tm.FirstSeenAt.Equal(first) {
		t.Errorf("first seen moved to %v", tm.FirstSeenAt)
	}
	if got.Resolution == nil || got.Resolution.ResolvedEntityID != 7 {
		t.Errorf("unchanged text lost its resolution: %+v", got.Resolution)
	}
}

func TestReconcileTextChangeInvalidatesResolution(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	acc := "0000320193-24-000081"
	first := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)

	m := spanMention(acc, "ITEM_1A", "Taiwan Semiconductor", 45011, first)
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{m}); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := st.SetResolution(ctx, m.MentionID, Resolution{
		ResolvedEntityID: 7, ResolutionMethod: "EXACT", ResolutionConfidence: 1,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Same span, revised text, as a re-fetched document edit produces.
	changed := spanMention(acc, "ITEM_1A", "TAIWAN SEMICONDUCTOR", 45011, first.Add(time.Hour))
	stats, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{changed})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats != (ReconcileStats{Modified: 1}) {
		t.Errorf("stats = %+v, want 1 modified", stats)
	}

	got, err := st.Mention(ctx, m.MentionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EntityText != "TAIWAN SEMICONDUCTOR" || !got.Temporal.WasModified || got.Temporal.PriorText != "Taiwan Semiconductor" {
		t.Errorf("modified span = %q, temporal %+v", got.EntityText, got.Temporal)
	}
	if got.Resolution != nil {
		t.Errorf("stale resolution survived the text change: %+v", got.Resolution)
	}

	open, err := st.Unresolved(ctx, acc)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(open) != 1 || open[0].MentionID != m.MentionID {
		t.Errorf("modified span should need re-resolution, got %d", len(open))
	}
}

func TestReconcileFlagsRemovedSpans(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	acc := "0000320193-24-000081"
	seen := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)

	keep := spanMention(acc, "ITEM_1A", "TSMC", 45011, seen)
	drop := spanMention(acc, "ITEM_1A", "Samsung", 45300, seen)
	other := spanMention(acc, "ITEM_7", "Foxconn", 91000, seen)
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{keep, drop}); err != nil {
		t.Fatalf("seed 1A: %v", err)
	}
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_7", []Mention{other}); err != nil {
		t.Fatalf("seed 7: %v", err)
	}

	stats, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{
		spanMention(acc, "ITEM_1A", "TSMC", 45011, seen.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if stats.Removed != 1 || stats.Resighted != 1 {
		t.Errorf("stats = %+v, want 1 resighted 1 removed", stats)
	}

	got, err := st.Mention(ctx, drop.MentionID)
	if err != nil {
		t.Fatalf("get dropped: %v", err)
	}
	if !got.Temporal.IsRemoved {
		t.Error("vanished span not flagged removed")
	}
	if other2, _ := st.Mention(ctx, other.MentionID); other2.Temporal.IsRemoved {
		t.Error("reconcile of ITEM_1A touched ITEM_7")
	}

	// A span that comes back is live again.
	stats, err = st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{
		spanMention(acc, "ITEM_1A", "TSMC", 45011, seen.Add(2*time.Hour)),
		spanMention(acc, "ITEM_1A", "Samsung", 45300, seen.Add(2*time.Hour)),
	})
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if stats.Resighted != 2 || stats.Removed != 0 {
		t.Errorf("stats = %+v, want 2 resighted", stats)
	}
	got, _ = st.Mention(ctx, drop.MentionID)
	if got.Temporal.IsRemoved {
		t.Error("returned span still flagged removed")
	}
}

func TestMentionsByEntity(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	acc := "0000320193-24-000081"
	seen := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)

	a := spanMention(acc, "ITEM_1A", "TSMC", 45011, seen)
	b := spanMention(acc, "ITEM_7", "TSMC", 91000, seen.Add(time.Hour))
	c := spanMention(acc, "ITEM_1A", "Samsung", 45300, seen)
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_1A", []Mention{a, c}); err != nil {
		t.Fatalf("seed 1A: %v", err)
	}
	if _, err := st.ReconcileSection(ctx, acc, "ITEM_7", []Mention{b}); err != nil {
		t.Fatalf("seed 7: %v", err)
	}
	for id, res := range map[string]Resolution{
		a.MentionID: {ResolvedEntityID: 7, ResolutionMethod: "EXACT", ResolutionConfidence: 1},
		b.MentionID: {ResolvedEntityID: 7, ResolutionMethod: "ALIAS", ResolutionConfidence: 0.9},
		c.MentionID: {ResolutionMethod: "UNRESOLVED"},
	} {
		if err := st.SetResolution(ctx, id, res); err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
	}

	got, err := st.MentionsByEntity(ctx, 7, 0)
	if err != nil {
		t.Fatalf("by entity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entity 7 has %d mentions, want 2", len(got))
	}
	if got[0].MentionID != b.MentionID {
		t.Errorf("newest sighting first: got %q", got[0].SourceLocation.SectionKey)
	}

	one, err := st.MentionsByEntity(ctx, 7, 1)
	if err != nil {
		t.Fatalf("limited: %v", err)
	}
	if len(one) != 1 {
		t.Errorf("limit 1 returned %d", len(one))
	}

	none, err := st.MentionsByEntity(ctx, 0, 0)
	if err != nil {
		t.Fatalf("zero entity: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("entity 0 matched %d unresolved mentions", len(none))
	}
}

func TestSetResolutionUnknownMention(t *testing.T) {
	st := NewMemoryStore()
	err := st.SetResolution(context.Background(), uuid.NewString(), Resolution{ResolutionMethod: "EXACT"})
	if !eris.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
