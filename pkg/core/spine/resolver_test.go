package spine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y, m, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

// seedListed creates an entity with one security, one listing on the
// exchange, and optionally a ticker claim over [from, to).
func seedListed(t *testing.T, st *MemoryStore, name, exchange, ticker string, from time.Time, to *time.Time) int64 {
	t.Helper()
	ctx := context.Background()

	e := &Entity{
		EntityType:   TypeCompanyPublic,
		PrimaryName:  name,
		SourceSystem: "sec",
		SourceID:     name,
		Status:       StatusActive,
		CreatedAt:    from,
		UpdatedAt:    from,
	}
	if err := st.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity(%s): %v", name, err)
	}
	if err := st.AddVersion(ctx, &EntityVersion{
		EntityID: e.EntityID, Name: name, EntityType: TypeCompanyPublic, ValidFrom: from,
	}); err != nil {
		t.Fatalf("AddVersion(%s): %v", name, err)
	}

	sec := &Security{EntityID: e.EntityID, Kind: "COMMON"}
	if err := st.CreateSecurity(ctx, sec); err != nil {
		t.Fatalf("CreateSecurity(%s): %v", name, err)
	}
	lst := &Listing{SecurityID: sec.SecurityID, Exchange: exchange}
	if err := st.CreateListing(ctx, lst); err != nil {
		t.Fatalf("CreateListing(%s): %v", name, err)
	}

	if ticker != "" {
		if err := st.AddClaim(ctx, &IdentifierClaim{
			OwnerLevel: LevelListing,
			OwnerID:    lst.ListingID,
			Scheme:     SchemeTicker,
			Value:      ticker,
			ValidFrom:  from,
			ValidTo:    to,
			Status:     ClaimActive,
			Source:     "sec",
			Confidence: 1,
		}); err != nil {
			t.Fatalf("AddClaim(%s): %v", ticker, err)
		}
	}
	return e.EntityID
}

func hasWarning(res Resolution, w Warning) bool {
	for _, got := range res.Warnings {
		if got == w {
			return true
		}
	}
	return false
}

func TestResolveTickerReuse(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	alpha := seedListed(t, st, "Alpha Industries, Inc.", "NYSE", "XYZ", date(2005, 1, 1), datePtr(2018, 6, 30))
	beta := seedListed(t, st, "Beta Works, Inc.", "NASDAQ", "XYZ", date(2020, 3, 15), nil)
	r := NewResolver(st, ResolverOptions{})

	tests := []struct {
		name     string
		asOf     time.Time
		want     int64
		wantWarn Warning
	}{
		{"first holder era", date(2010, 1, 1), alpha, ""},
		{"second holder era", date(2022, 1, 1), beta, ""},
		{"gap between holders", date(2019, 1, 1), 0, WarnNoActiveClaim},
		{"closing day is outside the window", date(2018, 6, 30), 0, WarnNoActiveClaim},
		{"opening day is inside the window", date(2020, 3, 15), beta, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, Candidate{Text: "XYZ"}, FilingContext{}, tt.asOf)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.EntityID != tt.want {
				t.Fatalf("entity = %d, want %d (res %+v)", res.EntityID, tt.want, res)
			}
			if tt.want != 0 {
				if res.Method != MethodExact || res.Confidence != 1.0 {
					t.Errorf("method %s confidence %v, want EXACT 1.0", res.Method, res.Confidence)
				}
			} else {
				if res.Method != MethodUnresolved {
					t.Errorf("method = %s, want UNRESOLVED", res.Method)
				}
				if !hasWarning(res, tt.wantWarn) {
					t.Errorf("warnings %v missing %s", res.Warnings, tt.wantWarn)
				}
			}
		})
	}
}

func TestResolveCIK(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	apple := seedListed(t, st, "Apple Inc.", "NASDAQ", "AAPL", date(1980, 12, 12), nil)
	if err := st.AddClaim(ctx, &IdentifierClaim{
		OwnerLevel: LevelEntity,
		OwnerID:    apple,
		Scheme:     SchemeCIK,
		Value:      "0000320193",
		ValidFrom:  date(1994, 1, 1),
		Status:     ClaimActive,
		Source:     "sec",
		Confidence: 1,
	}); err != nil {
		t.Fatalf("AddClaim: %v", err)
	}
	r := NewResolver(st, ResolverOptions{})

	for _, text := range []string{"0000320193", "320193"} {
		res, err := r.Resolve(ctx, Candidate{Text: text}, FilingContext{}, date(2024, 1, 1))
		if err != nil {
			t.Fatalf("Resolve(%q): %v", text, err)
		}
		if res.EntityID != apple || res.Method != MethodExact || res.Confidence != 1.0 {
			t.Errorf("Resolve(%q) = %+v, want apple via EXACT", text, res)
		}
	}
}

func TestResolveExactNameCurrentAndHistorical(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	meta := seedListed(t, st, "Facebook, Inc.", "NASDAQ", "", date(2012, 5, 18), nil)

	// Rename: close the founding version, open the current one.
	if err := st.CloseVersion(ctx, meta, date(2021, 10, 28)); err != nil {
		t.Fatalf("CloseVersion: %v", err)
	}
	if err := st.AddVersion(ctx, &EntityVersion{
		EntityID: meta, Name: "Meta Platforms, Inc.", EntityType: TypeCompanyPublic, ValidFrom: date(2021, 10, 28),
	}); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}
	e, err := st.Entity(ctx, meta)
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	e.PrimaryName = "Meta Platforms, Inc."
	if err := st.UpdateEntity(ctx, e); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}

	r := NewResolver(st, ResolverOptions{})
	for _, text := range []string{"Meta Platforms, Inc.", "Meta Platforms", "Facebook, Inc."} {
		res, err := r.Resolve(ctx, Candidate{Text: text}, FilingContext{}, date(2024, 1, 1))
		if err != nil {
			t.Fatalf("Resolve(%q): %v", text, err)
		}
		if res.EntityID != meta || res.Method != MethodExact {
			t.Errorf("Resolve(%q) = %+v, want entity %d via EXACT", text, res, meta)
		}
	}
}

func TestResolveExactNameAmbiguous(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedListed(t, st, "Apex Partners, Inc.", "NYSE", "", date(2000, 1, 1), nil)
	seedListed(t, st, "Apex Partners, LLC", "NASDAQ", "", date(2003, 1, 1), nil)
	r := NewResolver(st, ResolverOptions{})

	res, err := r.Resolve(ctx, Candidate{Text: "Apex Partners"}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Method != MethodUnresolved || res.EntityID != 0 {
		t.Fatalf("res = %+v, want unresolved", res)
	}
	if !hasWarning(res, WarnAmbiguous) {
		t.Errorf("warnings %v missing AMBIGUOUS", res.Warnings)
	}
}

func TestResolveAlias(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	ibm := seedListed(t, st, "International Business Machines Corporation", "NYSE", "", date(1990, 1, 1), nil)
	if err := st.AddAlias(ctx, Alias{EntityID: ibm, Alias: "Big Blue", Kind: AliasDBA, Confidence: 0.92}); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	if err := st.AddAlias(ctx, Alias{EntityID: ibm, Alias: "IBM", Kind: AliasShortName, Confidence: 0.50}); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	r := NewResolver(st, ResolverOptions{})

	res, err := r.Resolve(ctx, Candidate{Text: "Big Blue"}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != ibm || res.Method != MethodAlias || res.Confidence != 0.92 {
		t.Fatalf("res = %+v, want ibm via ALIAS at 0.92", res)
	}

	// A ticker-shaped span with no claim falls through to the alias rung,
	// and a low alias confidence is lifted to the bottom of the band.
	res, err = r.Resolve(ctx, Candidate{Text: "IBM"}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != ibm || res.Method != MethodAlias {
		t.Fatalf("res = %+v, want ibm via ALIAS", res)
	}
	if res.Confidence != 0.90 {
		t.Errorf("confidence = %v, want clamp to 0.90", res.Confidence)
	}
}

func TestResolveFuzzy(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	micron := seedListed(t, st, "Micron Technology, Inc.", "NASDAQ", "", date(1984, 6, 1), nil)
	seedListed(t, st, "Intel Corporation", "NASDAQ", "", date(1971, 10, 13), nil)

	cache := NewNameCache()
	if err := cache.Refresh(ctx, st, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r := NewResolver(st, ResolverOptions{Cache: cache})

	res, err := r.Resolve(ctx, Candidate{Text: "Micron Technolgy, Inc."}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != micron || res.Method != MethodFuzzy {
		t.Fatalf("res = %+v, want micron via FUZZY", res)
	}
	if res.Confidence < DefaultFuzzyThreshold || res.Confidence >= 1.0 {
		t.Errorf("confidence = %v, want [threshold, 1)", res.Confidence)
	}

	// Nothing close enough: fall through to unresolved without AMBIGUOUS.
	res, err = r.Resolve(ctx, Candidate{Text: "Zenith Radio Corporation"}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Method != MethodUnresolved || hasWarning(res, WarnAmbiguous) {
		t.Fatalf("res = %+v, want plain unresolved", res)
	}
}

func TestResolveFuzzyAmbiguous(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedListed(t, st, "Acme Industries, Inc.", "NYSE", "", date(2000, 1, 1), nil)
	seedListed(t, st, "Acme Industrial Corp.", "NASDAQ", "", date(2001, 1, 1), nil)

	cache := NewNameCache()
	if err := cache.Refresh(ctx, st, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r := NewResolver(st, ResolverOptions{Cache: cache})

	res, err := r.Resolve(ctx, Candidate{Text: "Acme Industria"}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Method != MethodUnresolved || res.EntityID != 0 {
		t.Fatalf("res = %+v, want unresolved", res)
	}
	if !hasWarning(res, WarnAmbiguous) {
		t.Errorf("warnings %v missing AMBIGUOUS", res.Warnings)
	}
}

func TestResolveTickerCollisionPrefersExchange(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	otc := seedListed(t, st, "Dual OTC Corp.", "OTC", "DUAL", date(2010, 1, 1), nil)
	nyse := seedListed(t, st, "Dual NYSE Corp.", "NYSE", "DUAL", date(2010, 1, 1), nil)

	sink := validate.NewMemorySink()
	rec := validate.NewRecorder(validate.RecorderOptions{Sink: sink})
	r := NewResolver(st, ResolverOptions{Recorder: rec})

	res, err := r.Resolve(ctx, Candidate{Text: "DUAL"}, FilingContext{}, date(2020, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != nyse {
		t.Fatalf("entity = %d, want NYSE holder %d over OTC holder %d", res.EntityID, nyse, otc)
	}

	events, err := sink.ListEvents(ctx, validate.EventFilter{Kind: validate.KindClaimConflict})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("claim conflict events = %d, want 1", len(events))
	}
}

func TestResolveFollowsRedirects(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	legacy := seedListed(t, st, "Legacy Holdings Corp.", "NYSE", "", date(1995, 1, 1), nil)
	mid := seedListed(t, st, "Midstream Industries, Inc.", "NYSE", "", date(2001, 1, 1), nil)
	canon := seedListed(t, st, "Canonical Group, Inc.", "NYSE", "", date(2005, 1, 1), nil)
	if err := st.SetRedirect(ctx, legacy, mid); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}
	if err := st.SetRedirect(ctx, mid, canon); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}
	r := NewResolver(st, ResolverOptions{})

	res, err := r.Resolve(ctx, Candidate{Text: "Legacy Holdings Corp."}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != canon {
		t.Fatalf("entity = %d, want canonical %d", res.EntityID, canon)
	}
	if res.Method != MethodExact {
		t.Errorf("method = %s, want EXACT", res.Method)
	}
}

func TestRedirectCycleRecorded(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	a := seedListed(t, st, "Ouro Corp.", "NYSE", "", date(2000, 1, 1), nil)
	b := seedListed(t, st, "Boros Inc.", "NYSE", "", date(2000, 1, 1), nil)
	if err := st.SetRedirect(ctx, a, b); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}
	if err := st.SetRedirect(ctx, b, a); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}

	sink := validate.NewMemorySink()
	rec := validate.NewRecorder(validate.RecorderOptions{Sink: sink})
	r := NewResolver(st, ResolverOptions{Recorder: rec})

	res, err := r.Resolve(ctx, Candidate{Text: "Ouro Corp."}, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID == 0 {
		t.Fatalf("res = %+v, want the walk to stop on a real entity", res)
	}

	events, err := sink.ListEvents(ctx, validate.EventFilter{Kind: validate.KindRedirectCycle})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no redirect cycle event recorded")
	}
}

type currentOnlyStore struct{ *MemoryStore }

func (currentOnlyStore) SupportsAsOf() bool { return false }

func TestResolveAsOfIgnored(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedListed(t, st, "Alpha Industries, Inc.", "NYSE", "XYZ", date(2005, 1, 1), datePtr(2018, 6, 30))
	beta := seedListed(t, st, "Beta Works, Inc.", "NASDAQ", "XYZ", date(2020, 3, 15), nil)
	r := NewResolver(currentOnlyStore{st}, ResolverOptions{})

	// The store only knows current state, so even a 2010 as-of lands on
	// the present holder, flagged.
	res, err := r.Resolve(ctx, Candidate{Text: "XYZ"}, FilingContext{}, date(2010, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.EntityID != beta {
		t.Fatalf("entity = %d, want current holder %d", res.EntityID, beta)
	}
	if !hasWarning(res, WarnAsOfIgnored) {
		t.Errorf("warnings %v missing AS_OF_IGNORED", res.Warnings)
	}
}

func TestResolveDeterministic(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedListed(t, st, "Micron Technology, Inc.", "NASDAQ", "MU", date(1984, 6, 1), nil)
	cache := NewNameCache()
	if err := cache.Refresh(ctx, st, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r := NewResolver(st, ResolverOptions{Cache: cache})

	cand := Candidate{Text: "Micron Technology"}
	first, err := r.Resolve(ctx, cand, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(ctx, cand, FilingContext{}, date(2024, 1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same snapshot, different answers: %+v vs %+v", first, second)
	}
}

func TestResolveEmptyText(t *testing.T) {
	r := NewResolver(NewMemoryStore(), ResolverOptions{})
	res, err := r.Resolve(context.Background(), Candidate{Text: "   "}, FilingContext{}, time.Time{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Method != MethodUnresolved {
		t.Errorf("res = %+v, want unresolved", res)
	}
}
