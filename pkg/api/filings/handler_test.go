package filings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/filings"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

const (
	appleAccession  = "0000320193-24-000081"
	nvidiaAccession = "0001045810-24-000029"
)

type env struct {
	records *feedspine.MemoryStore
	secs    *sections.MemoryStore
	spine   *spine.MemoryStore
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		records: feedspine.NewMemoryStore(),
		secs:    sections.NewMemoryStore(),
		spine:   spine.NewMemoryStore(),
	}
	r := chi.NewRouter()
	r.Mount("/filings", filings.NewHandler(e.records, e.secs, e.spine).Routes())
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) seedFiling(t *testing.T, accession, cik, form string, filed time.Time) {
	t.Helper()
	err := e.records.UpsertFiling(context.Background(), &feedspine.Filing{
		AccessionNumber: accession,
		FilerCIK:        cik,
		FormType:        form,
		FiledDate:       filed,
	})
	if err != nil {
		t.Fatalf("UpsertFiling: %v", err)
	}
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getProblem(t *testing.T, url string) (int, httperr.Problem) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var p httperr.Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem from %s: %v", url, err)
	}
	return resp.StatusCode, p
}

func TestListFilters(t *testing.T) {
	e := newEnv(t)
	filed := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	e.seedFiling(t, appleAccession, "0000320193", "10-K", filed)
	e.seedFiling(t, "0000320193-24-000123", "0000320193", "8-K", filed.AddDate(0, 1, 0))
	e.seedFiling(t, nvidiaAccession, "0001045810", "10-K", filed.AddDate(0, -8, 0))

	var out models.FilingList
	if code := get(t, e.srv.URL+"/filings?cik=320193&form=10-K", &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Count != 1 || out.Filings[0].Accession != appleAccession {
		t.Errorf("list = %+v", out)
	}

	// Date range keeps only the spring filing.
	get(t, e.srv.URL+"/filings?from=2024-01-01&to=2024-06-30", &out)
	if out.Count != 1 || out.Filings[0].Accession != nvidiaAccession {
		t.Errorf("date-ranged list = %+v", out)
	}

	get(t, e.srv.URL+"/filings", &out)
	if out.Count != 3 {
		t.Errorf("unfiltered count = %d", out.Count)
	}
	// Newest first.
	if out.Filings[0].FormType != "8-K" {
		t.Errorf("order = %+v", out.Filings)
	}
}

func TestListByTicker(t *testing.T) {
	e := newEnv(t)
	filed := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	e.seedFiling(t, appleAccession, "0000320193", "10-K", filed)

	sp := spine.NewSpine(e.spine, spine.SpineOptions{})
	_, err := sp.RegisterAuthoritative(context.Background(), spine.AuthoritativeIdentity{
		CIK:        "320193",
		Name:       "Apple Inc.",
		Tickers:    []spine.TickerListing{{Ticker: "AAPL", Exchange: "NASDAQ"}},
		ObservedAt: filed.AddDate(-1, 0, 0),
	})
	if err != nil {
		t.Fatalf("RegisterAuthoritative: %v", err)
	}

	var out models.FilingList
	if code := get(t, e.srv.URL+"/filings?ticker=aapl", &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Count != 1 || out.Filings[0].CIK != "0000320193" {
		t.Errorf("ticker list = %+v", out)
	}

	// An unknown symbol matches nothing rather than erroring.
	if code := get(t, e.srv.URL+"/filings?ticker=ZZZZ", &out); code != http.StatusOK || out.Count != 0 {
		t.Errorf("unknown ticker: code=%d out=%+v", code, out)
	}

	code, p := getProblem(t, e.srv.URL+"/filings?ticker=AAPL&cik=320193")
	if code != http.StatusBadRequest || p.Code != "invalid_filter" {
		t.Errorf("exclusive filters: code=%d problem=%+v", code, p)
	}
}

func TestListRejectsBadDate(t *testing.T) {
	e := newEnv(t)
	code, p := getProblem(t, e.srv.URL+"/filings?from=November")
	if code != http.StatusBadRequest || p.Code != "invalid_filter" {
		t.Errorf("code=%d problem=%+v", code, p)
	}
}

func TestGetFilingWithSectionIndex(t *testing.T) {
	e := newEnv(t)
	filed := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	e.seedFiling(t, appleAccession, "0000320193", "10-K", filed)

	text := strings.Repeat("Our business designs consumer devices. ", 30)
	err := e.secs.ReplaceSections(context.Background(), appleAccession, []sections.Section{
		{SectionKey: "ITEM_1", Title: "Business", CharStart: 100, CharEnd: 100 + len(text), Text: text, WordCount: 180},
		{SectionKey: "ITEM_1A", Title: "Risk Factors", CharStart: 2000, CharEnd: 2600, Text: strings.Repeat("r", 600)},
	})
	if err != nil {
		t.Fatalf("ReplaceSections: %v", err)
	}

	// Dashless input resolves to the same filing.
	var out models.FilingDetail
	dashless := strings.ReplaceAll(appleAccession, "-", "")
	if code := get(t, e.srv.URL+"/filings/"+dashless, &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Filing.Accession != appleAccession {
		t.Errorf("filing = %+v", out.Filing)
	}
	if len(out.Sections) != 2 || out.Sections[0].SectionKey != "ITEM_1" {
		t.Errorf("sections = %+v", out.Sections)
	}
	for _, s := range out.Sections {
		if s.CharEnd <= s.CharStart {
			t.Errorf("section %s has empty span", s.SectionKey)
		}
	}

	if code, p := getProblem(t, e.srv.URL+"/filings/0000000000-00-000000"); code != http.StatusNotFound || p.Code != "not_found" {
		t.Errorf("missing filing: code=%d problem=%+v", code, p)
	}
}

func TestContextWindow(t *testing.T) {
	e := newEnv(t)
	text := "aaaaaaaaaabbbbbbbbbbccccccccccddddddddddeeeeeeeeee" // 50 bytes
	err := e.secs.ReplaceSections(context.Background(), appleAccession, []sections.Section{
		{SectionKey: "ITEM_1", Title: "Business", CharStart: 1000, CharEnd: 1050, Text: text},
	})
	if err != nil {
		t.Fatalf("ReplaceSections: %v", err)
	}
	base := e.srv.URL + "/filings/" + appleAccession + "/sections/ITEM_1/context"

	var win models.ContextWindow
	if code := get(t, base+"?char_start=1020&char_end=1030&context=5", &win); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if win.WindowStart != 1015 || win.WindowEnd != 1035 {
		t.Errorf("window = [%d,%d)", win.WindowStart, win.WindowEnd)
	}
	if win.Text != "bbbbbccccccccccddddd" {
		t.Errorf("text = %q", win.Text)
	}

	// The margin clamps at section bounds instead of failing.
	get(t, base+"?char_start=1002&char_end=1048&context=100", &win)
	if win.WindowStart != 1000 || win.WindowEnd != 1050 || win.Text != text {
		t.Errorf("clamped window = [%d,%d) text=%q", win.WindowStart, win.WindowEnd, win.Text)
	}

	// A span outside the section is a range error, not a truncation.
	if code, p := getProblem(t, base+"?char_start=900&char_end=1030"); code != http.StatusRequestedRangeNotSatisfiable || p.Code != "out_of_range" {
		t.Errorf("out of range: code=%d problem=%+v", code, p)
	}
	if code, _ := getProblem(t, base+"?char_start=1020&char_end=1080"); code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("span past end: code=%d", code)
	}

	if code, _ := getProblem(t, base+"?char_start=abc&char_end=5"); code != http.StatusBadRequest {
		t.Errorf("bad int: code=%d", code)
	}
	if code, _ := getProblem(t, base+"?char_start=30&char_end=20"); code != http.StatusBadRequest {
		t.Errorf("inverted span: code=%d", code)
	}

	missing := e.srv.URL + "/filings/" + appleAccession + "/sections/ITEM_8/context?char_start=1000&char_end=1010"
	if code, _ := getProblem(t, missing); code != http.StatusNotFound {
		t.Errorf("missing section: code=%d", code)
	}
}
