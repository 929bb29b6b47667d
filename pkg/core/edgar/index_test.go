package edgar

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

const masterIndexFixture = `Description:           Master Index of EDGAR Dissemination Feed
Last Data Received:    August 6, 2024
Comments:              webmaster@sec.gov
Anonymous FTP:         ftp://ftp.sec.gov/edgar/

CIK|Company Name|Form Type|Date Filed|Filename
--------------------------------------------------------------------------------
320193|Apple Inc.|10-K|2024-08-06|edgar/data/320193/0000320193-24-000081.txt
1018724|AMAZON COM INC|8-K|2024-08-06|edgar/data/1018724/0001018724-24-000100.txt
789019|MICROSOFT CORP|10-Q|not-a-date|edgar/data/789019/0000789019-24-000050.txt
garbled line without pipes
`

func TestParseMasterIndex(t *testing.T) {
	candidates, poison := parseMasterIndex([]byte(masterIndexFixture), "daily", nil)

	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if len(poison) != 2 {
		t.Fatalf("poison = %d, want 2 (bad date, garbled line)", len(poison))
	}

	apple := candidates[0]
	if apple.NaturalKey != "sec:filing:0000320193-24-000081" {
		t.Errorf("natural key = %q", apple.NaturalKey)
	}
	if apple.CIK != "0000320193" {
		t.Errorf("cik = %q, want zero-padded 0000320193", apple.CIK)
	}
	if apple.FormType != "10-K" {
		t.Errorf("form = %q, want 10-K", apple.FormType)
	}
	if apple.SourceURL != "https://www.sec.gov/Archives/edgar/data/320193/0000320193-24-000081.txt" {
		t.Errorf("source url = %q", apple.SourceURL)
	}
	if apple.PublishedAt.Format("2006-01-02") != "2024-08-06" {
		t.Errorf("published = %v, want filed date", apple.PublishedAt)
	}
}

func TestParseMasterIndex_FormFilter(t *testing.T) {
	candidates, _ := parseMasterIndex([]byte(masterIndexFixture), "daily", map[string]bool{"10-K": true})

	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want only the 10-K", len(candidates))
	}
	if candidates[0].FormType != "10-K" {
		t.Errorf("form = %q, want 10-K", candidates[0].FormType)
	}
}

func TestParseMasterIndex_HeaderNeverLeaks(t *testing.T) {
	candidates, poison := parseMasterIndex([]byte(masterIndexFixture), "daily", nil)

	for _, c := range candidates {
		if strings.Contains(c.CompanyName, "Company Name") {
			t.Error("column header row leaked into candidates")
		}
	}
	for _, p := range poison {
		if strings.Contains(p.Raw, "Company Name") {
			t.Error("column header row leaked into poison")
		}
	}
}

func TestAccessionFromIndexFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"edgar/data/320193/0000320193-24-000081.txt", "0000320193-24-000081"},
		{"0000320193-24-000081.txt", "0000320193-24-000081"},
		{"edgar/data/320193/", ""},
	}

	for _, tt := range tests {
		if got := accessionFromIndexFilename(tt.in); got != tt.want {
			t.Errorf("accessionFromIndexFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuarterOf(t *testing.T) {
	tests := []struct {
		month time.Month
		want  int
	}{
		{time.January, 1}, {time.March, 1},
		{time.April, 2}, {time.June, 2},
		{time.July, 3}, {time.September, 3},
		{time.October, 4}, {time.December, 4},
	}

	for _, tt := range tests {
		d := time.Date(2024, tt.month, 15, 0, 0, 0, 0, time.UTC)
		if got := quarterOf(d); got != tt.want {
			t.Errorf("quarterOf(%v) = %d, want %d", tt.month, got, tt.want)
		}
	}
}

func TestNextQuarter(t *testing.T) {
	now := time.Date(2024, time.August, 15, 0, 0, 0, 0, time.UTC) // Q3 2024

	tests := []struct {
		name     string
		cursor   string
		wantYear int
		wantQ    int
		wantErr  bool
	}{
		{
			name:     "Empty cursor starts a year back",
			cursor:   "",
			wantYear: 2023,
			wantQ:    3,
		},
		{
			name:     "Advances within a year",
			cursor:   "2023Q3",
			wantYear: 2023,
			wantQ:    4,
		},
		{
			name:     "Rolls over the year boundary",
			cursor:   "2023Q4",
			wantYear: 2024,
			wantQ:    1,
		},
		{
			name:     "Stops at the running quarter",
			cursor:   "2024Q2",
			wantYear: 0,
			wantQ:    0,
		},
		{
			name:    "Rejects a malformed cursor",
			cursor:  "banana",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			year, q, err := nextQuarter(tt.cursor, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for malformed cursor")
				}
				return
			}
			if err != nil {
				t.Fatalf("nextQuarter() error = %v", err)
			}
			if year != tt.wantYear || q != tt.wantQ {
				t.Errorf("nextQuarter(%q) = %dQ%d, want %dQ%d", tt.cursor, year, q, tt.wantYear, tt.wantQ)
			}
		})
	}
}

func TestDailyIndexAdapter_SkipsWeekendsAndHolidays(t *testing.T) {
	served := map[string]int{}
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		served[r.URL.Path]++
		// Monday the 5th published nothing (holiday), Tuesday the 6th did.
		if strings.Contains(r.URL.Path, "master.20240805.idx") {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		return textResponse(http.StatusOK, masterIndexFixture), nil
	})

	adapter := NewDailyIndexAdapter(c, nil)
	adapter.now = func() time.Time {
		return time.Date(2024, time.August, 7, 10, 0, 0, 0, time.UTC) // Wednesday
	}

	// Last ingested day was Friday the 2nd.
	result, err := adapter.Fetch(context.Background(), "2024-08-02")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if result.NextCursor != "2024-08-06" {
		t.Errorf("NextCursor = %q, want 2024-08-06", result.NextCursor)
	}
	if len(result.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2 (Tuesday's index only)", len(result.Candidates))
	}
	for path := range served {
		if strings.Contains(path, "20240803") || strings.Contains(path, "20240804") {
			t.Errorf("weekend day was fetched: %s", path)
		}
	}
}

func TestDailyIndexAdapter_WaitsForUnpublishedDay(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(http.StatusNotFound, "not published yet"), nil
	})

	adapter := NewDailyIndexAdapter(c, nil)
	adapter.now = func() time.Time {
		return time.Date(2024, time.August, 6, 9, 0, 0, 0, time.UTC) // Tuesday morning
	}

	result, err := adapter.Fetch(context.Background(), "2024-08-04")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	// Monday's index is not out yet: no candidates, cursor stays put so the
	// next poll tries Monday again.
	if len(result.Candidates) != 0 {
		t.Errorf("candidates = %d, want 0", len(result.Candidates))
	}
	if result.NextCursor != "2024-08-04" {
		t.Errorf("NextCursor = %q, want unchanged 2024-08-04", result.NextCursor)
	}
}

func TestFullIndexAdapter_FetchesOneCompletedQuarter(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		return textResponse(http.StatusOK, masterIndexFixture), nil
	})

	adapter := NewFullIndexAdapter(c, []string{"10-K"})
	adapter.now = func() time.Time {
		return time.Date(2024, time.August, 15, 0, 0, 0, 0, time.UTC)
	}

	result, err := adapter.Fetch(context.Background(), "2023Q4")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(gotPath, "full-index/2024/QTR1/master.idx") {
		t.Errorf("fetched %q, want 2024 QTR1 full index", gotPath)
	}
	if result.NextCursor != "2024Q1" {
		t.Errorf("NextCursor = %q, want 2024Q1", result.NextCursor)
	}
	if len(result.Candidates) != 1 {
		t.Errorf("candidates = %d, want 1 (form filter)", len(result.Candidates))
	}
}

func TestFullIndexAdapter_CaughtUp(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		t.Error("caught-up adapter should not fetch")
		return textResponse(http.StatusOK, ""), nil
	})

	adapter := NewFullIndexAdapter(c, nil)
	adapter.now = func() time.Time {
		return time.Date(2024, time.August, 15, 0, 0, 0, 0, time.UTC)
	}

	result, err := adapter.Fetch(context.Background(), "2024Q2")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(result.Candidates) != 0 || result.NextCursor != "2024Q2" {
		t.Errorf("caught-up poll should be a no-op, got %+v", result)
	}
}
