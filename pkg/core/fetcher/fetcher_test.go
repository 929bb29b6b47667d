package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

const indexFixture = `{
  "directory": {
    "name": "/Archives/edgar/data/320193/000032019324000081",
    "item": [
      {"name": "aapl-20240928.htm", "description": "10-K", "size": "2400000", "last-modified": "2024-11-01 16:31:12"},
      {"name": "a10-kexhibit211.htm", "description": "EX-21.1", "size": "9000", "last-modified": "2024-11-01 16:31:12"},
      {"name": "aapl-ex10_3.htm", "description": "EX-10.3", "size": "40000", "last-modified": "2024-11-01 16:31:12"},
      {"name": "R4.htm", "description": "", "size": "52000", "last-modified": "2024-11-01 16:31:12"},
      {"name": "logo.jpg", "description": "", "size": "4000", "last-modified": "2024-11-01 16:31:12"},
      {"name": "Financial_Report.xlsx", "description": "", "size": "120000", "last-modified": "2024-11-01 16:31:12"}
    ]
  }
}`

var fixtureBodies = map[string]string{
	"aapl-20240928.htm":     strings.Repeat("primary ", 300),
	"a10-kexhibit211.htm":   strings.Repeat("ex21 ", 180),
	"aapl-ex10_3.htm":       strings.Repeat("ex10 ", 80),
	"R4.htm":                "xbrl render",
	"logo.jpg":              "binary",
	"Financial_Report.xlsx": "sheet",
}

func fixtureTransport(t *testing.T, hits map[string]int) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		path := r.URL.Path
		base := path[strings.LastIndex(path, "/")+1:]
		if hits != nil {
			hits[base]++
		}
		if base == "index.json" {
			return respond(http.StatusOK, indexFixture), nil
		}
		body, ok := fixtureBodies[base]
		if !ok {
			t.Errorf("unexpected download: %s", path)
			return respond(http.StatusNotFound, "nope"), nil
		}
		return respond(http.StatusOK, body), nil
	}
}

func newTestFetcher(t *testing.T, dataDir string, hits map[string]int) *Fetcher {
	t.Helper()
	client := edgar.NewClient(edgar.ClientOptions{
		UserAgent:         "fetcher-test test@example.com",
		RequestsPerSecond: 200,
		MaxAttempts:       2,
		BackoffBase:       5 * time.Millisecond,
		HTTPClient:        &http.Client{Transport: fixtureTransport(t, hits)},
	})
	edgar.SetRate(200)
	return New(client, dataDir, nil)
}

func TestFetcher_BundleDirLayout(t *testing.T) {
	f := New(nil, "/data", nil)
	got := f.BundleDir("320193", "0000320193-24-000081")
	want := filepath.Join("/data", "filings", "0000320193", "000032019324000081")
	if got != want {
		t.Errorf("BundleDir = %q, want %q", got, want)
	}
}

func TestFetcher_FetchMaterializesBundle(t *testing.T) {
	dir := t.TempDir()
	f := newTestFetcher(t, dir, nil)

	bundle, err := f.Fetch(context.Background(), "320193", "0000320193-24-000081", Options{PrimaryHint: "aapl-20240928.htm"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if bundle.PrimaryDocument.Filename != "aapl-20240928.htm" {
		t.Errorf("primary = %q", bundle.PrimaryDocument.Filename)
	}
	if bundle.PrimaryDocument.Type != "PRIMARY" {
		t.Errorf("primary type = %q", bundle.PrimaryDocument.Type)
	}
	if len(bundle.Exhibits) != 2 {
		t.Fatalf("exhibits = %d, want EX-21 and EX-10.3", len(bundle.Exhibits))
	}

	types := map[string]bool{}
	for _, ex := range bundle.Exhibits {
		types[ex.Type] = true
		if _, err := os.Stat(ex.Path); err != nil {
			t.Errorf("exhibit %s not on disk: %v", ex.Filename, err)
		}
	}
	if !types["EX-21"] || !types["EX-10.3"] {
		t.Errorf("exhibit types = %v", types)
	}

	content, err := os.ReadFile(bundle.PrimaryDocument.Path)
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	if int64(len(content)) != bundle.PrimaryDocument.Size {
		t.Errorf("primary size = %d, file has %d", bundle.PrimaryDocument.Size, len(content))
	}

	if _, err := os.Stat(filepath.Join(bundle.Dir, manifestName)); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
}

func TestFetcher_RefetchReusesLocalCopy(t *testing.T) {
	dir := t.TempDir()
	hits := map[string]int{}
	f := newTestFetcher(t, dir, hits)

	ctx := context.Background()
	if _, err := f.Fetch(ctx, "320193", "0000320193-24-000081", Options{PrimaryHint: "aapl-20240928.htm"}); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	downloads := hits["aapl-20240928.htm"]

	bundle, err := f.Fetch(ctx, "320193", "000032019324000081", Options{})
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if hits["aapl-20240928.htm"] != downloads {
		t.Error("idempotent refetch should not re-download the primary")
	}
	if bundle.Accession != "0000320193-24-000081" {
		t.Errorf("accession = %q, want canonical dashed form", bundle.Accession)
	}

	// Force pulls everything again and the layout stays identical.
	forced, err := f.Fetch(ctx, "320193", "0000320193-24-000081", Options{PrimaryHint: "aapl-20240928.htm", Force: true})
	if err != nil {
		t.Fatalf("forced Fetch() error = %v", err)
	}
	if hits["aapl-20240928.htm"] != downloads+1 {
		t.Error("force should re-download")
	}
	if forced.PrimaryDocument.Path != bundle.PrimaryDocument.Path {
		t.Errorf("layout moved: %q vs %q", forced.PrimaryDocument.Path, bundle.PrimaryDocument.Path)
	}
}

func TestFetcher_LoadRejectsIncompleteCopy(t *testing.T) {
	dir := t.TempDir()
	f := newTestFetcher(t, dir, nil)

	ctx := context.Background()
	bundle, err := f.Fetch(ctx, "320193", "0000320193-24-000081", Options{PrimaryHint: "aapl-20240928.htm"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if err := os.Truncate(bundle.PrimaryDocument.Path, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Load("320193", "0000320193-24-000081"); err == nil {
		t.Error("Load() should reject a truncated document")
	}
}

func TestClassifyExhibit(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ex21.htm", "EX-21"},
		{"a10-kexhibit211.htm", "EX-21"},
		{"d539910dex211.htm", "EX-21"},
		{"aapl-ex10_3.htm", "EX-10.3"},
		{"ex1024.htm", "EX-10.24"},
		{"ex-10.htm", "EX-10"},
		{"index.htm", ""},
		{"complex.htm", ""},
		{"aapl-20240928.htm", ""},
		{"ex99.htm", ""},
		{"logo.jpg", ""},
	}

	for _, tt := range tests {
		if got := ClassifyExhibit(tt.in); got != tt.want {
			t.Errorf("ClassifyExhibit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPickPrimary(t *testing.T) {
	entries := []indexEntry{
		{Name: "R4.htm", Size: 52000},
		{Name: "d539910dex211.htm", Size: 9000},
		{Name: "big-supplement.htm", Size: 9000000},
		{Name: "aapl-10k_2024.htm", Size: 2400000},
		{Name: "logo.jpg", Size: 4000},
	}

	got := pickPrimary(entries, "")
	if got == nil || got.Name != "aapl-10k_2024.htm" {
		t.Errorf("pickPrimary = %+v, want the form-named document", got)
	}

	hinted := pickPrimary(entries, "big-supplement.htm")
	if hinted == nil || hinted.Name != "big-supplement.htm" {
		t.Errorf("hint should win, got %+v", hinted)
	}

	if pickPrimary([]indexEntry{{Name: "logo.jpg"}}, "") != nil {
		t.Error("no HTML candidates should yield nil")
	}
}
