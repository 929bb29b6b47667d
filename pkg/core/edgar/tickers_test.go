package edgar

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

const tickerTableFixture = `{
  "fields": ["cik", "name", "ticker", "exchange"],
  "data": [
    [320193, "Apple Inc.", "AAPL", "Nasdaq"],
    [789019, "MICROSOFT CORP", "MSFT", "Nasdaq"],
    [1018724, "AMAZON COM INC", "AMZN", "Nasdaq"]
  ]
}`

func TestFetchTickerTable(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, tickerTableFixture), nil
	})

	rows, err := c.FetchTickerTable(context.Background())
	if err != nil {
		t.Fatalf("FetchTickerTable() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].CIK != 320193 || rows[0].Ticker != "AAPL" || rows[0].Exchange != "Nasdaq" {
		t.Errorf("first row = %+v", rows[0])
	}
}

func TestFetchTickerTable_MissingColumn(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, `{"fields":["cik","name"],"data":[]}`), nil
	})

	_, err := c.FetchTickerTable(context.Background())
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
	if !strings.Contains(err.Error(), "missing column") {
		t.Errorf("error = %v, want missing column", err)
	}
}

func TestLookupCIKByTicker(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, tickerTableFixture), nil
	})

	cik, err := c.LookupCIKByTicker(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("LookupCIKByTicker() error = %v", err)
	}
	if cik != "0000320193" {
		t.Errorf("cik = %q, want 0000320193", cik)
	}

	if _, err := c.LookupCIKByTicker(context.Background(), "NOPE"); err == nil {
		t.Error("unknown ticker should fail")
	}
}
