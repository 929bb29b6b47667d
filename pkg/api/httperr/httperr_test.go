package httperr_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) httperr.Problem {
	t.Helper()
	var p httperr.Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestWriteShape(t *testing.T) {
	r := httptest.NewRequest("GET", "/filings/000123", nil)
	w := httptest.NewRecorder()
	httperr.Write(w, r, http.StatusNotFound, "not_found", "no filing 000123")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}

	p := decode(t, w)
	if p.Code != "not_found" || p.Status != 404 {
		t.Errorf("problem = %+v", p)
	}
	if p.Title != "Not Found" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Instance != "/filings/000123" {
		t.Errorf("instance = %q", p.Instance)
	}
	if p.Type == "" {
		t.Error("type URI empty")
	}
}

func TestHelpers(t *testing.T) {
	cases := []struct {
		name   string
		write  func(w http.ResponseWriter, r *http.Request)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			httperr.BadRequest(w, r, "missing q")
		}, 400, "bad_request"},
		{"invalid filter", func(w http.ResponseWriter, r *http.Request) {
			httperr.InvalidFilter(w, r, "bad date")
		}, 400, "invalid_filter"},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			httperr.NotFound(w, r, "gone")
		}, 404, "not_found"},
		{"unprocessable", func(w http.ResponseWriter, r *http.Request) {
			httperr.Unprocessable(w, r, "ambiguous", "two matches")
		}, 422, "ambiguous"},
		{"out of range", func(w http.ResponseWriter, r *http.Request) {
			httperr.OutOfRange(w, r, "span past end")
		}, 416, "out_of_range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tc.write(w, httptest.NewRequest("GET", "/x", nil))
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			if p := decode(t, w); p.Code != tc.code {
				t.Errorf("code = %q, want %q", p.Code, tc.code)
			}
		})
	}
}

func TestInternalNeverLeaks(t *testing.T) {
	w := httptest.NewRecorder()
	httperr.Internal(w, httptest.NewRequest("GET", "/x", nil),
		eris.New("pgx: connect refused host=10.0.0.7"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
	p := decode(t, w)
	if p.Detail == "" {
		t.Error("detail empty")
	}
	if p.Detail != "an unexpected error occurred" {
		t.Errorf("internal detail leaked: %q", p.Detail)
	}
}
