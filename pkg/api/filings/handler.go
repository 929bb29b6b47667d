// Package filings serves the Silver filing surface: filtered listings,
// the per-filing section index, and context windows around text spans.
package filings

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// defaultContext is the margin returned around a span when the
	// request does not size the window itself.
	defaultContext = 200
)

type Handler struct {
	records  feedspine.Store
	sections sections.Store
	spine    spine.Store
}

func NewHandler(records feedspine.Store, secs sections.Store, sp spine.Store) *Handler {
	return &Handler{records: records, sections: secs, spine: sp}
}

// Routes returns the subrouter mounted at /filings.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{accession}", h.Get)
	r.Get("/{accession}/sections/{key}/context", h.Context)
	return r
}

// List serves GET /filings with ticker/cik/form/date-range filters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := feedspine.FilingFilter{
		FormType: strings.ToUpper(strings.TrimSpace(q.Get("form"))),
		Limit:    defaultLimit,
	}

	if cik := strings.TrimSpace(q.Get("cik")); cik != "" {
		filter.CIK = edgar.PadCIK(cik)
	}
	if ticker := strings.TrimSpace(q.Get("ticker")); ticker != "" {
		if filter.CIK != "" {
			httperr.InvalidFilter(w, r, "ticker and cik are exclusive")
			return
		}
		cik, err := h.cikForTicker(r, ticker)
		if err != nil {
			httperr.Internal(w, r, err)
			return
		}
		if cik == "" {
			// Unknown symbol matches nothing.
			writeJSON(w, models.FilingList{Filings: []models.FilingSummary{}})
			return
		}
		filter.CIK = cik
	}

	var bad string
	filter.From, bad = parseDate(q.Get("from"), bad)
	filter.To, bad = parseDate(q.Get("to"), bad)
	filter.Limit, bad = parseBounded(q.Get("limit"), filter.Limit, maxLimit, bad)
	filter.Offset, bad = parseBounded(q.Get("offset"), 0, 1<<30, bad)
	if bad != "" {
		httperr.InvalidFilter(w, r, bad)
		return
	}

	rows, err := h.records.ListFilings(r.Context(), filter)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}

	out := models.FilingList{Filings: make([]models.FilingSummary, 0, len(rows)), Count: len(rows)}
	for i := range rows {
		out.Filings = append(out.Filings, summarize(&rows[i]))
	}
	writeJSON(w, out)
}

// Get serves GET /filings/{accession}: the filing plus its section index.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	acc := edgar.CanonicalAccession(chi.URLParam(r, "accession"))

	filing, err := h.records.GetFiling(r.Context(), acc)
	if err != nil {
		if eris.Is(err, feedspine.ErrNotFound) {
			httperr.NotFound(w, r, "no filing "+acc)
			return
		}
		httperr.Internal(w, r, err)
		return
	}

	secs, err := h.sections.CurrentSections(r.Context(), acc)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}

	detail := models.FilingDetail{
		Filing:   summarize(filing),
		Sections: make([]models.SectionIndexEntry, 0, len(secs)),
	}
	for _, s := range secs {
		detail.Sections = append(detail.Sections, models.SectionIndexEntry{
			SectionKey:       s.SectionKey,
			Title:            s.Title,
			CharStart:        s.CharStart,
			CharEnd:          s.CharEnd,
			WordCount:        s.WordCount,
			DocumentFilename: s.DocumentFilename,
		})
	}
	writeJSON(w, detail)
}

// Context serves GET /filings/{accession}/sections/{key}/context. The
// span named by char_start/char_end must lie inside the section; the
// response widens it by the context margin, clamped to section bounds.
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	acc := edgar.CanonicalAccession(chi.URLParam(r, "accession"))
	key := chi.URLParam(r, "key")
	q := r.URL.Query()

	start, err := strconv.Atoi(q.Get("char_start"))
	if err != nil {
		httperr.BadRequest(w, r, "char_start must be an integer")
		return
	}
	end, err := strconv.Atoi(q.Get("char_end"))
	if err != nil {
		httperr.BadRequest(w, r, "char_end must be an integer")
		return
	}
	if start < 0 || end <= start {
		httperr.BadRequest(w, r, "span must satisfy 0 <= char_start < char_end")
		return
	}
	margin := defaultContext
	if raw := q.Get("context"); raw != "" {
		if margin, err = strconv.Atoi(raw); err != nil || margin < 0 {
			httperr.BadRequest(w, r, "context must be a non-negative integer")
			return
		}
	}

	sec, err := h.sections.Section(r.Context(), acc, key)
	if err != nil {
		if eris.Is(err, sections.ErrNotFound) {
			httperr.NotFound(w, r, "no section "+key+" in "+acc)
			return
		}
		httperr.Internal(w, r, err)
		return
	}

	if start < sec.CharStart || end > sec.CharEnd {
		httperr.OutOfRange(w, r, "span is outside the section")
		return
	}

	winStart := start - margin
	if winStart < sec.CharStart {
		winStart = sec.CharStart
	}
	winEnd := end + margin
	if winEnd > sec.CharEnd {
		winEnd = sec.CharEnd
	}

	writeJSON(w, models.ContextWindow{
		Accession:   acc,
		SectionKey:  key,
		SpanStart:   start,
		SpanEnd:     end,
		WindowStart: winStart,
		WindowEnd:   winEnd,
		Text:        sec.Text[winStart-sec.CharStart : winEnd-sec.CharStart],
	})
}

// cikForTicker walks an active ticker claim to its entity and returns
// the entity's active CIK claim value. Empty when the symbol is unknown.
func (h *Handler) cikForTicker(r *http.Request, ticker string) (string, error) {
	ctx := r.Context()
	now := time.Now().UTC()

	claims, err := h.spine.Claims(ctx, spine.SchemeTicker, strings.ToUpper(strings.TrimSpace(ticker)))
	if err != nil {
		return "", err
	}
	for _, c := range claims {
		if c.Status != spine.ClaimActive || !c.Covers(now) {
			continue
		}
		owner, err := h.spine.ClaimOwner(ctx, c)
		if err != nil {
			continue
		}
		entityClaims, err := h.spine.ClaimsForEntity(ctx, owner.EntityID)
		if err != nil {
			return "", err
		}
		for _, ec := range entityClaims {
			if ec.Scheme == spine.SchemeCIK && ec.Status == spine.ClaimActive && ec.Covers(now) {
				return edgar.PadCIK(ec.Value), nil
			}
		}
	}
	return "", nil
}

func summarize(f *feedspine.Filing) models.FilingSummary {
	return models.FilingSummary{
		Accession:          f.AccessionNumber,
		CIK:                f.FilerCIK,
		FormType:           f.FormType,
		FiledDate:          f.FiledDate,
		AcceptanceDatetime: f.AcceptanceDatetime,
		ReportDate:         f.ReportDate,
		EntityID:           f.EntityID,
		PrimaryDocumentURL: f.PrimaryDocumentURL,
		SectionsExtracted:  f.SectionsExtracted,
		MentionsExtracted:  f.MentionsExtracted,
	}
}

func parseDate(raw, bad string) (time.Time, string) {
	if bad != "" || raw == "" {
		return time.Time{}, bad
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, "dates take the form 2006-01-02"
	}
	return t, ""
}

func parseBounded(raw string, def, max int, bad string) (int, string) {
	if bad != "" || raw == "" {
		return def, bad
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, "limit and offset must be non-negative integers"
	}
	if n > max {
		n = max
	}
	return n, ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
