// Package entities serves the resolution endpoint and the canonical
// entity read surface.
package entities

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

// redirectHops caps how far a lookup follows merge redirects. The
// resolver records a validation event for real cycles; the read surface
// just refuses to spin.
const redirectHops = 8

type Handler struct {
	resolver *spine.Resolver
	store    spine.Store
}

func NewHandler(resolver *spine.Resolver, store spine.Store) *Handler {
	return &Handler{resolver: resolver, store: store}
}

// Routes returns the subrouter mounted at /entities.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/resolve", h.Resolve)
	r.Get("/{entityID}", h.Get)
	r.Get("/{entityID}/history", h.History)
	return r
}

// Resolve serves GET /entities/resolve?q=...&as_of=...&hint=...
// Ambiguous queries answer 422 so callers never mistake a coin flip
// for an identification.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httperr.BadRequest(w, r, "q is required")
		return
	}

	var asOf time.Time
	var asOfPtr *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httperr.BadRequest(w, r, "as_of takes the form 2006-01-02")
			return
		}
		asOf, asOfPtr = t, &t
	}

	cand := spine.Candidate{
		Text:     q,
		TypeHint: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("hint"))),
	}
	res, err := h.resolver.Resolve(r.Context(), cand, spine.FilingContext{}, asOf)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}
	for _, warn := range res.Warnings {
		if warn == spine.WarnAmbiguous {
			httperr.Unprocessable(w, r, "ambiguous", "query matches more than one entity")
			return
		}
	}

	out := models.ResolveResult{Query: q, AsOf: asOfPtr, Resolution: res}
	if res.Resolved() {
		entity, err := h.store.Entity(r.Context(), res.EntityID)
		if err != nil {
			httperr.Internal(w, r, err)
			return
		}
		out.Entity = entity
	}
	writeJSON(w, out)
}

// Get serves GET /entities/{entity_id}: the entity, its open version,
// and the claims active right now. Merged entities answer with their
// canonical survivor.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	now := time.Now().UTC()

	detail := models.EntityDetail{Entity: *entity, ActiveClaims: []spine.IdentifierClaim{}}

	versions, err := h.store.Versions(ctx, entity.EntityID)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}
	for i := range versions {
		if versions[i].ValidTo == nil {
			detail.CurrentVersion = &versions[i]
		}
	}

	claims, err := h.store.ClaimsForEntity(ctx, entity.EntityID)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}
	for _, c := range claims {
		if c.Status == spine.ClaimActive && c.Covers(now) {
			detail.ActiveClaims = append(detail.ActiveClaims, c)
		}
	}

	if detail.Listings, err = h.store.ListingsForEntity(ctx, entity.EntityID); err != nil {
		httperr.Internal(w, r, err)
		return
	}
	writeJSON(w, detail)
}

// History serves GET /entities/{entity_id}/history, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.lookup(w, r)
	if !ok {
		return
	}
	versions, err := h.store.Versions(r.Context(), entity.EntityID)
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}
	writeJSON(w, models.EntityHistory{EntityID: entity.EntityID, Versions: versions})
}

// lookup parses the id, loads the entity, and follows merge redirects.
// It writes the error response itself when the second return is false.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*spine.Entity, bool) {
	raw := chi.URLParam(r, "entityID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httperr.BadRequest(w, r, "entity id must be a positive integer")
		return nil, false
	}

	for hop := 0; hop < redirectHops; hop++ {
		to, merged, err := h.store.Redirect(r.Context(), id)
		if err != nil {
			httperr.Internal(w, r, err)
			return nil, false
		}
		if !merged {
			break
		}
		id = to
	}

	entity, err := h.store.Entity(r.Context(), id)
	if err != nil {
		if eris.Is(err, spine.ErrNotFound) {
			httperr.NotFound(w, r, "no entity "+raw)
			return nil, false
		}
		httperr.Internal(w, r, err)
		return nil, false
	}
	return entity, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
