// Package graphapi serves relationship edges. Edge direction reads
// "source TYPE target", so an entity's outgoing SUPPLIER_TO edges point
// at the filers that disclosed it as a supplier.
package graphapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

type Handler struct {
	graph graph.Store
	spine spine.Store
}

func NewHandler(g graph.Store, sp spine.Store) *Handler {
	return &Handler{graph: g, spine: sp}
}

// Routes returns the subrouter mounted at /graph.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/suppliers/{entityID}", h.edges(graph.RelSupplierTo))
	r.Get("/customers/{entityID}", h.edges(graph.RelCustomerOf))
	return r
}

// edges builds a handler returning the entity's outgoing edges of one
// type. as_of narrows to edges whose validity window covers the date;
// without it every era is returned, closed ones included.
func (h *Handler) edges(relType graph.RelationshipType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "entityID")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httperr.BadRequest(w, r, "entity id must be a positive integer")
			return
		}

		if _, err := h.spine.Entity(r.Context(), id); err != nil {
			if eris.Is(err, spine.ErrNotFound) {
				httperr.NotFound(w, r, "no entity "+raw)
				return
			}
			httperr.Internal(w, r, err)
			return
		}

		filter := graph.RelFilter{EntityID: id, Type: relType}
		var asOfPtr *time.Time
		if rawAsOf := r.URL.Query().Get("as_of"); rawAsOf != "" {
			t, err := time.Parse("2006-01-02", rawAsOf)
			if err != nil {
				httperr.BadRequest(w, r, "as_of takes the form 2006-01-02")
				return
			}
			filter.AsOf, asOfPtr = &t, &t
		}

		rows, err := h.graph.Relationships(r.Context(), filter)
		if err != nil {
			httperr.Internal(w, r, err)
			return
		}

		// The store matches either end; keep the outgoing half.
		out := models.EdgeList{
			EntityID: id,
			Type:     string(relType),
			AsOf:     asOfPtr,
			Edges:    make([]graph.Relationship, 0, len(rows)),
		}
		for _, rel := range rows {
			if rel.SourceEntityID == id {
				out.Edges = append(out.Edges, rel)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
