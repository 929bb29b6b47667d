// Package mentions serves the mention evidence surface: one mention
// with its byte-precise source location and sighting history.
package mentions

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	coreMentions "github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

type Handler struct {
	mentions coreMentions.Store
	spine    spine.Store
}

func NewHandler(store coreMentions.Store, sp spine.Store) *Handler {
	return &Handler{mentions: store, spine: sp}
}

// Routes returns the subrouter mounted at /mentions.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{mentionID}/evidence", h.Evidence)
	return r
}

// Evidence serves GET /mentions/{mention_id}/evidence. The temporal
// block is the sighting history: first and last filing, occurrence
// count, and whether the span has since been modified or removed.
func (h *Handler) Evidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mentionID")

	m, err := h.mentions.Mention(r.Context(), id)
	if err != nil {
		if eris.Is(err, coreMentions.ErrNotFound) {
			httperr.NotFound(w, r, "no mention "+id)
			return
		}
		httperr.Internal(w, r, err)
		return
	}

	out := models.MentionEvidence{Mention: *m}
	if m.Resolution != nil && m.Resolution.ResolvedEntityID != 0 {
		entity, err := h.spine.Entity(r.Context(), m.Resolution.ResolvedEntityID)
		if err == nil {
			out.Entity = entity
		} else if !eris.Is(err, spine.ErrNotFound) {
			httperr.Internal(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
