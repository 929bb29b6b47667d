// Package syncsse streams sync job progress as server-sent events and
// accepts sync triggers.
package syncsse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/httperr"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/syncjob"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

// heartbeatEvery paces comment frames that keep idle streams alive
// through proxies.
const heartbeatEvery = 15 * time.Second

// Runner starts one sync run in the background and reports its job id.
// The API process wires this to its ingest loop; without one, triggers
// answer 503 and the stream surface still serves jobs begun elsewhere
// in the process.
type Runner interface {
	StartSync(ctx context.Context, kind, target string) (string, error)
}

type Handler struct {
	registry *syncjob.Registry
	runner   Runner
}

func NewHandler(registry *syncjob.Registry, runner Runner) *Handler {
	return &Handler{registry: registry, runner: runner}
}

// Routes returns the subrouter mounted at /sync.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Trigger)
	r.Get("/", h.List)
	r.Get("/{jobID}", h.Get)
	r.Get("/{jobID}/stream", h.Stream)
	return r
}

// Trigger serves POST /sync {"kind": ..., "target": ...} with 202 and
// the job id to stream.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		httperr.Write(w, r, http.StatusServiceUnavailable, "sync_unavailable",
			"this process does not run syncs")
		return
	}

	var req struct {
		Kind   string `json:"kind"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, r, "body must be JSON with kind and target")
		return
	}
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		httperr.BadRequest(w, r, "kind is required")
		return
	}

	jobID, err := h.runner.StartSync(r.Context(), req.Kind, strings.TrimSpace(req.Target))
	if err != nil {
		httperr.Internal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(models.SyncStarted{JobID: jobID})
}

// List serves GET /sync: retained jobs, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Jobs []syncjob.Job `json:"jobs"`
	}{Jobs: h.registry.List()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Get serves GET /sync/{job_id}: the job snapshot.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		if eris.Is(err, syncjob.ErrNotFound) {
			httperr.NotFound(w, r, "no sync job "+chi.URLParam(r, "jobID"))
			return
		}
		httperr.Internal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

// Stream serves GET /sync/{job_id}/stream. Retained history replays
// first, live events follow, and the stream ends with a snapshot frame
// once the job reaches a terminal state.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	events, cancel, err := h.registry.Subscribe(jobID)
	if err != nil {
		if eris.Is(err, syncjob.ErrNotFound) {
			httperr.NotFound(w, r, "no sync job "+jobID)
			return
		}
		httperr.Internal(w, r, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, r, http.StatusInternalServerError, "streaming_unsupported",
			"response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(ev syncjob.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	send(syncjob.Event{Step: "init", Status: "started", Detail: "stream connected"})

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// A slow stream can miss the terminal event; the
				// closing snapshot carries the outcome regardless.
				if job, err := h.registry.Get(jobID); err == nil {
					send(syncjob.Event{Step: "state", Status: string(job.State), Data: job})
				}
				return
			}
			send(ev)
		}
	}
}
