// Package syncjob tracks one-shot ingestion runs (feed catch-ups,
// submissions backfills, full-text discovery, symbology refreshes) so
// their progress can be watched over SSE while they execute and their
// outcome queried afterwards.
package syncjob

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
)

// ErrNotFound reports an unknown job id.
var ErrNotFound = eris.New("syncjob: job not found")

// State is a job lifecycle state. COMPLETE, PARTIAL and FAILED are
// terminal; PARTIAL means the run finished but some candidates failed.
type State string

const (
	StateRunning  State = "RUNNING"
	StateComplete State = "COMPLETE"
	StatePartial  State = "PARTIAL"
	StateFailed   State = "FAILED"
)

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == StateComplete || s == StatePartial || s == StateFailed
}

// Event is one progress update, the unit the SSE stream emits.
type Event struct {
	Step     string `json:"step"`
	Status   string `json:"status"` // "started", "done", "error"
	Detail   string `json:"detail"`
	TimingMs int64  `json:"timing_ms"`
	Data     any    `json:"data,omitempty"`
}

// Counts folds admission outcomes into job totals.
type Counts struct {
	Candidates int `json:"candidates"`
	Admitted   int `json:"admitted"`
	Resighted  int `json:"resighted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func (c *Counts) add(d Counts) {
	c.Candidates += d.Candidates
	c.Admitted += d.Admitted
	c.Resighted += d.Resighted
	c.Duplicates += d.Duplicates
	c.Failed += d.Failed
}

// Job is a point-in-time snapshot of one sync run.
type Job struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`   // "feed", "submissions", "fts", "symbology", "replay"
	Target     string    `json:"target"` // feed name, CIK, or query
	State      State     `json:"state"`
	Counts     Counts    `json:"counts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	// DefaultKeep bounds how many finished jobs stay queryable.
	DefaultKeep = 256
	// DefaultBuffer is the per-subscriber event buffer. A watcher that
	// falls this far behind loses intermediate events; the terminal
	// outcome still arrives through the stream close and a final Get.
	DefaultBuffer = 64

	// historyCap bounds the replayed tail for late subscribers.
	historyCap = 256
)

type jobState struct {
	snap    Job
	history []Event
	subs    map[int]chan Event
	nextSub int
}

// Registry holds every known job. One registry is built per process
// and shared by injection, like the metrics collector.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*jobState
	order  []string
	keep   int
	buffer int
	log    *zap.Logger
}

// RegistryOptions tunes retention; zero values take the defaults.
type RegistryOptions struct {
	Keep   int
	Buffer int
	Logger *zap.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("syncjob")
	}
	return &Registry{
		jobs:   make(map[string]*jobState),
		keep:   opts.Keep,
		buffer: opts.Buffer,
		log:    opts.Logger,
	}
}

// Begin registers a new running job and returns its producer handle.
func (r *Registry) Begin(kind, target string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	js := &jobState{
		snap: Job{
			JobID:     id,
			Kind:      kind,
			Target:    target,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		subs: make(map[int]chan Event),
	}
	r.jobs[id] = js
	r.order = append(r.order, id)
	r.pruneLocked()

	r.log.Info("sync job started",
		zap.String("job_id", id),
		zap.String("kind", kind),
		zap.String("target", target))
	return &Handle{r: r, id: id}
}

// Get returns the current snapshot of a job.
func (r *Registry) Get(jobID string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return js.snap, nil
}

// List returns snapshots of every retained job, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if js, ok := r.jobs[r.order[i]]; ok {
			out = append(out, js.snap)
		}
	}
	return out
}

// Subscribe replays the retained event tail of a job and then streams
// live events. The channel closes when the job reaches a terminal
// state; callers read the final counters with Get. The cancel func is
// idempotent and safe after close.
func (r *Registry) Subscribe(jobID string) (<-chan Event, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan Event, len(js.history)+r.buffer)
	for _, ev := range js.history {
		ch <- ev
	}
	if js.snap.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	id := js.nextSub
	js.nextSub++
	js.subs[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.jobs[jobID]; ok {
			if sub, live := cur.subs[id]; live {
				delete(cur.subs, id)
				close(sub)
			}
		}
	}
	return ch, cancel, nil
}

// pruneLocked evicts the oldest finished jobs beyond the retention cap.
// Running jobs are never evicted.
func (r *Registry) pruneLocked() {
	for len(r.order) > r.keep {
		evicted := false
		for i, id := range r.order {
			js, ok := r.jobs[id]
			if ok && !js.snap.State.Terminal() {
				continue
			}
			delete(r.jobs, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (r *Registry) publish(jobID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, ok := r.jobs[jobID]
	if !ok || js.snap.State.Terminal() {
		return
	}
	js.appendLocked(ev)
	for _, ch := range js.subs {
		select {
		case ch <- ev:
		default:
			// Slow watcher: it keeps the stream and loses this event.
		}
	}
}

func (js *jobState) appendLocked(ev Event) {
	js.history = append(js.history, ev)
	if len(js.history) > historyCap {
		js.history = js.history[len(js.history)-historyCap:]
	}
}

// Handle is the producer side of one job. All methods are safe for
// concurrent use and become no-ops after Finish.
type Handle struct {
	r  *Registry
	id string
}

func (h *Handle) ID() string { return h.id }

// Publish records one progress event and fans it out to watchers.
func (h *Handle) Publish(ev Event) { h.r.publish(h.id, ev) }

// Step emits a "started" event for a named phase.
func (h *Handle) Step(step, detail string) {
	h.Publish(Event{Step: step, Status: "started", Detail: detail})
}

// Done emits a "done" event for a phase with its duration.
func (h *Handle) Done(step, detail string, took time.Duration, data any) {
	h.Publish(Event{Step: step, Status: "done", Detail: detail, TimingMs: took.Milliseconds(), Data: data})
}

// Add folds a batch of admission outcomes into the job counters.
func (h *Handle) Add(c Counts) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if js, ok := h.r.jobs[h.id]; ok && !js.snap.State.Terminal() {
		js.snap.Counts.add(c)
	}
}

// Finish moves the job to its terminal state: FAILED when err is set,
// PARTIAL when some candidates failed, COMPLETE otherwise. The final
// event carries the job snapshot, then every subscriber channel closes.
func (h *Handle) Finish(err error) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	js, ok := h.r.jobs[h.id]
	if !ok || js.snap.State.Terminal() {
		return
	}

	js.snap.FinishedAt = time.Now().UTC()
	elapsed := js.snap.FinishedAt.Sub(js.snap.StartedAt).Milliseconds()

	final := Event{Step: "complete", Status: "done", TimingMs: elapsed}
	switch {
	case err != nil:
		js.snap.State = StateFailed
		js.snap.Error = err.Error()
		final.Step, final.Status, final.Detail = "error", "error", err.Error()
	case js.snap.Counts.Failed > 0:
		js.snap.State = StatePartial
		final.Detail = "finished with failures"
	default:
		js.snap.State = StateComplete
		final.Detail = "finished"
	}
	final.Data = js.snap
	js.appendLocked(final)

	for id, ch := range js.subs {
		select {
		case ch <- final:
		default:
		}
		delete(js.subs, id)
		close(ch)
	}

	h.r.log.Info("sync job finished",
		zap.String("job_id", h.id),
		zap.String("kind", js.snap.Kind),
		zap.String("state", string(js.snap.State)),
		zap.Int("admitted", js.snap.Counts.Admitted),
		zap.Int("failed", js.snap.Counts.Failed),
		zap.Int64("elapsed_ms", elapsed))
}
