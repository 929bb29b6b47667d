// Package validate records data-quality findings from the pipeline.
//
// Stages never abort on a quality problem they can survive. A parser that
// finds two section headings claiming the same byte range, a resolver that
// detects a redirect cycle, an extractor whose span no longer matches the
// canonical text: each reports an Event here and keeps going. Events are
// counted, logged, and optionally persisted so operators can see defects
// without tailing logs.
package validate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

// ============================================================================
// Event Kinds
// ============================================================================

// Kind classifies a validation event. Kinds are stable strings so they can
// be filtered in storage and charted as metric labels.
type Kind string

const (
	// KindParserOverlap fires when two section headings of equal priority
	// claim overlapping character ranges. The parser keeps the earlier
	// heading and drops the later one.
	KindParserOverlap Kind = "PARSER_OVERLAP"

	// KindPoisonDocument fires when a primary document cannot be reduced
	// to canonical text at all. The filing stays at the capture layer.
	KindPoisonDocument Kind = "POISON_DOCUMENT"

	// KindSpanMismatch fires when a stored mention span no longer
	// reproduces its surface text against the canonical document.
	KindSpanMismatch Kind = "SPAN_MISMATCH"

	// KindRedirectCycle fires when following entity merge redirects
	// revisits an entity. The walk stops at the last good hop.
	KindRedirectCycle Kind = "REDIRECT_CYCLE"

	// KindAsOfIgnored fires when a point-in-time lookup is requested for
	// an identifier scheme that carries no validity interval.
	KindAsOfIgnored Kind = "AS_OF_IGNORED"

	// KindClaimConflict fires when one identifier has two active claims
	// pointing at different targets.
	KindClaimConflict Kind = "CLAIM_CONFLICT"

	// KindAmbiguousEntity fires when a name matches more than one
	// canonical entity too closely to pick a winner. The sighting is
	// dropped rather than guessed.
	KindAmbiguousEntity Kind = "AMBIGUOUS_ENTITY"

	// KindTaskPanic fires when a worker handler panics. The task goes
	// straight to the dead-letter store; retrying a broken invariant
	// would fail the same way.
	KindTaskPanic Kind = "TASK_PANIC"
)

// Severity ranks an event for triage. Warnings are tolerable drift, errors
// mean some output is missing or wrong.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ============================================================================
// Event
// ============================================================================

// Event is one recorded finding. Accession links the event to a filing when
// one is in scope; Subject carries a non-filing anchor such as an entity ID
// or a natural key. Context holds small kind-specific details.
type Event struct {
	EventID    int64          `json:"event_id,omitempty"`
	Kind       Kind           `json:"kind"`
	Severity   Severity       `json:"severity"`
	Accession  string         `json:"accession,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Detail     string         `json:"detail"`
	Context    map[string]any `json:"context,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Sink is a durable destination for events. The Postgres event repository
// and MemorySink both implement it.
type Sink interface {
	SaveEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	Kind      Kind
	Accession string
	Since     time.Time
	Limit     int
}

// ============================================================================
// Recorder
// ============================================================================

// Recorder is the write path every stage uses. It stamps, counts, and logs
// each event, then hands it to the sink. A sink failure is itself logged
// rather than returned: losing one event row must never fail the stage
// that reported it.
type Recorder struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// RecorderOptions configures a Recorder. Every field is optional; a zero
// options value yields a recorder that only counts against a throwaway
// collector.
type RecorderOptions struct {
	Sink    Sink
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

func NewRecorder(opts RecorderOptions) *Recorder {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Recorder{
		sink:    opts.Sink,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Record finalizes and emits one event. Missing ObservedAt is stamped with
// the current time and a missing severity defaults to warning.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = r.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityWarning
	}

	r.metrics.ValidationEvents.WithLabelValues(string(ev.Kind)).Inc()

	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("detail", ev.Detail),
	}
	if ev.Accession != "" {
		fields = append(fields, zap.String("accession", ev.Accession))
	}
	if ev.Subject != "" {
		fields = append(fields, zap.String("subject", ev.Subject))
	}
	switch ev.Severity {
	case SeverityError:
		r.log.Error("validation event", fields...)
	default:
		r.log.Warn("validation event", fields...)
	}

	if r.sink == nil {
		return
	}
	if err := r.sink.SaveEvent(ctx, ev); err != nil {
		r.log.Error("validation event not persisted",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// ============================================================================
// Span Checks
// ============================================================================

// SpanCheck reports whether a half-open character range sits inside a
// document of the given length.
type SpanCheck struct {
	IsValid bool
	Reason  string
}

// CheckSpanBounds validates 0 <= start < end <= length.
func CheckSpanBounds(length, start, end int) SpanCheck {
	switch {
	case start < 0:
		return SpanCheck{Reason: "start before document"}
	case end <= start:
		return SpanCheck{Reason: "empty or inverted range"}
	case end > length:
		return SpanCheck{Reason: "end past document"}
	}
	return SpanCheck{IsValid: true}
}

// Overlaps reports whether two half-open ranges share any character.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}
