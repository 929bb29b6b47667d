package mentions

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// ============================================================
// Cascade
// ============================================================

// Cascade runs extractors in order and reconciles their output. One
// failing extractor never blocks the others; its error is logged and its
// finds are simply absent.
type Cascade struct {
	extractors []Extractor
	recorder   *validate.Recorder
	metrics    *metrics.Collector
	log        *zap.Logger
}

type CascadeOptions struct {
	Extractors []Extractor
	Recorder   *validate.Recorder
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

func NewCascade(opts CascadeOptions) *Cascade {
	c := &Cascade{
		extractors: opts.Extractors,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
	if c.recorder == nil {
		c.recorder = validate.NewRecorder(validate.RecorderOptions{})
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// Extract runs the cascade over one section and returns reconciled,
// position-ordered candidates.
func (c *Cascade) Extract(ctx context.Context, in Input) []CandidateMention {
	var all []CandidateMention
	for _, ex := range c.extractors {
		found, err := ex.Extract(ctx, in)
		if err != nil {
			c.log.Warn("extractor failed, continuing cascade",
				zap.String("extractor", ex.Name()),
				zap.String("accession", in.Accession),
				zap.String("section", in.SectionKey),
				zap.Error(err))
			continue
		}
		all = append(all, c.verifySpans(ctx, in, ex, found)...)
	}

	kept := Reconcile(all)
	for _, cand := range kept {
		c.metrics.MentionsExtracted.WithLabelValues(string(cand.Method)).Inc()
	}
	return kept
}

// verifySpans drops any candidate whose offsets do not reproduce its
// text. Every surviving span satisfies text == document[start:end].
func (c *Cascade) verifySpans(ctx context.Context, in Input, ex Extractor, cands []CandidateMention) []CandidateMention {
	out := cands[:0]
	for _, cand := range cands {
		start, end := cand.CharStart-in.Offset, cand.CharEnd-in.Offset
		check := validate.CheckSpanBounds(len(in.Text), start, end)
		if check.IsValid && in.Text[start:end] == cand.Text {
			out = append(out, cand)
			continue
		}
		detail := check.Reason
		if detail == "" {
			detail = "span bytes do not match mention text"
		}
		c.recorder.Record(ctx, validate.Event{
			Kind:      validate.KindSpanMismatch,
			Severity:  validate.SeverityError,
			Accession: in.Accession,
			Subject:   cand.Text,
			Detail:    detail,
			Context: map[string]any{
				"extractor":   ex.Name(),
				"section_key": in.SectionKey,
				"char_start":  cand.CharStart,
				"char_end":    cand.CharEnd,
			},
		})
	}
	return out
}

// Reconcile resolves overlapping candidates: highest confidence wins,
// ties fall to method priority, then to the longer span. Survivors come
// back ordered by position.
func Reconcile(cands []CandidateMention) []CandidateMention {
	if len(cands) == 0 {
		return nil
	}
	ranked := make([]CandidateMention, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Method.Priority() != b.Method.Priority() {
			return a.Method.Priority() > b.Method.Priority()
		}
		if la, lb := a.CharEnd-a.CharStart, b.CharEnd-b.CharStart; la != lb {
			return la > lb
		}
		return a.CharStart < b.CharStart
	})

	var kept []CandidateMention
	for _, cand := range ranked {
		clear := true
		for _, k := range kept {
			if validate.Overlaps(cand.CharStart, cand.CharEnd, k.CharStart, k.CharEnd) {
				clear = false
				break
			}
		}
		if clear {
			kept = append(kept, cand)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CharStart < kept[j].CharStart })
	return kept
}
