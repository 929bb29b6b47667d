// Package pipeline connects capture, sectioning, mention extraction,
// resolution, and graph construction through the stage queues. Each
// stage is a queue handler: it does one filing's worth of work against
// the stores and enqueues the next stage. Handlers are idempotent, so
// at-least-once delivery costs repeated work, never duplicated rows.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

// ParseTask fetches and sections one admitted filing.
type ParseTask struct {
	RecordID  int64  `json:"record_id"`
	Accession string `json:"accession"`
	CIK       string `json:"cik"`
	FormType  string `json:"form_type"`
}

// MentionTask runs the extraction cascade over a filing's current
// sections.
type MentionTask struct {
	Accession string `json:"accession"`
}

// ResolveTask resolves a filing's unresolved mentions against the
// entity spine.
type ResolveTask struct {
	Accession string `json:"accession"`
}

// GraphTask folds a filing's resolved mentions and exhibits into the
// relationship graph.
type GraphTask struct {
	Accession string `json:"accession"`
}

// BundleSource materializes filing bundles. *fetcher.Fetcher is the
// production implementation; tests substitute fixture bundles.
type BundleSource interface {
	Fetch(ctx context.Context, cik, accession string, opts fetcher.Options) (*fetcher.Bundle, error)
	Load(cik, accession string) (*fetcher.Bundle, error)
}

// Pipeline owns the stage handlers. Every collaborator is injected;
// nothing here touches the network or the clock directly.
type Pipeline struct {
	records  feedspine.Store
	sections sections.Store
	mentions mentions.Store
	queue    queue.Queue
	source   BundleSource
	parser   *sections.Parser
	cascade  *mentions.Cascade
	resolver *spine.Resolver
	spine    *spine.Spine
	builder  *graph.Builder
	window   int
	log      *zap.Logger
	now      func() time.Time
}

type Options struct {
	Records  feedspine.Store
	Sections sections.Store
	Mentions mentions.Store
	Queue    queue.Queue
	Source   BundleSource
	Parser   *sections.Parser
	Cascade  *mentions.Cascade
	Resolver *spine.Resolver
	Spine    *spine.Spine
	Builder  *graph.Builder

	// SectionWindow caps how much section text one cascade call sees.
	// Zero keeps sections.DefaultWindowChars.
	SectionWindow int
	Logger        *zap.Logger
}

func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = logging.Component("pipeline")
	}
	return &Pipeline{
		records:  opts.Records,
		sections: opts.Sections,
		mentions: opts.Mentions,
		queue:    opts.Queue,
		source:   opts.Source,
		parser:   opts.Parser,
		cascade:  opts.Cascade,
		resolver: opts.Resolver,
		spine:    opts.Spine,
		builder:  opts.Builder,
		window:   opts.SectionWindow,
		log:      log,
		now:      time.Now,
	}
}

// Handlers maps each stage queue to its handler, the shape worker
// wiring consumes.
func (p *Pipeline) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.FilingsParse:     p.HandleParse,
		queue.SectionsMentions: p.HandleMentions,
		queue.MentionsResolve:  p.HandleResolve,
		queue.ResolvedGraph:    p.HandleGraph,
	}
}

// OnAdmit feeds the parse queue from the capture layer. Wired into the
// poller, it runs after each admission and before the feed cursor
// commits, so a crash between the two re-admits rather than drops.
func (p *Pipeline) OnAdmit(ctx context.Context, res feedspine.AdmitResult, rec *feedspine.Record) {
	if rec == nil {
		return
	}
	switch res {
	case feedspine.AdmitNew:
	case feedspine.AdmitResighted:
		// Unchanged resights of processed records need no new work.
		if rec.Processed {
			return
		}
	default:
		return
	}
	task := ParseTask{
		RecordID:  rec.RecordID,
		Accession: rec.Accession,
		CIK:       rec.CIK,
		FormType:  rec.FormType,
	}
	if _, err := p.queue.Enqueue(ctx, queue.FilingsParse, task); err != nil {
		p.log.Error("enqueue parse task",
			zap.String("accession", rec.Accession),
			zap.Error(err))
	}
}
