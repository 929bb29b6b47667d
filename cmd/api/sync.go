package main

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/feedws"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/syncjob"
)

// syncJobTimeout bounds one triggered run. The full index over a slow
// quarter is the worst case; everything else finishes in minutes.
const syncJobTimeout = 30 * time.Minute

// syncRunner executes manually triggered catch-up runs for POST /sync.
// Each run gets a one-shot poller or fetch loop of its own; progress and
// counters flow through the job registry, and admitted records enter the
// same pipeline and feed stream the continuous pollers use.
type syncRunner struct {
	client   *edgar.Client
	st       *stores
	admitter *feedspine.Admitter
	pipe     *pipeline.Pipeline
	hub      *feedws.Hub
	registry *syncjob.Registry
	spine    *spine.Spine
	cache    *spine.NameCache
	metrics  *metrics.Collector
	log      *zap.Logger
}

func (r *syncRunner) StartSync(ctx context.Context, kind, target string) (string, error) {
	var run func(context.Context, *syncjob.Handle) error
	switch kind {
	case "feed":
		adapter, err := r.feedAdapter(target)
		if err != nil {
			return "", err
		}
		run = func(ctx context.Context, h *syncjob.Handle) error {
			return r.runFeed(ctx, h, adapter)
		}
	case "submissions":
		if target == "" {
			return "", eris.New("sync: submissions needs a CIK target")
		}
		adapter := edgar.NewSubmissionsAdapter(r.client, []string{target}, nil)
		run = func(ctx context.Context, h *syncjob.Handle) error {
			return r.runFeed(ctx, h, adapter)
		}
	case "fts":
		if target == "" {
			return "", eris.New("sync: fts needs a query target")
		}
		run = func(ctx context.Context, h *syncjob.Handle) error {
			return r.runFullText(ctx, h, target)
		}
	case "symbology":
		run = r.runSymbology
	default:
		return "", eris.Errorf("sync: unknown kind %q", kind)
	}

	h := r.registry.Begin(kind, target)
	r.log.Info("sync started",
		zap.String("job_id", h.ID()),
		zap.String("kind", kind),
		zap.String("target", target))

	// The run outlives the triggering request; it carries its own deadline.
	go func() {
		jctx, cancel := context.WithTimeout(context.Background(), syncJobTimeout)
		defer cancel()
		h.Finish(run(jctx, h))
	}()
	return h.ID(), nil
}

func (r *syncRunner) feedAdapter(target string) (edgar.FeedAdapter, error) {
	switch target {
	case "", "rss":
		return edgar.NewAtomAdapter(r.client, "", 100), nil
	case "daily":
		return edgar.NewDailyIndexAdapter(r.client, nil), nil
	case "full":
		return edgar.NewFullIndexAdapter(r.client, nil), nil
	}
	return nil, eris.Errorf("sync: unknown feed %q, want rss, daily or full", target)
}

// jobAdmit is the per-job admission hook: records enter the pipeline and
// the live feed stream exactly as in continuous polling, and the job's
// counters advance with each outcome.
func (r *syncRunner) jobAdmit(h *syncjob.Handle, feed string) func(context.Context, feedspine.AdmitResult, *feedspine.Record) {
	return func(ctx context.Context, res feedspine.AdmitResult, rec *feedspine.Record) {
		r.pipe.OnAdmit(ctx, res, rec)
		r.hub.Broadcast(feedws.Frame(res, rec, feed))

		c := syncjob.Counts{Candidates: 1}
		switch res {
		case feedspine.AdmitNew:
			c.Admitted = 1
		case feedspine.AdmitResighted:
			c.Resighted = 1
		case feedspine.AdmitDuplicate:
			c.Duplicates = 1
		}
		h.Add(c)
	}
}

func (r *syncRunner) runFeed(ctx context.Context, h *syncjob.Handle, adapter edgar.FeedAdapter) error {
	h.Step("poll", adapter.Name())
	start := time.Now()

	poller := feedspine.NewPoller(feedspine.PollerOptions{
		Adapter:     adapter,
		Admitter:    r.admitter,
		Store:       r.st.records,
		Checkpoints: r.st.checkpoints,
		OnAdmit:     r.jobAdmit(h, adapter.Name()),
		Metrics:     r.metrics,
	})
	if err := poller.RunOnce(ctx); err != nil {
		return err
	}

	h.Done("poll", adapter.Name(), time.Since(start), nil)
	return nil
}

func (r *syncRunner) runFullText(ctx context.Context, h *syncjob.Handle, query string) error {
	h.Step("search", query)
	start := time.Now()

	// The endpoint requires an explicit window; a trailing year covers
	// the catch-up cases this path exists for.
	to := time.Now().UTC()
	from := to.AddDate(-1, 0, 0)
	cands, err := r.client.SearchFullText(ctx, query, "", from, to)
	if err != nil {
		return err
	}
	h.Done("search", query, time.Since(start), map[string]int{"hits": len(cands)})

	h.Step("admit", "")
	start = time.Now()
	onAdmit := r.jobAdmit(h, "fts")
	for _, cand := range cands {
		res, rec, err := r.admitter.Admit(ctx, cand)
		if err != nil {
			return err
		}
		onAdmit(ctx, res, rec)
	}
	h.Done("admit", "", time.Since(start), nil)
	return nil
}

// runSymbology refreshes the ticker and exchange claims from the SEC's
// company_tickers_exchange.json and rewarms the resolver's name cache.
func (r *syncRunner) runSymbology(ctx context.Context, h *syncjob.Handle) error {
	h.Step("fetch", "company_tickers_exchange.json")
	start := time.Now()
	rows, err := r.client.FetchTickerTable(ctx)
	if err != nil {
		return err
	}
	h.Done("fetch", "company_tickers_exchange.json", time.Since(start), map[string]int{"rows": len(rows)})

	h.Step("register", "")
	start = time.Now()
	var c syncjob.Counts
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Candidates++
		cik := strconv.FormatInt(row.CIK, 10)
		id := spine.AuthoritativeIdentity{
			SourceSystem: "sec_tickers",
			SourceID:     cik,
			CIK:          cik,
			Name:         row.Name,
			EntityType:   spine.TypeCompanyPublic,
		}
		if row.Ticker != "" {
			id.Tickers = []spine.TickerListing{{Ticker: row.Ticker, Exchange: row.Exchange}}
		}
		if _, err := r.spine.RegisterAuthoritative(ctx, id); err != nil {
			c.Failed++
			r.log.Warn("symbology row rejected",
				zap.String("cik", cik),
				zap.String("ticker", row.Ticker),
				zap.Error(err))
			continue
		}
		c.Admitted++
	}
	h.Add(c)
	h.Done("register", "", time.Since(start), nil)

	h.Step("cache", "name cache refresh")
	start = time.Now()
	if err := r.cache.Refresh(ctx, r.spine.Store(), 0); err != nil {
		return err
	}
	h.Done("cache", "name cache refresh", time.Since(start), map[string]int{"names": r.cache.Len()})
	return nil
}
