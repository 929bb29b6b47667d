package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/feedws"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/config"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

type ingestDeps struct {
	cfg      *config.Config
	client   *edgar.Client
	st       *stores
	admitter *feedspine.Admitter
	pipe     *pipeline.Pipeline
	hub      *feedws.Hub
	recorder *validate.Recorder
	metrics  *metrics.Collector
	cache    *spine.NameCache
	log      *zap.Logger
}

// startIngest runs the continuous side of the system inside the API
// process: one poller per feed, one worker per stage queue, and the
// maintenance scheduler. Larger deployments disable api.ingest and run
// edgard instead; the wiring here mirrors it at single-binary scale.
func startIngest(ctx context.Context, g *errgroup.Group, d ingestDeps) {
	feeds := []struct {
		adapter  edgar.FeedAdapter
		interval time.Duration
	}{
		{edgar.NewAtomAdapter(d.client, "", 100), d.cfg.Feeds.RSSInterval},
		{edgar.NewDailyIndexAdapter(d.client, nil), d.cfg.Feeds.DailyInterval},
		{edgar.NewFullIndexAdapter(d.client, nil), d.cfg.Feeds.FullInterval},
	}
	for _, f := range feeds {
		feed := f.adapter.Name()
		poller := feedspine.NewPoller(feedspine.PollerOptions{
			Adapter:     f.adapter,
			Admitter:    d.admitter,
			Store:       d.st.records,
			Checkpoints: d.st.checkpoints,
			Interval:    f.interval,
			OnAdmit: func(ctx context.Context, res feedspine.AdmitResult, rec *feedspine.Record) {
				d.pipe.OnAdmit(ctx, res, rec)
				d.hub.Broadcast(feedws.Frame(res, rec, feed))
			},
			Metrics: d.metrics,
		})
		g.Go(func() error {
			err := poller.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	for name, h := range d.pipe.Handlers() {
		w := queue.NewWorker(d.st.queue, name, h, queue.WorkerOptions{
			Recorder: d.recorder,
			Logger:   logging.Component("worker"),
		})
		g.Go(func() error {
			err := w.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	sch := queue.NewScheduler(d.log)
	sch.Add("queue:reap", time.Minute, func(ctx context.Context) error {
		n, err := d.st.queue.ReapExpired(ctx)
		if n > 0 {
			d.log.Info("reaped expired leases", zap.Int("count", n))
		}
		return err
	})
	sch.Add("queue:depth", 15*time.Second, func(ctx context.Context) error {
		return gaugeQueueDepths(ctx, d.st.queue, d.metrics)
	})
	sch.Add("spine:cache", time.Hour, func(ctx context.Context) error {
		return d.cache.Refresh(ctx, d.st.spine, 0)
	})
	g.Go(func() error {
		err := sch.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

func gaugeQueueDepths(ctx context.Context, q queue.Queue, m *metrics.Collector) error {
	for _, name := range []string{
		queue.FilingsParse,
		queue.SectionsMentions,
		queue.MentionsResolve,
		queue.ResolvedGraph,
	} {
		depth, err := q.Depth(ctx, name)
		if err != nil {
			return err
		}
		m.QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
	return nil
}
