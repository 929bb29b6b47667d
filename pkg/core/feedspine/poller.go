package feedspine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

// Poller drives one feed adapter: fetch from the saved cursor, admit every
// candidate, quarantine poison rows, and only then commit the new cursor.
// A crash between admit and commit replays the batch; deduplication absorbs
// the replay.
type Poller struct {
	adapter     edgar.FeedAdapter
	admitter    *Admitter
	store       Store
	checkpoints CheckpointStore
	interval    time.Duration
	onAdmit     func(context.Context, AdmitResult, *Record)
	metrics     *metrics.Collector
	log         *zap.Logger
}

// PollerOptions wires a Poller; Interval is the idle gap between rounds.
type PollerOptions struct {
	Adapter     edgar.FeedAdapter
	Admitter    *Admitter
	Store       Store
	Checkpoints CheckpointStore
	Interval    time.Duration
	// OnAdmit runs after each successful admission, before the cursor
	// commits. Used to hand NEW records to the work queue.
	OnAdmit func(context.Context, AdmitResult, *Record)
	Metrics *metrics.Collector
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Poller{
		adapter:     opts.Adapter,
		admitter:    opts.Admitter,
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		interval:    opts.Interval,
		onAdmit:     opts.OnAdmit,
		metrics:     opts.Metrics,
		log:         logging.Component("feedspine.poller").With(zap.String("feed", opts.Adapter.Name())),
	}
}

// Run polls until the context ends. Failed rounds back off exponentially,
// capped at ten times the poll interval; a clean round resets the backoff.
func (p *Poller) Run(ctx context.Context) error {
	delay := p.interval
	for {
		if err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("poll round failed", zap.Error(err), zap.Duration("retry_in", delay))
			if delay = delay * 2; delay > 10*p.interval {
				delay = 10 * p.interval
			}
		} else {
			delay = p.interval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// RunOnce performs a single fetch→admit→checkpoint round. The cursor only
// advances when every candidate of the round was durably admitted.
func (p *Poller) RunOnce(ctx context.Context) error {
	cursor, err := p.checkpoints.GetCheckpoint(ctx, p.adapter.Name())
	if err != nil {
		return err
	}

	result, fetchErr := p.adapter.Fetch(ctx, cursor)
	if result == nil {
		return fetchErr
	}

	admitted := 0
	for _, cand := range result.Candidates {
		res, rec, err := p.admitter.Admit(ctx, cand)
		if err != nil {
			// Durability failure: stop here so the unchanged cursor
			// replays this batch next round.
			return err
		}
		admitted++
		if p.onAdmit != nil {
			p.onAdmit(ctx, res, rec)
		}
	}

	for _, poison := range result.Poison {
		if err := p.store.QuarantinePoison(ctx, poison); err != nil {
			return err
		}
	}

	// A partial fetch keeps its prior cursor even though its candidates
	// were admitted; the refetch is absorbed as RESIGHTED/DUPLICATE.
	if fetchErr != nil {
		return fetchErr
	}

	if result.NextCursor != cursor {
		if err := p.checkpoints.SetCheckpoint(ctx, p.adapter.Name(), result.NextCursor); err != nil {
			return err
		}
	}

	p.log.Debug("poll round complete",
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("admitted", admitted),
		zap.Int("poison", len(result.Poison)),
		zap.String("cursor", result.NextCursor))
	return nil
}
