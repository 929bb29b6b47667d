package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named periodic jobs: feed polls, lease reaping, cache
// refreshes. Job failures are logged and the cadence continues; a job
// that must stop the process should do its own escalation.
type Scheduler struct {
	log  *zap.Logger
	jobs []schedJob
}

type schedJob struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
}

func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, schedJob{name: name, every: every, run: run})
}

// Run starts every job and blocks until ctx ends. Each job starts
// after a random fraction of its interval so restarts do not fire all
// cadences at once.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j schedJob) {
			defer wg.Done()
			s.runJob(ctx, j)
		}(j)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context, j schedJob) {
	log := s.log.With(zap.String("job", j.name))

	delay := time.Duration(rand.Int63n(int64(j.every) + 1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		start := time.Now()
		if err := j.run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		} else {
			log.Debug("job ran", zap.Duration("took", time.Since(start)))
		}
		delay = j.every
	}
}
