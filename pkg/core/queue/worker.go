package queue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// Handler processes one task. A nil return acknowledges it; an error
// sends it back through the retry policy. Handlers must respect ctx,
// which carries the task deadline.
type Handler func(ctx context.Context, task *Task) error

// Worker runs a pool of goroutines consuming one queue. Panics inside
// a handler are treated as broken invariants: the task dead-letters
// immediately and the goroutine keeps serving.
type Worker struct {
	queue        Queue
	name         string
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	recorder     *validate.Recorder
	log          *zap.Logger
}

type WorkerOptions struct {
	Concurrency  int           // default 1
	PollInterval time.Duration // default 1s
	Recorder     *validate.Recorder
	Logger       *zap.Logger
}

func NewWorker(q Queue, name string, h Handler, opts WorkerOptions) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		queue:        q,
		name:         name,
		handler:      h,
		concurrency:  concurrency,
		pollInterval: poll,
		recorder:     opts.Recorder,
		log:          log.With(zap.String("queue", name)),
	}
}

// Run consumes until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, w.name)
		switch {
		case eris.Is(err, ErrEmpty):
			if !w.sleep(ctx) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.log.Error("dequeue failed", zap.Error(err))
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.process(ctx, task)
	}
}

// process runs the handler under the task deadline and settles the
// lease. Settlement uses the parent context so an expired task
// deadline cannot also kill the ack or nack.
func (w *Worker) process(ctx context.Context, task *Task) {
	tctx := ctx
	if !task.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(ctx, task.DeadlineAt)
		defer cancel()
	}

	err, panicked := w.invoke(tctx, task)
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, task.TaskID); ackErr != nil {
			w.log.Error("ack failed", zap.String("task_id", task.TaskID), zap.Error(ackErr))
		}
	case panicked:
		if qErr := w.queue.Quarantine(ctx, task.TaskID, err.Error()); qErr != nil {
			w.log.Error("quarantine failed", zap.String("task_id", task.TaskID), zap.Error(qErr))
		}
	default:
		w.log.Warn("task failed",
			zap.String("task_id", task.TaskID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		if nackErr := w.queue.Nack(ctx, task.TaskID, err); nackErr != nil {
			w.log.Error("nack failed", zap.String("task_id", task.TaskID), zap.Error(nackErr))
		}
	}
}

func (w *Worker) invoke(ctx context.Context, task *Task) (err error, panicked bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		panicked = true
		err = eris.Errorf("handler panic: %v", r)
		w.log.Error("handler panicked",
			zap.String("task_id", task.TaskID),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
		if w.recorder != nil {
			// Detached so a blown task deadline cannot drop the event.
			w.recorder.Record(context.WithoutCancel(ctx), validate.Event{
				Kind:     validate.KindTaskPanic,
				Severity: validate.SeverityError,
				Subject:  task.TaskID,
				Detail:   err.Error(),
				Context:  map[string]any{"queue": w.name, "attempts": task.Attempts},
			})
		}
	}()
	return w.handler(ctx, task), false
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.pollInterval):
		return true
	}
}
