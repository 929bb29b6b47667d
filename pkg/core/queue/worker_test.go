package queue

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

func workerPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		JitterFrac:  0,
		LeaseFor:    time.Minute,
		Deadline:    time.Minute,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(workerPolicy())
	handled := make(chan *Task, 1)
	var sawDeadline atomic.Bool

	w := NewWorker(q, SectionsMentions, func(tctx context.Context, task *Task) error {
		if _, ok := tctx.Deadline(); ok {
			sawDeadline.Store(true)
		}
		handled <- task
		return nil
	}, WorkerOptions{PollInterval: 5 * time.Millisecond, Logger: zap.NewNop()})

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	if _, err := q.Enqueue(ctx, SectionsMentions, map[string]string{"accession": "X"}); err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-handled:
		if !strings.Contains(string(task.Payload), "accession") {
			t.Errorf("payload = %s", task.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	if !sawDeadline.Load() {
		t.Error("handler context carried no deadline")
	}

	waitFor(t, 2*time.Second, "task to be acked", func() bool {
		depth, _ := q.Depth(context.Background(), SectionsMentions)
		return depth == 0
	})

	cancel()
	if err := <-runErr; !eris.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(workerPolicy())
	var calls atomic.Int32

	w := NewWorker(q, FilingsParse, func(_ context.Context, task *Task) error {
		if calls.Add(1) == 1 {
			return eris.New("upstream hiccup")
		}
		if task.Attempts != 2 {
			t.Errorf("redelivery attempts = %d, want 2", task.Attempts)
		}
		return nil
	}, WorkerOptions{PollInterval: 5 * time.Millisecond})

	go w.Run(ctx)

	if _, err := q.Enqueue(ctx, FilingsParse, "a"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "task to retry and complete", func() bool {
		depth, _ := q.Depth(context.Background(), FilingsParse)
		return calls.Load() >= 2 && depth == 0
	})

	if dead, _ := q.DeadLetters(context.Background(), FilingsParse, 0); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0 for a recovered task", len(dead))
	}
}

func TestWorkerDeadLettersOnExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(workerPolicy())
	w := NewWorker(q, FilingsParse, func(_ context.Context, _ *Task) error {
		return eris.New("document is poison")
	}, WorkerOptions{PollInterval: 5 * time.Millisecond})

	go w.Run(ctx)

	if _, err := q.Enqueue(ctx, FilingsParse, "a"); err != nil {
		t.Fatal(err)
	}

	var dead []DeadLetter
	waitFor(t, 2*time.Second, "task to dead-letter", func() bool {
		dead, _ = q.DeadLetters(context.Background(), FilingsParse, 0)
		return len(dead) == 1
	})
	if dead[0].Task.Attempts != 2 {
		t.Errorf("attempts = %d, want the full budget spent", dead[0].Task.Attempts)
	}
	if !strings.Contains(dead[0].FinalError, "document is poison") {
		t.Errorf("final error = %q", dead[0].FinalError)
	}
}

func TestWorkerQuarantinesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(workerPolicy())
	sink := validate.NewMemorySink()
	rec := validate.NewRecorder(validate.RecorderOptions{Sink: sink})
	var calls atomic.Int32

	w := NewWorker(q, MentionsResolve, func(_ context.Context, _ *Task) error {
		calls.Add(1)
		panic("mention offsets out of range")
	}, WorkerOptions{PollInterval: 5 * time.Millisecond, Recorder: rec})

	go w.Run(ctx)

	if _, err := q.Enqueue(ctx, MentionsResolve, "a"); err != nil {
		t.Fatal(err)
	}

	var dead []DeadLetter
	waitFor(t, 2*time.Second, "panic to quarantine", func() bool {
		dead, _ = q.DeadLetters(context.Background(), MentionsResolve, 0)
		return len(dead) == 1
	})

	// A panic bypasses the retry budget and does not kill the worker pool.
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if dead[0].Task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", dead[0].Task.Attempts)
	}
	if !strings.Contains(dead[0].FinalError, "handler panic") {
		t.Errorf("final error = %q", dead[0].FinalError)
	}

	events, err := sink.ListEvents(context.Background(), validate.EventFilter{Kind: validate.KindTaskPanic})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("panic events = %d, want 1", len(events))
	}
	if events[0].Context["queue"] != MentionsResolve {
		t.Errorf("event queue = %v", events[0].Context["queue"])
	}
}
