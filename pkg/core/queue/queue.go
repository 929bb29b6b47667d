// Package queue moves tasks between pipeline stages with at-least-once
// delivery. Producers enqueue JSON payloads; workers lease tasks, and a
// failed or abandoned lease returns the task to the queue with jittered
// exponential backoff until its attempts run out and it lands in the
// dead-letter store. Consumers are expected to be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
)

// Stage queue names. Producers and consumers agree on these; nothing
// stops an operator from adding more.
const (
	FilingsParse     = "filings:parse"
	SectionsMentions = "sections:mentions"
	MentionsResolve  = "mentions:resolve"
	ResolvedGraph    = "resolved:graph"
)

// ErrEmpty reports that a queue has no task ready to lease.
var ErrEmpty = eris.New("queue: empty")

// Task is one unit of work in flight. Attempts counts leases, not
// failures: a worker that crashes mid-task has still spent an attempt.
type Task struct {
	TaskID      string          `json:"task_id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	NextAttempt time.Time       `json:"next_attempt_at"`
	DeadlineAt  time.Time       `json:"deadline_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// DeadLetter is a task that exhausted its retries, kept with the final
// error so operators can inspect and replay it.
type DeadLetter struct {
	DeadLetterID int64     `json:"dead_letter_id"`
	Task         Task      `json:"task"`
	FinalError   string    `json:"final_error"`
	DeadAt       time.Time `json:"dead_at"`
}

// Queue is the durability contract both implementations honor.
type Queue interface {
	// Enqueue adds a task. When the queue sits at its high-water mark
	// the call blocks cooperatively until space opens or ctx ends.
	Enqueue(ctx context.Context, queue string, payload any) (*Task, error)

	// Dequeue leases the next ready task. ErrEmpty when nothing is due.
	Dequeue(ctx context.Context, queue string) (*Task, error)

	// Ack completes a leased task and removes it.
	Ack(ctx context.Context, taskID string) error

	// Nack fails a leased task: it re-enters the queue after backoff,
	// or dead-letters once its attempts are spent.
	Nack(ctx context.Context, taskID string, taskErr error) error

	// Quarantine dead-letters a leased task immediately, bypassing the
	// retry budget. Workers use it for failures retrying cannot fix.
	Quarantine(ctx context.Context, taskID string, reason string) error

	// Depth counts tasks alive in a queue, leased ones included.
	Depth(ctx context.Context, queue string) (int, error)

	// ReapExpired returns timed-out leases to the queue (or the
	// dead-letter store). Schedulers run it periodically.
	ReapExpired(ctx context.Context) (int, error)

	// DeadLetters lists quarantined tasks for a queue, newest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)

	// Replay moves a dead letter back onto its queue with a fresh
	// attempt budget.
	Replay(ctx context.Context, deadLetterID int64) error
}

// Policy bundles the retry and capacity knobs. One policy covers all
// queues in an instance; the config layer feeds it.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JitterFrac  float64
	LeaseFor    time.Duration
	Deadline    time.Duration
	HighWater   int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
		JitterFrac:  0.2,
		LeaseFor:    5 * time.Minute,
		Deadline:    2 * time.Minute,
		HighWater:   1000,
	}
}

// Backoff computes the delay before retry number attempt (1-based),
// doubling from the base, capped, with symmetric jitter so a burst of
// failures does not retry in lockstep.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			d = p.BackoffMax
			break
		}
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.JitterFrac > 0 {
		span := float64(d) * p.JitterFrac
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := payload.([]byte); ok {
		return json.RawMessage(raw), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal payload")
	}
	return data, nil
}
