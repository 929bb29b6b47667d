package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

// PGQueue is the durable queue. Workers on separate processes contend
// for tasks through FOR UPDATE SKIP LOCKED, so a slow consumer never
// blocks its peers and a crashed one just lets its lease expire.
type PGQueue struct {
	pool    *pgxpool.Pool
	policy  Policy
	metrics *metrics.Collector
	log     *zap.Logger
}

type PGQueueOptions struct {
	Policy  *Policy // nil means DefaultPolicy
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

func NewPGQueue(pool *pgxpool.Pool, opts PGQueueOptions) *PGQueue {
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &PGQueue{pool: pool, policy: policy, metrics: opts.Metrics, log: log}
}

func (q *PGQueue) Enqueue(ctx context.Context, queue string, payload any) (*Task, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	for {
		depth, err := q.Depth(ctx, queue)
		if err != nil {
			return nil, err
		}
		if q.policy.HighWater <= 0 || depth < q.policy.HighWater {
			break
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "queue: enqueue blocked at high water")
		case <-time.After(250 * time.Millisecond):
		}
	}

	const sql = `
		INSERT INTO work_queue (task_id, queue, payload, state, attempts, enqueued_at, next_attempt_at)
		VALUES (gen_random_uuid(), $1, $2, 'PENDING', 0, now(), now())
		RETURNING task_id, enqueued_at, next_attempt_at`

	t := Task{Queue: queue, Payload: raw}
	if err := q.pool.QueryRow(ctx, sql, queue, raw).Scan(&t.TaskID, &t.EnqueuedAt, &t.NextAttempt); err != nil {
		return nil, eris.Wrapf(err, "queue: enqueue %s", queue)
	}
	q.setDepth(ctx, queue)
	return &t, nil
}

func (q *PGQueue) Dequeue(ctx context.Context, queue string) (*Task, error) {
	// One statement leases atomically: the subquery locks the chosen
	// row, SKIP LOCKED steps over rows other workers hold.
	const sql = `
		UPDATE work_queue w
		SET state = 'LEASED',
		    attempts = w.attempts + 1,
		    lease_expires_at = $2,
		    deadline_at = $3
		FROM (
			SELECT task_id
			FROM work_queue
			WHERE queue = $1 AND state = 'PENDING' AND next_attempt_at <= now()
			ORDER BY next_attempt_at, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) next
		WHERE w.task_id = next.task_id
		RETURNING w.task_id, w.queue, w.payload, w.attempts, w.enqueued_at,
		          w.next_attempt_at, w.deadline_at, COALESCE(w.last_error, '')`

	now := time.Now().UTC()
	var t Task
	err := q.pool.QueryRow(ctx, sql, queue, now.Add(q.policy.LeaseFor), now.Add(q.policy.Deadline)).Scan(
		&t.TaskID, &t.Queue, &t.Payload, &t.Attempts, &t.EnqueuedAt,
		&t.NextAttempt, &t.DeadlineAt, &t.LastError)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, eris.Wrapf(err, "queue: dequeue %s", queue)
	}
	return &t, nil
}

func (q *PGQueue) Ack(ctx context.Context, taskID string) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM work_queue WHERE task_id = $1 AND state = 'LEASED'`, taskID)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: task %s not leased", taskID)
	}
	return nil
}

func (q *PGQueue) Nack(ctx context.Context, taskID string, taskErr error) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin nack")
	}
	defer tx.Rollback(ctx)

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT task_id, queue, payload, attempts, enqueued_at
		FROM work_queue
		WHERE task_id = $1 AND state = 'LEASED'
		FOR UPDATE`, taskID).Scan(&t.TaskID, &t.Queue, &t.Payload, &t.Attempts, &t.EnqueuedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("queue: task %s not leased", taskID)
		}
		return eris.Wrapf(err, "queue: load task %s", taskID)
	}

	msg := errText(taskErr)
	if t.Attempts >= q.policy.MaxAttempts {
		if err := q.quarantine(ctx, tx, &t, msg); err != nil {
			return err
		}
	} else {
		nextAt := time.Now().UTC().Add(q.policy.Backoff(t.Attempts))
		_, err = tx.Exec(ctx, `
			UPDATE work_queue
			SET state = 'PENDING', next_attempt_at = $2, last_error = $3
			WHERE task_id = $1`, taskID, nextAt, msg)
		if err != nil {
			return eris.Wrapf(err, "queue: requeue %s", taskID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "queue: commit nack")
	}
	q.setDepth(ctx, t.Queue)
	return nil
}

func (q *PGQueue) Quarantine(ctx context.Context, taskID string, reason string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin quarantine")
	}
	defer tx.Rollback(ctx)

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT task_id, queue, payload, attempts, enqueued_at
		FROM work_queue
		WHERE task_id = $1 AND state = 'LEASED'
		FOR UPDATE`, taskID).Scan(&t.TaskID, &t.Queue, &t.Payload, &t.Attempts, &t.EnqueuedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("queue: task %s not leased", taskID)
		}
		return eris.Wrapf(err, "queue: load task %s", taskID)
	}
	if err := q.quarantine(ctx, tx, &t, reason); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "queue: commit quarantine")
	}
	q.setDepth(ctx, t.Queue)
	return nil
}

func (q *PGQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM work_queue WHERE queue = $1`, queue).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: depth %s", queue)
	}
	return n, nil
}

// ReapExpired requeues or quarantines tasks whose lease outlived its
// worker. Attempts already counted the lost lease, so the policy check
// is the same as a Nack.
func (q *PGQueue) ReapExpired(ctx context.Context) (int, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "queue: begin reap")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT task_id, queue, payload, attempts, enqueued_at
		FROM work_queue
		WHERE state = 'LEASED' AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, eris.Wrap(err, "queue: scan expired leases")
	}
	var expired []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.TaskID, &t.Queue, &t.Payload, &t.Attempts, &t.EnqueuedAt); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "queue: scan expired lease row")
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "queue: iterate expired leases")
	}

	for i := range expired {
		t := &expired[i]
		if t.Attempts >= q.policy.MaxAttempts {
			if err := q.quarantine(ctx, tx, t, "lease expired"); err != nil {
				return 0, err
			}
			continue
		}
		nextAt := time.Now().UTC().Add(q.policy.Backoff(t.Attempts))
		_, err = tx.Exec(ctx, `
			UPDATE work_queue
			SET state = 'PENDING', next_attempt_at = $2, last_error = 'lease expired'
			WHERE task_id = $1`, t.TaskID, nextAt)
		if err != nil {
			return 0, eris.Wrapf(err, "queue: requeue expired %s", t.TaskID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "queue: commit reap")
	}
	if len(expired) > 0 {
		q.log.Warn("reaped expired leases", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (q *PGQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT dead_letter_id, task_id, queue, payload, attempts, enqueued_at, final_error, dead_at
		FROM dead_letters
		WHERE ($1 = '' OR queue = $1)
		ORDER BY dead_at DESC
		LIMIT $2`, queue, limit)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.DeadLetterID, &dl.Task.TaskID, &dl.Task.Queue, &dl.Task.Payload,
			&dl.Task.Attempts, &dl.Task.EnqueuedAt, &dl.FinalError, &dl.DeadAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *PGQueue) Replay(ctx context.Context, deadLetterID int64) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin replay")
	}
	defer tx.Rollback(ctx)

	var t Task
	err = tx.QueryRow(ctx, `
		DELETE FROM dead_letters WHERE dead_letter_id = $1
		RETURNING task_id, queue, payload`, deadLetterID).Scan(&t.TaskID, &t.Queue, &t.Payload)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("queue: dead letter %d not found", deadLetterID)
		}
		return eris.Wrapf(err, "queue: delete dead letter %d", deadLetterID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO work_queue (task_id, queue, payload, state, attempts, enqueued_at, next_attempt_at)
		VALUES ($1, $2, $3, 'PENDING', 0, now(), now())`, t.TaskID, t.Queue, t.Payload)
	if err != nil {
		return eris.Wrapf(err, "queue: replay %d", deadLetterID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "queue: commit replay")
	}
	q.log.Info("dead letter replayed",
		zap.Int64("dead_letter_id", deadLetterID),
		zap.String("queue", t.Queue))
	return nil
}

func (q *PGQueue) quarantine(ctx context.Context, tx pgx.Tx, t *Task, msg string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (task_id, queue, payload, attempts, enqueued_at, final_error, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		t.TaskID, t.Queue, t.Payload, t.Attempts, t.EnqueuedAt, msg)
	if err != nil {
		return eris.Wrapf(err, "queue: dead letter %s", t.TaskID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM work_queue WHERE task_id = $1`, t.TaskID); err != nil {
		return eris.Wrapf(err, "queue: remove quarantined %s", t.TaskID)
	}
	if q.metrics != nil {
		q.metrics.DeadLetters.Inc()
	}
	q.log.Error("task dead-lettered",
		zap.String("task_id", t.TaskID),
		zap.String("queue", t.Queue),
		zap.Int("attempts", t.Attempts),
		zap.String("final_error", msg))
	return nil
}

// setDepth refreshes the queue depth gauge on a best-effort basis.
func (q *PGQueue) setDepth(ctx context.Context, queue string) {
	if q.metrics == nil {
		return
	}
	if depth, err := q.Depth(ctx, queue); err == nil {
		q.metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
