package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

type memState int

const (
	statePending memState = iota
	stateLeased
)

type memTask struct {
	task       Task
	state      memState
	leaseUntil time.Time
}

// MemoryQueue keeps all queues under one mutex. It backs tests and
// single-process runs; the Postgres queue carries production.
type MemoryQueue struct {
	mu     sync.Mutex
	policy Policy
	tasks  map[string]*memTask
	dead   []DeadLetter
	nextDL int64
	now    func() time.Time
}

func NewMemoryQueue(policy Policy) *MemoryQueue {
	return &MemoryQueue{
		policy: policy,
		tasks:  make(map[string]*memTask),
		now:    time.Now,
	}
}

func (m *MemoryQueue) Enqueue(ctx context.Context, queue string, payload any) (*Task, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	// Cooperative backpressure: wait for the queue to drain below its
	// high-water mark rather than failing the producer.
	for {
		m.mu.Lock()
		if m.policy.HighWater <= 0 || m.depthLocked(queue) < m.policy.HighWater {
			break
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "queue: enqueue blocked at high water")
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer m.mu.Unlock()

	now := m.now().UTC()
	t := Task{
		TaskID:      uuid.NewString(),
		Queue:       queue,
		Payload:     raw,
		EnqueuedAt:  now,
		NextAttempt: now,
	}
	m.tasks[t.TaskID] = &memTask{task: t, state: statePending}
	return cloneTask(&t), nil
}

func (m *MemoryQueue) Dequeue(_ context.Context, queue string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var pick *memTask
	for _, mt := range m.tasks {
		if mt.task.Queue != queue || mt.state != statePending || mt.task.NextAttempt.After(now) {
			continue
		}
		if pick == nil || earlier(&mt.task, &pick.task) {
			pick = mt
		}
	}
	if pick == nil {
		return nil, ErrEmpty
	}

	pick.state = stateLeased
	pick.leaseUntil = now.Add(m.policy.LeaseFor)
	pick.task.Attempts++
	pick.task.DeadlineAt = now.Add(m.policy.Deadline)
	return cloneTask(&pick.task), nil
}

func (m *MemoryQueue) Ack(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.tasks[taskID]
	if !ok {
		return eris.Errorf("queue: task %s not found", taskID)
	}
	if mt.state != stateLeased {
		return eris.Errorf("queue: task %s not leased", taskID)
	}
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryQueue) Nack(_ context.Context, taskID string, taskErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.tasks[taskID]
	if !ok {
		return eris.Errorf("queue: task %s not found", taskID)
	}
	if mt.state != stateLeased {
		return eris.Errorf("queue: task %s not leased", taskID)
	}
	m.failLocked(mt, errText(taskErr))
	return nil
}

func (m *MemoryQueue) Quarantine(_ context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.tasks[taskID]
	if !ok {
		return eris.Errorf("queue: task %s not found", taskID)
	}
	if mt.state != stateLeased {
		return eris.Errorf("queue: task %s not leased", taskID)
	}
	now := m.now().UTC()
	mt.task.LastError = reason
	m.nextDL++
	m.dead = append(m.dead, DeadLetter{
		DeadLetterID: m.nextDL,
		Task:         mt.task,
		FinalError:   reason,
		DeadAt:       now,
	})
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryQueue) Depth(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked(queue), nil
}

func (m *MemoryQueue) ReapExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	reaped := 0
	for _, mt := range m.tasks {
		if mt.state != stateLeased || mt.leaseUntil.After(now) {
			continue
		}
		m.failLocked(mt, "lease expired")
		reaped++
	}
	return reaped, nil
}

func (m *MemoryQueue) DeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DeadLetter
	for _, dl := range m.dead {
		if queue != "" && dl.Task.Queue != queue {
			continue
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetterID > out[j].DeadLetterID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryQueue) Replay(_ context.Context, deadLetterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, dl := range m.dead {
		if dl.DeadLetterID != deadLetterID {
			continue
		}
		t := dl.Task
		t.Attempts = 0
		t.LastError = ""
		t.NextAttempt = m.now().UTC()
		m.tasks[t.TaskID] = &memTask{task: t, state: statePending}
		m.dead = append(m.dead[:i], m.dead[i+1:]...)
		return nil
	}
	return eris.Errorf("queue: dead letter %d not found", deadLetterID)
}

// failLocked applies the retry policy to a leased task: backoff and
// requeue while attempts remain, quarantine otherwise.
func (m *MemoryQueue) failLocked(mt *memTask, msg string) {
	now := m.now().UTC()
	mt.task.LastError = msg
	if mt.task.Attempts >= m.policy.MaxAttempts {
		m.nextDL++
		m.dead = append(m.dead, DeadLetter{
			DeadLetterID: m.nextDL,
			Task:         mt.task,
			FinalError:   msg,
			DeadAt:       now,
		})
		delete(m.tasks, mt.task.TaskID)
		return
	}
	mt.state = statePending
	mt.task.NextAttempt = now.Add(m.policy.Backoff(mt.task.Attempts))
}

func (m *MemoryQueue) depthLocked(queue string) int {
	n := 0
	for _, mt := range m.tasks {
		if mt.task.Queue == queue {
			n++
		}
	}
	return n
}

func earlier(a, b *Task) bool {
	if !a.NextAttempt.Equal(b.NextAttempt) {
		return a.NextAttempt.Before(b.NextAttempt)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.TaskID < b.TaskID
}

func errText(err error) string {
	if err == nil {
		return "unspecified failure"
	}
	return err.Error()
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Payload = append([]byte(nil), t.Payload...)
	return &cp
}
