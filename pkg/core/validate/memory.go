package validate

import (
	"context"
	"sync"
)

// MemorySink keeps events in process memory. Tests and one-shot CLI runs
// use it in place of the Postgres event repository.
type MemorySink struct {
	mu     sync.Mutex
	nextID int64
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{nextID: 1}
}

func (s *MemorySink) SaveEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.EventID = s.nextID
	s.nextID++
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) ListEvents(_ context.Context, f EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.Accession != "" && ev.Accession != f.Accession {
			continue
		}
		if !f.Since.IsZero() && ev.ObservedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
