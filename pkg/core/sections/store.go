package sections

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

// ErrNotFound is returned when a lookup names a section that was never
// stored, or one that is no longer current.
var ErrNotFound = eris.New("sections: section not found")

// Store persists parse results. A reparse supersedes the previous
// generation: old rows are kept with Current false for audit, and only
// the freshest parse answers lookups. The accession argument is
// authoritative; implementations stamp it onto every stored row.
type Store interface {
	// ReplaceSections retires the accession's current rows and stores
	// secs as the new current generation, assigning SectionID and
	// CreatedAt in place.
	ReplaceSections(ctx context.Context, accession string, secs []Section) error

	// CurrentSections returns the current generation ordered by
	// CharStart. Unknown accessions yield an empty slice, not an error.
	CurrentSections(ctx context.Context, accession string) ([]Section, error)

	// Section returns one current section by key.
	Section(ctx context.Context, accession, sectionKey string) (*Section, error)
}

// MemoryStore is the in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string][]*Section // by accession, all generations
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]*Section)}
}

func (s *MemoryStore) ReplaceSections(ctx context.Context, accession string, secs []Section) error {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.rows[acc] {
		old.Current = false
	}
	now := time.Now().UTC()
	for i := range secs {
		s.nextID++
		secs[i].SectionID = s.nextID
		secs[i].Accession = acc
		secs[i].Current = true
		secs[i].CreatedAt = now
		cp := secs[i]
		s.rows[acc] = append(s.rows[acc], &cp)
	}
	return nil
}

func (s *MemoryStore) CurrentSections(ctx context.Context, accession string) ([]Section, error) {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Section
	for _, sec := range s.rows[acc] {
		if sec.Current {
			out = append(out, *sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharStart < out[j].CharStart })
	return out, nil
}

func (s *MemoryStore) Section(ctx context.Context, accession, sectionKey string) (*Section, error) {
	acc := edgar.CanonicalAccession(accession)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sec := range s.rows[acc] {
		if sec.Current && sec.SectionKey == sectionKey {
			cp := *sec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
