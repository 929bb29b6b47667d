package feedspine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

// MemoryStore is the in-process Store and CheckpointStore used by tests and
// dry runs. One mutex guards everything, which also supplies the per-key
// admission serialization the postgres store gets from row locks.
type MemoryStore struct {
	mu          sync.Mutex
	nextRecord  int64
	nextSight   int64
	records     map[string]*Record // by natural key
	byID        map[int64]*Record
	sightings   map[int64][]Sighting // by record id
	filings     map[string]*Filing   // by accession
	poison      []edgar.PoisonRecord
	checkpoints map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		byID:        make(map[int64]*Record),
		sightings:   make(map[int64][]Sighting),
		filings:     make(map[string]*Filing),
		checkpoints: make(map[string]string),
	}
}

type memoryTx struct{ s *MemoryStore }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTx{s: s})
}

func (t *memoryTx) LookupForUpdate(ctx context.Context, naturalKey string) (*Record, error) {
	rec, ok := t.s.records[naturalKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (t *memoryTx) InsertRecord(ctx context.Context, rec *Record) error {
	t.s.nextRecord++
	rec.RecordID = t.s.nextRecord
	cp := *rec
	t.s.records[rec.NaturalKey] = &cp
	t.s.byID[rec.RecordID] = &cp
	return nil
}

func (t *memoryTx) LastSighting(ctx context.Context, recordID int64) (*Sighting, error) {
	rows := t.s.sightings[recordID]
	if len(rows) == 0 {
		return nil, nil
	}
	cp := rows[len(rows)-1]
	return &cp, nil
}

func (t *memoryTx) HasRecentSighting(ctx context.Context, recordID int64, feed string, since time.Time) (bool, error) {
	for _, s := range t.s.sightings[recordID] {
		if s.Feed == feed && !s.ObservedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) AppendSighting(ctx context.Context, s *Sighting) error {
	t.s.nextSight++
	s.SightingID = t.s.nextSight
	t.s.sightings[s.RecordID] = append(t.s.sightings[s.RecordID], *s)
	return nil
}

func (t *memoryTx) UpdateContent(ctx context.Context, recordID int64, hash string, payload map[string]interface{}) error {
	rec, ok := t.s.byID[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.ContentHash = hash
	rec.RawPayload = payload
	rec.WasModified = true
	rec.Processed = false
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, naturalKey string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[naturalKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetRecordByID(ctx context.Context, recordID int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Sightings(ctx context.Context, recordID int64) ([]Sighting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sightings[recordID]
	out := make([]Sighting, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if f.CIK != "" && rec.CIK != edgar.PadCIK(f.CIK) {
			continue
		}
		if f.FormType != "" && !strings.EqualFold(rec.FormType, f.FormType) {
			continue
		}
		if f.Layer != "" && rec.Layer != f.Layer {
			continue
		}
		if f.Processed != nil && rec.Processed != *f.Processed {
			continue
		}
		if f.Feed != "" && !s.sightedByLocked(rec.RecordID, f.Feed) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) sightedByLocked(recordID int64, feed string) bool {
	for _, sg := range s.sightings[recordID] {
		if sg.Feed == feed {
			return true
		}
	}
	return false
}

func (s *MemoryStore) PromoteLayer(ctx context.Context, recordID int64, to Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return ErrNotFound
	}
	if to.Rank() > rec.Layer.Rank() {
		rec.Layer = to
	}
	return nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.Processed = true
	return nil
}

func (s *MemoryStore) QuarantinePoison(ctx context.Context, p edgar.PoisonRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poison = append(s.poison, p)
	return nil
}

// PoisonRecords returns the quarantine contents, oldest first.
func (s *MemoryStore) PoisonRecords() []edgar.PoisonRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]edgar.PoisonRecord, len(s.poison))
	copy(out, s.poison)
	return out
}

func (s *MemoryStore) UpsertFiling(ctx context.Context, f *Filing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.filings[f.AccessionNumber]; ok {
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	cp := *f
	s.filings[f.AccessionNumber] = &cp
	return nil
}

func (s *MemoryStore) GetFiling(ctx context.Context, accession string) (*Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filings[edgar.CanonicalAccession(accession)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFilings(ctx context.Context, f FilingFilter) ([]Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Filing
	for _, fil := range s.filings {
		if f.CIK != "" && fil.FilerCIK != edgar.PadCIK(f.CIK) {
			continue
		}
		if f.FormType != "" && !strings.EqualFold(fil.FormType, f.FormType) {
			continue
		}
		if !f.From.IsZero() && fil.FiledDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && fil.FiledDate.After(f.To) {
			continue
		}
		out = append(out, *fil)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiledDate.After(out[j].FiledDate) })
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) SetFilingFlags(ctx context.Context, accession string, sectionsExtracted, mentionsExtracted *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filings[edgar.CanonicalAccession(accession)]
	if !ok {
		return ErrNotFound
	}
	if sectionsExtracted != nil {
		f.SectionsExtracted = *sectionsExtracted
	}
	if mentionsExtracted != nil {
		f.MentionsExtracted = *mentionsExtracted
	}
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetFilingEntity(ctx context.Context, accession, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filings[edgar.CanonicalAccession(accession)]
	if !ok {
		return ErrNotFound
	}
	f.EntityID = entityID
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, feed string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[feed], nil
}

func (s *MemoryStore) SetCheckpoint(ctx context.Context, feed, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[feed] = cursor
	return nil
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
