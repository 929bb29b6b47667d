package feedspine

import (
	"context"
	"time"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

// Tx is the slice of the store an admission runs against while holding the
// record row lock for its natural key. Implementations serialize concurrent
// admits of the same key.
type Tx interface {
	// LookupForUpdate returns the record for key with its row locked until
	// the transaction ends, or ErrNotFound.
	LookupForUpdate(ctx context.Context, naturalKey string) (*Record, error)
	// InsertRecord writes a new record and assigns RecordID.
	InsertRecord(ctx context.Context, rec *Record) error
	// LastSighting returns the most recent sighting for a record.
	LastSighting(ctx context.Context, recordID int64) (*Sighting, error)
	// HasRecentSighting reports whether feed already sighted the record at
	// or after since.
	HasRecentSighting(ctx context.Context, recordID int64, feed string, since time.Time) (bool, error)
	// AppendSighting writes a sighting and assigns SightingID.
	AppendSighting(ctx context.Context, s *Sighting) error
	// UpdateContent moves the record to a new content hash and payload,
	// marking it modified.
	UpdateContent(ctx context.Context, recordID int64, hash string, payload map[string]interface{}) error
}

// Store is the capture layer's persistence boundary. The postgres
// implementation lives in pkg/core/store; MemoryStore backs tests.
type Store interface {
	// InTx runs fn inside one transaction; Tx row locks are held until it
	// returns.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetRecord(ctx context.Context, naturalKey string) (*Record, error)
	GetRecordByID(ctx context.Context, recordID int64) (*Record, error)
	Sightings(ctx context.Context, recordID int64) ([]Sighting, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]Record, error)

	// PromoteLayer raises a record's layer. Demotions are silently ignored.
	PromoteLayer(ctx context.Context, recordID int64, to Layer) error
	MarkProcessed(ctx context.Context, recordID int64) error

	// QuarantinePoison files an unparseable feed row without blocking the
	// cursor.
	QuarantinePoison(ctx context.Context, p edgar.PoisonRecord) error

	UpsertFiling(ctx context.Context, f *Filing) error
	GetFiling(ctx context.Context, accession string) (*Filing, error)
	ListFilings(ctx context.Context, f FilingFilter) ([]Filing, error)
	SetFilingFlags(ctx context.Context, accession string, sectionsExtracted, mentionsExtracted *bool) error
	SetFilingEntity(ctx context.Context, accession, entityID string) error
}

// CheckpointStore holds per-feed cursors. Set is atomic; a cursor is only
// written after its batch is durably admitted.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, feed string) (string, error) // "" when unset
	SetCheckpoint(ctx context.Context, feed, cursor string) error
}
