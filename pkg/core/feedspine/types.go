// Package feedspine is the capture layer: every observation of a filing by
// any feed funnels through here exactly once per natural key, with a full
// append-only sighting history and per-feed checkpoint cursors.
package feedspine

import (
	"time"

	"github.com/rotisserie/eris"
)

// Layer is the refinement stage of a record. Promotion is monotone; a
// record never moves back down.
type Layer string

const (
	LayerBronze Layer = "BRONZE"
	LayerSilver Layer = "SILVER"
	LayerGold   Layer = "GOLD"
)

func (l Layer) Rank() int {
	switch l {
	case LayerBronze:
		return 1
	case LayerSilver:
		return 2
	case LayerGold:
		return 3
	}
	return 0
}

// AdmitResult classifies one admission attempt.
type AdmitResult string

const (
	// AdmitNew: first time this natural key was seen anywhere.
	AdmitNew AdmitResult = "NEW"
	// AdmitDuplicate: same feed re-observed an unchanged record inside the
	// de-dupe window; nothing was written.
	AdmitDuplicate AdmitResult = "DUPLICATE"
	// AdmitResighted: a sighting was appended to an existing record.
	AdmitResighted AdmitResult = "RESIGHTED"
)

// Record is one filing as the capture layer knows it. Identity is the
// natural key; record_id is only a surrogate.
type Record struct {
	RecordID    int64
	NaturalKey  string
	Accession   string
	CIK         string
	CompanyName string
	FormType    string
	ContentHash string
	PublishedAt time.Time
	CapturedAt  time.Time
	Layer       Layer
	Processed   bool
	WasModified bool
	RawPayload  map[string]interface{}
}

// Sighting is one observation of a record by one feed at one time. Rows
// are append-only; nothing ever updates or deletes one.
type Sighting struct {
	SightingID      int64
	RecordID        int64
	Feed            string
	ObservedAt      time.Time
	SourceURL       string
	SourceUpdatedAt time.Time
	ContentHash     string
	WasModified     bool
	// PriorContent holds the superseded identity fields when this sighting
	// changed the content hash; nil otherwise.
	PriorContent map[string]interface{}
}

// Filing is the Silver projection of a record: exactly one row per
// accession number, created on first Bronze promotion.
type Filing struct {
	AccessionNumber    string
	FilerCIK           string
	FormType           string
	FiledDate          time.Time
	AcceptanceDatetime *time.Time
	ReportDate         *time.Time
	EntityID           string // set once the filer resolves
	PrimaryDocumentURL string
	SourceSightings    []int64 // bronze record ids behind this filing
	SectionsExtracted  bool
	MentionsExtracted  bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Feed      string
	CIK       string
	FormType  string
	Layer     Layer
	Processed *bool
	Limit     int
	Offset    int
}

// FilingFilter narrows ListFilings.
type FilingFilter struct {
	CIK      string
	FormType string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = eris.New("feedspine: not found")
