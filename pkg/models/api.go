// Package models holds the response shapes shared by the HTTP API and
// the CLI, composed from core domain types.
package models

import (
	"time"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

// FilingSummary is one row of a filings listing.
type FilingSummary struct {
	Accession          string     `json:"accession"`
	CIK                string     `json:"cik"`
	FormType           string     `json:"form_type"`
	FiledDate          time.Time  `json:"filed_date"`
	AcceptanceDatetime *time.Time `json:"acceptance_datetime,omitempty"`
	ReportDate         *time.Time `json:"report_date,omitempty"`
	EntityID           string     `json:"entity_id,omitempty"`
	PrimaryDocumentURL string     `json:"primary_document_url,omitempty"`
	SectionsExtracted  bool       `json:"sections_extracted"`
	MentionsExtracted  bool       `json:"mentions_extracted"`
}

// FilingList wraps a filtered listing.
type FilingList struct {
	Filings []FilingSummary `json:"filings"`
	Count   int             `json:"count"`
}

// SectionIndexEntry describes one section without its text.
type SectionIndexEntry struct {
	SectionKey       string `json:"section_key"`
	Title            string `json:"title"`
	CharStart        int    `json:"char_start"`
	CharEnd          int    `json:"char_end"`
	WordCount        int    `json:"word_count"`
	DocumentFilename string `json:"document_filename,omitempty"`
}

// FilingDetail is the full Silver view: the filing plus its section index.
type FilingDetail struct {
	Filing   FilingSummary       `json:"filing"`
	Sections []SectionIndexEntry `json:"sections"`
}

// ContextWindow is a slice of section text around a requested span.
type ContextWindow struct {
	Accession  string `json:"accession"`
	SectionKey string `json:"section_key"`
	// The requested span, as stored offsets into the canonical document.
	SpanStart int `json:"span_start"`
	SpanEnd   int `json:"span_end"`
	// The returned window, clamped to the section bounds.
	WindowStart int    `json:"window_start"`
	WindowEnd   int    `json:"window_end"`
	Text        string `json:"text"`
}

// ResolveResult pairs a resolution verdict with the entity it landed on.
type ResolveResult struct {
	Query      string           `json:"query"`
	AsOf       *time.Time       `json:"as_of,omitempty"`
	Resolution spine.Resolution `json:"resolution"`
	Entity     *spine.Entity    `json:"entity,omitempty"`
}

// EntityDetail is the current state of one canonical entity.
type EntityDetail struct {
	Entity         spine.Entity            `json:"entity"`
	CurrentVersion *spine.EntityVersion    `json:"current_version,omitempty"`
	ActiveClaims   []spine.IdentifierClaim `json:"active_claims"`
	Listings       []spine.Listing         `json:"listings,omitempty"`
}

// EntityHistory is an entity's version timeline, oldest first.
type EntityHistory struct {
	EntityID int64                 `json:"entity_id"`
	Versions []spine.EntityVersion `json:"versions"`
}

// MentionEvidence is a mention with everything needed to audit it.
type MentionEvidence struct {
	Mention mentions.Mention `json:"mention"`
	// Entity is attached when the mention resolved.
	Entity *spine.Entity `json:"entity,omitempty"`
}

// EdgeList wraps relationship edges anchored on one entity.
type EdgeList struct {
	EntityID int64                `json:"entity_id"`
	Type     string               `json:"type"`
	AsOf     *time.Time           `json:"as_of,omitempty"`
	Edges    []graph.Relationship `json:"edges"`
}

// FeedFrame is one WebSocket push for an admitted filing.
type FeedFrame struct {
	Kind        string    `json:"kind"` // "filing"
	Result      string    `json:"result"`
	Accession   string    `json:"accession"`
	CIK         string    `json:"cik"`
	CompanyName string    `json:"company_name,omitempty"`
	FormType    string    `json:"form_type"`
	PublishedAt time.Time `json:"published_at"`
	Feed        string    `json:"feed"`
}

// SyncStarted acknowledges an accepted sync trigger.
type SyncStarted struct {
	JobID string `json:"job_id"`
}
