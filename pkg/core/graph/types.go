// Package graph turns resolved mentions and exhibit tables into typed,
// evidence-backed relationships and filing events.
//
// Every relationship names two canonical entities, a type drawn from a
// closed vocabulary, and at least one evidence span pointing back into
// the filing text it came from. Re-sighting the same edge in a later
// filing appends evidence and bumps last_seen rather than duplicating
// the row. Subsidiary edges follow an annual cadence: a 10-K exhibit
// that omits a previously listed subsidiary closes that edge as of the
// omitting filing's date. Narrative edges never close on absence.
package graph

import (
	"time"
)

// ==================================================================
// Relationships
// ==================================================================

// RelationshipType reads as "source TYPE target": a subsidiary is
// SUBSIDIARY_OF its parent, a person is EXECUTIVE_OF the company.
type RelationshipType string

const (
	RelSubsidiaryOf RelationshipType = "SUBSIDIARY_OF"
	RelSupplierTo   RelationshipType = "SUPPLIER_TO"
	RelCustomerOf   RelationshipType = "CUSTOMER_OF"
	RelCompetitorOf RelationshipType = "COMPETITOR_OF"
	RelPartnerOf    RelationshipType = "PARTNER_OF"
	RelExecutiveOf  RelationshipType = "EXECUTIVE_OF"
	RelAuditorOf    RelationshipType = "AUDITOR_OF"
	RelMentionedIn  RelationshipType = "MENTIONED_IN"
)

// EvidenceRef pins a relationship to one span of filing text.
type EvidenceRef struct {
	Accession    string `json:"accession"`
	SectionKey   string `json:"section_key"`
	CharStart    int    `json:"char_start"`
	CharEnd      int    `json:"char_end"`
	SentenceText string `json:"sentence_text"`
}

// Relationship is one directed, typed edge between canonical entities.
// ValidFrom is the filed date of the first filing that asserted the
// edge. ValidTo stays nil while the edge is open; cadence closure or
// curation sets it.
type Relationship struct {
	RelationshipID int64            `json:"relationship_id,omitempty"`
	SourceEntityID int64            `json:"source_entity_id"`
	TargetEntityID int64            `json:"target_entity_id"`
	Type           RelationshipType `json:"type"`
	ValidFrom      time.Time        `json:"valid_from"`
	ValidTo        *time.Time       `json:"valid_to,omitempty"`
	Evidence       []EvidenceRef    `json:"evidence"`
	Confidence     float64          `json:"confidence"`
	FirstSeenAt    time.Time        `json:"first_seen_at"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
	IsSignificant  bool             `json:"is_significant"`
}

// RelKey identifies the logical edge a sighting belongs to. Two
// sightings with the same key merge into one row.
type RelKey struct {
	SourceEntityID int64
	TargetEntityID int64
	Type           RelationshipType
}

// Key returns the merge key for this relationship.
func (r *Relationship) Key() RelKey {
	return RelKey{SourceEntityID: r.SourceEntityID, TargetEntityID: r.TargetEntityID, Type: r.Type}
}

// Open reports whether the edge is still asserted.
func (r *Relationship) Open() bool { return r.ValidTo == nil }

// ==================================================================
// Events
// ==================================================================

// EventType classifies an 8-K disclosure by its item number.
type EventType string

const (
	EventMaterialAgreement EventType = "MATERIAL_AGREEMENT"
	EventBankruptcy        EventType = "BANKRUPTCY"
	EventAcquisition       EventType = "ACQUISITION"
	EventResults           EventType = "RESULTS"
	EventExecutiveChange   EventType = "EXECUTIVE_CHANGE"
	EventOther             EventType = "OTHER"
)

// Event is one dated disclosure attributed to a filer. Events carry
// evidence like relationships do but never participate in cadence
// closure.
type Event struct {
	EventID    string      `json:"event_id"`
	EntityID   int64       `json:"entity_id"`
	Type       EventType   `json:"type"`
	ItemCode   string      `json:"item_code"`
	OccurredAt time.Time   `json:"occurred_at"`
	Accession  string      `json:"accession"`
	Evidence   EvidenceRef `json:"evidence"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
}
