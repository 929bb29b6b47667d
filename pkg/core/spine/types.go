// Package spine is the canonical entity registry behind mention
// resolution. Identity lives in three layers: an Entity owns Securities,
// a Security owns Listings, and identifier claims attach to whichever
// layer the scheme belongs to (CIK to the entity, CUSIP to the security,
// ticker to the listing). Claims carry validity windows, so a ticker that
// changed hands resolves to different entities depending on the as-of
// date. Entities are never deleted; duplicates are merged by redirecting
// one onto the other.
package spine

import (
	"time"

	"github.com/rotisserie/eris"
)

var ErrNotFound = eris.New("spine: not found")

// ============================================================================
// Entities
// ============================================================================

// EntityType classifies a canonical identity.
type EntityType string

const (
	TypeCompanyPublic  EntityType = "COMPANY_PUBLIC"
	TypeCompanyPrivate EntityType = "COMPANY_PRIVATE"
	TypePerson         EntityType = "PERSON"
	TypeFund           EntityType = "FUND"
	TypeGovernment     EntityType = "GOVERNMENT"
	TypeOther          EntityType = "OTHER"
)

// EntityStatus tracks how an entity entered the spine and whether it is
// still canonical. INFERRED entities came from exhibit extractions rather
// than an authoritative source; REDIRECTED entities were merged away.
type EntityStatus string

const (
	StatusActive     EntityStatus = "ACTIVE"
	StatusInferred   EntityStatus = "INFERRED"
	StatusRedirected EntityStatus = "REDIRECTED"
)

// Entity is one canonical identity. EntityID is stable for the lifetime
// of the identity; name and type changes are recorded as versions.
type Entity struct {
	EntityID     int64        `json:"entity_id"`
	EntityType   EntityType   `json:"entity_type"`
	PrimaryName  string       `json:"primary_name"`
	SourceSystem string       `json:"source_system"`
	SourceID     string       `json:"source_id"`
	Status       EntityStatus `json:"status"`
	Jurisdiction string       `json:"jurisdiction,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// EntityVersion is a point-in-time snapshot of the mutable part of an
// entity. The current state is the row with a nil ValidTo.
type EntityVersion struct {
	VersionID       int64      `json:"version_id"`
	EntityID        int64      `json:"entity_id"`
	Name            string     `json:"name"`
	EntityType      EntityType `json:"entity_type"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidTo         *time.Time `json:"valid_to,omitempty"`
	SourceSightings int        `json:"source_sightings"`
}

// Security is an instrument issued by exactly one entity.
type Security struct {
	SecurityID  int64  `json:"security_id"`
	EntityID    int64  `json:"entity_id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Listing places a security on one exchange.
type Listing struct {
	ListingID  int64  `json:"listing_id"`
	SecurityID int64  `json:"security_id"`
	Exchange   string `json:"exchange"`
}

// ============================================================================
// Identifier Claims
// ============================================================================

// Scheme names an identifier namespace.
type Scheme string

const (
	SchemeCIK    Scheme = "CIK"
	SchemeLEI    Scheme = "LEI"
	SchemeEIN    Scheme = "EIN"
	SchemeCUSIP  Scheme = "CUSIP"
	SchemeISIN   Scheme = "ISIN"
	SchemeFIGI   Scheme = "FIGI"
	SchemeTicker Scheme = "TICKER"
)

// OwnerLevel says which layer of the hierarchy a claim attaches to.
type OwnerLevel string

const (
	LevelEntity   OwnerLevel = "entity"
	LevelSecurity OwnerLevel = "security"
	LevelListing  OwnerLevel = "listing"
)

// Level returns the hierarchy layer claims of this scheme must live on.
// Entity-scoped schemes identify the issuer, security-scoped schemes the
// instrument, and tickers only ever name a listing.
func (s Scheme) Level() OwnerLevel {
	switch s {
	case SchemeCUSIP, SchemeISIN, SchemeFIGI:
		return LevelSecurity
	case SchemeTicker:
		return LevelListing
	default:
		return LevelEntity
	}
}

// ClaimStatus is the lifecycle state of one identifier assertion.
type ClaimStatus string

const (
	ClaimActive     ClaimStatus = "ACTIVE"
	ClaimInactive   ClaimStatus = "INACTIVE"
	ClaimSuperseded ClaimStatus = "SUPERSEDED"
	ClaimDisputed   ClaimStatus = "DISPUTED"
)

// IdentifierClaim asserts that an identifier names an owner over a time
// window. Claims are closed by setting ValidTo, never edited in place.
type IdentifierClaim struct {
	ClaimID    int64       `json:"claim_id"`
	OwnerLevel OwnerLevel  `json:"owner_level"`
	OwnerID    int64       `json:"owner_id"`
	Scheme     Scheme      `json:"scheme"`
	Value      string      `json:"value"`
	ValidFrom  time.Time   `json:"valid_from"`
	ValidTo    *time.Time  `json:"valid_to,omitempty"`
	Status     ClaimStatus `json:"status"`
	Source     string      `json:"source"`
	Confidence float64     `json:"confidence"`
}

// Covers reports whether the claim's validity window contains t. Windows
// are half open, so a claim closed on day D no longer covers D.
func (c IdentifierClaim) Covers(t time.Time) bool {
	if t.Before(c.ValidFrom) {
		return false
	}
	return c.ValidTo == nil || t.Before(*c.ValidTo)
}

// ClaimOwner is a claim's owner traversed up to its entity. Exchange is
// set when the claim sits on a listing.
type ClaimOwner struct {
	EntityID int64
	Exchange string
}

// ============================================================================
// Aliases
// ============================================================================

// AliasKind says where an alternative name came from.
type AliasKind string

const (
	AliasFormerName AliasKind = "FORMER_NAME"
	AliasDBA        AliasKind = "DBA"
	AliasShortName  AliasKind = "SHORT_NAME"
)

// Alias maps an alternative name to an entity. Confidence is clamped into
// the alias band at resolution time.
type Alias struct {
	EntityID   int64     `json:"entity_id"`
	Alias      string    `json:"alias"`
	Kind       AliasKind `json:"kind"`
	Confidence float64   `json:"confidence"`
}

// ============================================================================
// Resolution
// ============================================================================

// Method says which ladder rung produced a resolution.
type Method string

const (
	MethodExact      Method = "EXACT"
	MethodAlias      Method = "ALIAS"
	MethodFuzzy      Method = "FUZZY"
	MethodManual     Method = "MANUAL"
	MethodUnresolved Method = "UNRESOLVED"
)

// Warning flags a condition the caller should surface but that does not
// abort resolution.
type Warning string

const (
	// WarnNoActiveClaim fires when an identifier has recorded claims but
	// none of them covers the as-of date.
	WarnNoActiveClaim Warning = "NO_ACTIVE_CLAIM"
	// WarnAsOfIgnored fires when the store cannot honor temporal queries
	// and the lookup fell back to current state.
	WarnAsOfIgnored Warning = "AS_OF_IGNORED"
	// WarnAmbiguous fires when more than one entity matched and no
	// tie-break separated them.
	WarnAmbiguous Warning = "AMBIGUOUS"
)

// Candidate is the span to resolve: its surface text and the extractor's
// type hint (the mentions package vocabulary: COMPANY, PERSON, ...).
type Candidate struct {
	Text     string
	TypeHint string
}

// FilingContext is what the resolver may use beyond the span itself.
type FilingContext struct {
	FilingDate    time.Time
	FilerEntityID int64
	Sentence      string
}

// Resolution is the resolver's answer. EntityID is zero when unresolved.
type Resolution struct {
	EntityID   int64     `json:"entity_id,omitempty"`
	Method     Method    `json:"method"`
	Confidence float64   `json:"confidence"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Resolved reports whether the ladder landed on an entity.
func (r Resolution) Resolved() bool {
	return r.EntityID != 0 && r.Method != MethodUnresolved
}
