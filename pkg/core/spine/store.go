package spine

import (
	"context"
	"time"
)

// NameRow is one cache-warmable name: the entity it belongs to and its
// current type. The hot cache and the dictionary feed both consume it.
type NameRow struct {
	EntityID int64
	Name     string
	Type     EntityType
}

// Store is the spine's persistence boundary. The postgres implementation
// lives in pkg/core/store; MemoryStore backs tests and dry runs.
//
// Reads never follow redirects themselves; the resolver owns redirect
// traversal so cycle handling happens in exactly one place.
type Store interface {
	// Claims returns every claim recorded for (scheme, value), any status,
	// any validity window. The caller filters for the as-of date.
	Claims(ctx context.Context, scheme Scheme, value string) ([]IdentifierClaim, error)
	// ClaimOwner walks a claim's owner up the hierarchy to its entity.
	ClaimOwner(ctx context.Context, c IdentifierClaim) (ClaimOwner, error)
	// ClaimsForEntity returns every claim attached to the entity itself,
	// its securities, or their listings.
	ClaimsForEntity(ctx context.Context, entityID int64) ([]IdentifierClaim, error)

	Entity(ctx context.Context, entityID int64) (*Entity, error)
	// EntitiesByName returns ids of entities whose current or historical
	// normalized name equals norm.
	EntitiesByName(ctx context.Context, norm string) ([]int64, error)
	// AliasesByName returns alias rows whose normalized alias equals norm.
	AliasesByName(ctx context.Context, norm string) ([]Alias, error)
	// Versions returns an entity's version history, oldest first.
	Versions(ctx context.Context, entityID int64) ([]EntityVersion, error)

	// Redirect reports where a merged entity now points; ok is false when
	// the entity is canonical.
	Redirect(ctx context.Context, entityID int64) (int64, bool, error)

	// ListNames pages current primary names for cache warming. A limit of
	// zero means no limit.
	ListNames(ctx context.Context, limit int) ([]NameRow, error)

	// SupportsAsOf reports whether claim reads honor validity windows.
	// Stores that only know current state answer false and resolution
	// carries an AS_OF_IGNORED warning.
	SupportsAsOf() bool

	// CreateEntity assigns EntityID and writes the row.
	CreateEntity(ctx context.Context, e *Entity) error
	UpdateEntity(ctx context.Context, e *Entity) error
	CreateSecurity(ctx context.Context, s *Security) error
	CreateListing(ctx context.Context, l *Listing) error
	// ListingsForEntity returns the entity's listings across all of its
	// securities.
	ListingsForEntity(ctx context.Context, entityID int64) ([]Listing, error)

	// AddClaim assigns ClaimID and writes the row.
	AddClaim(ctx context.Context, c *IdentifierClaim) error
	// CloseClaim sets ValidTo and flips the status. Closing an already
	// closed claim is an error.
	CloseClaim(ctx context.Context, claimID int64, at time.Time, status ClaimStatus) error

	// AddVersion assigns VersionID and writes the row.
	AddVersion(ctx context.Context, v *EntityVersion) error
	// CloseVersion sets ValidTo on the entity's open version, if any.
	CloseVersion(ctx context.Context, entityID int64, at time.Time) error

	AddAlias(ctx context.Context, a Alias) error

	// SetRedirect points a merged entity at its canonical survivor.
	SetRedirect(ctx context.Context, fromID, toID int64) error
}
