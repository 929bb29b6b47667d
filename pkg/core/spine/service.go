package spine

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// ============================================================================
// Entity lifecycle
// ============================================================================

// Spine owns entity lifecycle writes. Entities are minted from exactly
// two places: an authoritative source asserting an identity, or an
// Exhibit-21 subsidiary row with no plausible existing match. Everything
// else the pipeline sees resolves against what already exists.
type Spine struct {
	store    Store
	cache    *NameCache
	recorder *validate.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// SpineOptions configures a Spine. A nil Cache skips incremental cache
// updates after writes.
type SpineOptions struct {
	Cache    *NameCache
	Recorder *validate.Recorder
	Logger   *zap.Logger
}

func NewSpine(store Store, opts SpineOptions) *Spine {
	rec := opts.Recorder
	if rec == nil {
		rec = validate.NewRecorder(validate.RecorderOptions{})
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Spine{
		store:    store,
		cache:    opts.Cache,
		recorder: rec,
		log:      log,
		now:      time.Now,
	}
}

// Store exposes the underlying store for read paths that live elsewhere.
func (s *Spine) Store() Store { return s.store }

// TickerListing is one exchange listing asserted by an authoritative
// source.
type TickerListing struct {
	Ticker   string
	Exchange string
}

// AuthoritativeIdentity is an identity from a source trusted to mint
// entities, such as the SEC submissions endpoint.
type AuthoritativeIdentity struct {
	SourceSystem string
	SourceID     string
	CIK          string
	Name         string
	EntityType   EntityType
	Tickers      []TickerListing
	ObservedAt   time.Time
}

// RegisterAuthoritative upserts an entity from an authoritative identity.
// A new CIK creates the entity, its open version, and the CIK claim. A
// known CIK with a changed name closes the open version, opens a new one,
// and keeps the former name as an alias. Ticker assertions open listing
// claims, closing any prior holder of the symbol first.
func (s *Spine) RegisterAuthoritative(ctx context.Context, id AuthoritativeIdentity) (*Entity, error) {
	if id.CIK == "" || id.Name == "" {
		return nil, eris.New("spine: authoritative identity needs a CIK and a name")
	}
	observed := id.ObservedAt
	if observed.IsZero() {
		observed = s.now().UTC()
	}
	etype := id.EntityType
	if etype == "" {
		etype = TypeCompanyPublic
	}
	cik := edgar.PadCIK(id.CIK)

	entity, err := s.entityByCIK(ctx, cik)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		entity, err = s.createAuthoritative(ctx, id, cik, etype, observed)
		if err != nil {
			return nil, err
		}
	} else if entity.PrimaryName != id.Name {
		if err := s.renameEntity(ctx, entity, id.Name, etype, observed); err != nil {
			return nil, err
		}
	}

	for _, t := range id.Tickers {
		if err := s.assertTicker(ctx, entity, t, observed); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (s *Spine) entityByCIK(ctx context.Context, cik string) (*Entity, error) {
	claims, err := s.store.Claims(ctx, SchemeCIK, cik)
	if err != nil {
		return nil, eris.Wrapf(err, "spine: claims CIK=%s", cik)
	}
	var owners []int64
	for _, c := range claims {
		if c.Status != ClaimActive || c.ValidTo != nil {
			continue
		}
		owner, err := s.store.ClaimOwner(ctx, c)
		if err != nil {
			return nil, eris.Wrapf(err, "spine: owner of claim %d", c.ClaimID)
		}
		owners = append(owners, owner.EntityID)
	}
	if len(owners) == 0 {
		return nil, nil
	}
	if len(owners) > 1 {
		s.recorder.Record(ctx, validate.Event{
			Kind:     validate.KindClaimConflict,
			Severity: validate.SeverityError,
			Subject:  "CIK:" + cik,
			Detail:   "multiple active claims on one CIK",
			Context:  map[string]any{"owners": len(owners)},
		})
	}
	return s.store.Entity(ctx, owners[0])
}

func (s *Spine) createAuthoritative(ctx context.Context, id AuthoritativeIdentity, cik string, etype EntityType, observed time.Time) (*Entity, error) {
	entity := &Entity{
		EntityType:   etype,
		PrimaryName:  id.Name,
		SourceSystem: id.SourceSystem,
		SourceID:     cik,
		Status:       StatusActive,
		CreatedAt:    observed,
		UpdatedAt:    observed,
	}
	if entity.SourceSystem == "" {
		entity.SourceSystem = "sec"
	}
	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return nil, eris.Wrap(err, "spine: create entity")
	}
	if err := s.store.AddVersion(ctx, &EntityVersion{
		EntityID:   entity.EntityID,
		Name:       id.Name,
		EntityType: etype,
		ValidFrom:  observed,
	}); err != nil {
		return nil, eris.Wrap(err, "spine: open first version")
	}
	if err := s.store.AddClaim(ctx, &IdentifierClaim{
		OwnerLevel: LevelEntity,
		OwnerID:    entity.EntityID,
		Scheme:     SchemeCIK,
		Value:      cik,
		ValidFrom:  observed,
		Status:     ClaimActive,
		Source:     entity.SourceSystem,
		Confidence: 1.0,
	}); err != nil {
		return nil, eris.Wrap(err, "spine: open CIK claim")
	}
	if s.cache != nil {
		s.cache.Add(entity.EntityID, entity.PrimaryName, entity.EntityType)
	}
	s.log.Info("entity created",
		zap.Int64("entity_id", entity.EntityID),
		zap.String("cik", cik),
		zap.String("name", entity.PrimaryName))
	return entity, nil
}

func (s *Spine) renameEntity(ctx context.Context, entity *Entity, name string, etype EntityType, observed time.Time) error {
	former := entity.PrimaryName
	if err := s.store.CloseVersion(ctx, entity.EntityID, observed); err != nil {
		return eris.Wrap(err, "spine: close version")
	}
	if err := s.store.AddVersion(ctx, &EntityVersion{
		EntityID:   entity.EntityID,
		Name:       name,
		EntityType: etype,
		ValidFrom:  observed,
	}); err != nil {
		return eris.Wrap(err, "spine: open version")
	}
	if err := s.store.AddAlias(ctx, Alias{
		EntityID:   entity.EntityID,
		Alias:      former,
		Kind:       AliasFormerName,
		Confidence: 0.95,
	}); err != nil {
		return eris.Wrap(err, "spine: keep former name")
	}

	entity.PrimaryName = name
	entity.EntityType = etype
	entity.UpdatedAt = observed
	if err := s.store.UpdateEntity(ctx, entity); err != nil {
		return eris.Wrap(err, "spine: update entity")
	}
	if s.cache != nil {
		s.cache.Add(entity.EntityID, name, etype)
	}
	s.log.Info("entity renamed",
		zap.Int64("entity_id", entity.EntityID),
		zap.String("from", former),
		zap.String("to", name))
	return nil
}

// assertTicker makes sure the entity holds an open claim on the symbol.
// A prior holder's claim is closed at the observation time first; reuse
// is legal once the windows no longer overlap.
func (s *Spine) assertTicker(ctx context.Context, entity *Entity, t TickerListing, observed time.Time) error {
	if t.Ticker == "" {
		return nil
	}
	value := normalizeTicker(t.Ticker)

	claims, err := s.store.Claims(ctx, SchemeTicker, value)
	if err != nil {
		return eris.Wrapf(err, "spine: claims TICKER=%s", value)
	}
	for _, c := range claims {
		if c.Status != ClaimActive || c.ValidTo != nil {
			continue
		}
		owner, err := s.store.ClaimOwner(ctx, c)
		if err != nil {
			return eris.Wrapf(err, "spine: owner of claim %d", c.ClaimID)
		}
		if owner.EntityID == entity.EntityID {
			return nil
		}
		if err := s.store.CloseClaim(ctx, c.ClaimID, observed, ClaimSuperseded); err != nil {
			return eris.Wrapf(err, "spine: close prior claim %d", c.ClaimID)
		}
		s.log.Info("ticker reassigned",
			zap.String("ticker", value),
			zap.Int64("from_entity", owner.EntityID),
			zap.Int64("to_entity", entity.EntityID))
	}

	listing, err := s.ensureListing(ctx, entity, t.Exchange)
	if err != nil {
		return err
	}
	if err := s.store.AddClaim(ctx, &IdentifierClaim{
		OwnerLevel: LevelListing,
		OwnerID:    listing.ListingID,
		Scheme:     SchemeTicker,
		Value:      value,
		ValidFrom:  observed,
		Status:     ClaimActive,
		Source:     entity.SourceSystem,
		Confidence: 1.0,
	}); err != nil {
		return eris.Wrap(err, "spine: open ticker claim")
	}
	return nil
}

// ensureListing finds the entity's listing on the exchange, creating the
// default common security and the listing when missing.
func (s *Spine) ensureListing(ctx context.Context, entity *Entity, exchange string) (*Listing, error) {
	listings, err := s.store.ListingsForEntity(ctx, entity.EntityID)
	if err != nil {
		return nil, eris.Wrapf(err, "spine: listings of entity %d", entity.EntityID)
	}
	for i := range listings {
		if listings[i].Exchange == exchange {
			return &listings[i], nil
		}
	}

	var securityID int64
	if len(listings) > 0 {
		securityID = listings[0].SecurityID
	} else {
		sec := &Security{EntityID: entity.EntityID, Kind: "COMMON"}
		if err := s.store.CreateSecurity(ctx, sec); err != nil {
			return nil, eris.Wrap(err, "spine: create security")
		}
		securityID = sec.SecurityID
	}

	listing := &Listing{SecurityID: securityID, Exchange: exchange}
	if err := s.store.CreateListing(ctx, listing); err != nil {
		return nil, eris.Wrap(err, "spine: create listing")
	}
	return listing, nil
}

// CreateInferred mints an entity from an Exhibit-21 subsidiary row. The
// caller resolves the name first and only lands here when nothing
// matched; the entity starts at status INFERRED so curation can tell it
// apart from authoritative identities.
func (s *Spine) CreateInferred(ctx context.Context, name, jurisdiction string, observed time.Time) (*Entity, error) {
	if name == "" {
		return nil, eris.New("spine: inferred entity needs a name")
	}
	if observed.IsZero() {
		observed = s.now().UTC()
	}

	entity := &Entity{
		EntityType:   TypeCompanyPrivate,
		PrimaryName:  name,
		SourceSystem: "exhibit21",
		SourceID:     NormalizeName(name),
		Status:       StatusInferred,
		Jurisdiction: jurisdiction,
		CreatedAt:    observed,
		UpdatedAt:    observed,
	}
	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return nil, eris.Wrap(err, "spine: create inferred entity")
	}
	if err := s.store.AddVersion(ctx, &EntityVersion{
		EntityID:   entity.EntityID,
		Name:       name,
		EntityType: TypeCompanyPrivate,
		ValidFrom:  observed,
	}); err != nil {
		return nil, eris.Wrap(err, "spine: open first version")
	}
	if s.cache != nil {
		s.cache.Add(entity.EntityID, name, TypeCompanyPrivate)
	}
	s.log.Info("entity inferred",
		zap.Int64("entity_id", entity.EntityID),
		zap.String("name", name),
		zap.String("jurisdiction", jurisdiction))
	return entity, nil
}

// Merge redirects duplicate onto canonical. Prior mentions keep their
// original resolved entity id; reads reach the survivor by following
// redirects. The duplicate's primary name becomes an alias of the
// canonical entity so future spans of the old name resolve directly.
func (s *Spine) Merge(ctx context.Context, canonicalID, duplicateID int64) error {
	if canonicalID == duplicateID {
		return eris.New("spine: cannot merge an entity into itself")
	}

	dup, err := s.store.Entity(ctx, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "spine: duplicate entity %d", duplicateID)
	}
	if _, err := s.store.Entity(ctx, canonicalID); err != nil {
		return eris.Wrapf(err, "spine: canonical entity %d", canonicalID)
	}

	// The canonical side must not already resolve into the duplicate.
	end, err := s.terminalRedirect(ctx, canonicalID)
	if err != nil {
		return err
	}
	if end == duplicateID {
		return eris.Errorf("spine: merging %d into %d would close a redirect cycle", duplicateID, canonicalID)
	}

	now := s.now().UTC()
	if err := s.store.SetRedirect(ctx, duplicateID, canonicalID); err != nil {
		return eris.Wrap(err, "spine: set redirect")
	}
	if err := s.store.CloseVersion(ctx, duplicateID, now); err != nil {
		return eris.Wrap(err, "spine: close duplicate version")
	}

	dup.Status = StatusRedirected
	dup.UpdatedAt = now
	if err := s.store.UpdateEntity(ctx, dup); err != nil {
		return eris.Wrap(err, "spine: mark duplicate redirected")
	}
	if err := s.store.AddAlias(ctx, Alias{
		EntityID:   canonicalID,
		Alias:      dup.PrimaryName,
		Kind:       AliasFormerName,
		Confidence: 0.95,
	}); err != nil {
		return eris.Wrap(err, "spine: alias duplicate name")
	}

	s.log.Info("entities merged",
		zap.Int64("canonical", canonicalID),
		zap.Int64("duplicate", duplicateID))
	return nil
}

// terminalRedirect follows redirects without a recorder; Merge refuses
// to create cycles, so an existing one is surfaced as an error instead.
func (s *Spine) terminalRedirect(ctx context.Context, entityID int64) (int64, error) {
	seen := map[int64]bool{entityID: true}
	cur := entityID
	for {
		next, ok, err := s.store.Redirect(ctx, cur)
		if err != nil {
			return cur, eris.Wrapf(err, "spine: redirect of entity %d", cur)
		}
		if !ok {
			return cur, nil
		}
		if seen[next] {
			return cur, eris.Errorf("spine: redirect cycle at entity %d", next)
		}
		seen[next] = true
		cur = next
	}
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
