package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

// SpineRepo is the Postgres entity registry. It implements spine.Store.
//
// The entity_names table mirrors the memory store's name index: rows are
// append-only, so an entity stays findable under every name it has ever
// carried.
type SpineRepo struct {
	pool *pgxpool.Pool
}

func NewSpineRepo(pool *pgxpool.Pool) *SpineRepo {
	return &SpineRepo{pool: pool}
}

func (r *SpineRepo) Claims(ctx context.Context, scheme spine.Scheme, value string) ([]spine.IdentifierClaim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT claim_id, owner_level, owner_id, scheme, value, valid_from, valid_to,
		       status, source, confidence
		FROM identifier_claims
		WHERE scheme = $1 AND value = $2
		ORDER BY claim_id`, string(scheme), value)
	if err != nil {
		return nil, eris.Wrapf(err, "store: claims for %s %s", scheme, value)
	}
	defer rows.Close()

	out := []spine.IdentifierClaim{}
	for rows.Next() {
		var c spine.IdentifierClaim
		if err := rows.Scan(&c.ClaimID, &c.OwnerLevel, &c.OwnerID, &c.Scheme, &c.Value,
			&c.ValidFrom, &c.ValidTo, &c.Status, &c.Source, &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "store: scan claim")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SpineRepo) ClaimsForEntity(ctx context.Context, entityID int64) ([]spine.IdentifierClaim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.claim_id, c.owner_level, c.owner_id, c.scheme, c.value, c.valid_from,
		       c.valid_to, c.status, c.source, c.confidence
		FROM identifier_claims c
		WHERE (c.owner_level = 'entity' AND c.owner_id = $1)
		   OR (c.owner_level = 'security' AND c.owner_id IN (
		         SELECT security_id FROM securities WHERE entity_id = $1))
		   OR (c.owner_level = 'listing' AND c.owner_id IN (
		         SELECT l.listing_id FROM listings l
		         JOIN securities s ON s.security_id = l.security_id
		         WHERE s.entity_id = $1))
		ORDER BY c.claim_id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: claims for entity %d", entityID)
	}
	defer rows.Close()

	out := []spine.IdentifierClaim{}
	for rows.Next() {
		var c spine.IdentifierClaim
		if err := rows.Scan(&c.ClaimID, &c.OwnerLevel, &c.OwnerID, &c.Scheme, &c.Value,
			&c.ValidFrom, &c.ValidTo, &c.Status, &c.Source, &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "store: scan claim")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SpineRepo) ClaimOwner(ctx context.Context, c spine.IdentifierClaim) (spine.ClaimOwner, error) {
	switch c.OwnerLevel {
	case spine.LevelEntity:
		var found bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entities WHERE entity_id = $1)`, c.OwnerID).Scan(&found)
		if err != nil {
			return spine.ClaimOwner{}, eris.Wrapf(err, "store: claim owner entity %d", c.OwnerID)
		}
		if !found {
			return spine.ClaimOwner{}, spine.ErrNotFound
		}
		return spine.ClaimOwner{EntityID: c.OwnerID}, nil

	case spine.LevelSecurity:
		var entityID int64
		err := r.pool.QueryRow(ctx,
			`SELECT entity_id FROM securities WHERE security_id = $1`, c.OwnerID).Scan(&entityID)
		if err != nil {
			if eris.Is(err, pgx.ErrNoRows) {
				return spine.ClaimOwner{}, spine.ErrNotFound
			}
			return spine.ClaimOwner{}, eris.Wrapf(err, "store: claim owner security %d", c.OwnerID)
		}
		return spine.ClaimOwner{EntityID: entityID}, nil

	case spine.LevelListing:
		var entityID int64
		var exchange string
		err := r.pool.QueryRow(ctx, `
			SELECT s.entity_id, l.exchange
			FROM listings l
			JOIN securities s ON s.security_id = l.security_id
			WHERE l.listing_id = $1`, c.OwnerID).Scan(&entityID, &exchange)
		if err != nil {
			if eris.Is(err, pgx.ErrNoRows) {
				return spine.ClaimOwner{}, spine.ErrNotFound
			}
			return spine.ClaimOwner{}, eris.Wrapf(err, "store: claim owner listing %d", c.OwnerID)
		}
		return spine.ClaimOwner{EntityID: entityID, Exchange: exchange}, nil
	}
	return spine.ClaimOwner{}, eris.Errorf("spine: unknown owner level %q", c.OwnerLevel)
}

func (r *SpineRepo) Entity(ctx context.Context, entityID int64) (*spine.Entity, error) {
	var e spine.Entity
	err := r.pool.QueryRow(ctx, `
		SELECT entity_id, entity_type, primary_name, source_system, source_id,
		       status, jurisdiction, created_at, updated_at
		FROM entities
		WHERE entity_id = $1`, entityID).Scan(
		&e.EntityID, &e.EntityType, &e.PrimaryName, &e.SourceSystem, &e.SourceID,
		&e.Status, &e.Jurisdiction, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, spine.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: entity %d", entityID)
	}
	return &e, nil
}

func (r *SpineRepo) EntitiesByName(ctx context.Context, norm string) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT entity_id FROM entity_names WHERE norm = $1 ORDER BY entity_id`, norm)
	if err != nil {
		return nil, eris.Wrapf(err, "store: entities named %q", norm)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "store: scan entity id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *SpineRepo) AliasesByName(ctx context.Context, norm string) ([]spine.Alias, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entity_id, alias, kind, confidence
		FROM aliases
		WHERE norm = $1
		ORDER BY alias_id`, norm)
	if err != nil {
		return nil, eris.Wrapf(err, "store: aliases named %q", norm)
	}
	defer rows.Close()

	out := []spine.Alias{}
	for rows.Next() {
		var a spine.Alias
		if err := rows.Scan(&a.EntityID, &a.Alias, &a.Kind, &a.Confidence); err != nil {
			return nil, eris.Wrap(err, "store: scan alias")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SpineRepo) Versions(ctx context.Context, entityID int64) ([]spine.EntityVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT version_id, entity_id, name, entity_type, valid_from, valid_to, source_sightings
		FROM entity_versions
		WHERE entity_id = $1
		ORDER BY valid_from, version_id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: versions of entity %d", entityID)
	}
	defer rows.Close()

	out := []spine.EntityVersion{}
	for rows.Next() {
		var v spine.EntityVersion
		if err := rows.Scan(&v.VersionID, &v.EntityID, &v.Name, &v.EntityType,
			&v.ValidFrom, &v.ValidTo, &v.SourceSightings); err != nil {
			return nil, eris.Wrap(err, "store: scan entity version")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *SpineRepo) Redirect(ctx context.Context, entityID int64) (int64, bool, error) {
	var to int64
	err := r.pool.QueryRow(ctx,
		`SELECT to_entity_id FROM redirects WHERE from_entity_id = $1`, entityID).Scan(&to)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "store: redirect of entity %d", entityID)
	}
	return to, true, nil
}

func (r *SpineRepo) ListNames(ctx context.Context, limit int) ([]spine.NameRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entity_id, primary_name, entity_type
		FROM entities
		WHERE status <> 'REDIRECTED'
		ORDER BY entity_id
		LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list names")
	}
	defer rows.Close()

	var out []spine.NameRow
	for rows.Next() {
		var n spine.NameRow
		if err := rows.Scan(&n.EntityID, &n.Name, &n.Type); err != nil {
			return nil, eris.Wrap(err, "store: scan name row")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *SpineRepo) SupportsAsOf() bool { return true }

func (r *SpineRepo) CreateEntity(ctx context.Context, e *spine.Entity) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin create entity")
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO entities (entity_type, primary_name, source_system, source_id,
			status, jurisdiction, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING entity_id`,
		e.EntityType, e.PrimaryName, e.SourceSystem, e.SourceID,
		e.Status, e.Jurisdiction, e.CreatedAt, e.UpdatedAt).Scan(&e.EntityID)
	if err != nil {
		return eris.Wrapf(err, "store: insert entity %q", e.PrimaryName)
	}
	if err := indexName(ctx, tx, e.EntityID, e.PrimaryName); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit create entity")
	}
	return nil
}

func (r *SpineRepo) UpdateEntity(ctx context.Context, e *spine.Entity) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin update entity")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE entities
		SET entity_type = $2, primary_name = $3, source_system = $4, source_id = $5,
		    status = $6, jurisdiction = $7, updated_at = $8
		WHERE entity_id = $1`,
		e.EntityID, e.EntityType, e.PrimaryName, e.SourceSystem, e.SourceID,
		e.Status, e.Jurisdiction, e.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "store: update entity %d", e.EntityID)
	}
	if tag.RowsAffected() == 0 {
		return spine.ErrNotFound
	}
	if err := indexName(ctx, tx, e.EntityID, e.PrimaryName); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit update entity")
	}
	return nil
}

func (r *SpineRepo) CreateSecurity(ctx context.Context, s *spine.Security) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO securities (entity_id, kind, description)
		VALUES ($1, $2, $3)
		RETURNING security_id`,
		s.EntityID, s.Kind, s.Description).Scan(&s.SecurityID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return spine.ErrNotFound
		}
		return eris.Wrapf(err, "store: insert security for entity %d", s.EntityID)
	}
	return nil
}

func (r *SpineRepo) CreateListing(ctx context.Context, l *spine.Listing) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO listings (security_id, exchange)
		VALUES ($1, $2)
		RETURNING listing_id`,
		l.SecurityID, l.Exchange).Scan(&l.ListingID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return spine.ErrNotFound
		}
		return eris.Wrapf(err, "store: insert listing for security %d", l.SecurityID)
	}
	return nil
}

func (r *SpineRepo) ListingsForEntity(ctx context.Context, entityID int64) ([]spine.Listing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.listing_id, l.security_id, l.exchange
		FROM listings l
		JOIN securities s ON s.security_id = l.security_id
		WHERE s.entity_id = $1
		ORDER BY l.listing_id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: listings of entity %d", entityID)
	}
	defer rows.Close()

	out := []spine.Listing{}
	for rows.Next() {
		var l spine.Listing
		if err := rows.Scan(&l.ListingID, &l.SecurityID, &l.Exchange); err != nil {
			return nil, eris.Wrap(err, "store: scan listing")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SpineRepo) AddClaim(ctx context.Context, c *spine.IdentifierClaim) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO identifier_claims (owner_level, owner_id, scheme, value,
			valid_from, valid_to, status, source, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING claim_id`,
		c.OwnerLevel, c.OwnerID, c.Scheme, c.Value,
		c.ValidFrom, c.ValidTo, c.Status, c.Source, c.Confidence).Scan(&c.ClaimID)
	if err != nil {
		return eris.Wrapf(err, "store: insert claim %s %s", c.Scheme, c.Value)
	}
	return nil
}

func (r *SpineRepo) CloseClaim(ctx context.Context, claimID int64, at time.Time, status spine.ClaimStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE identifier_claims
		SET valid_to = $2, status = $3
		WHERE claim_id = $1 AND valid_to IS NULL`,
		claimID, at, string(status))
	if err != nil {
		return eris.Wrapf(err, "store: close claim %d", claimID)
	}
	if tag.RowsAffected() == 0 {
		var found bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM identifier_claims WHERE claim_id = $1)`, claimID).Scan(&found); err != nil {
			return eris.Wrapf(err, "store: check claim %d", claimID)
		}
		if !found {
			return spine.ErrNotFound
		}
		return eris.Errorf("spine: claim %d already closed", claimID)
	}
	return nil
}

func (r *SpineRepo) AddVersion(ctx context.Context, v *spine.EntityVersion) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin add version")
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO entity_versions (entity_id, name, entity_type, valid_from, valid_to, source_sightings)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING version_id`,
		v.EntityID, v.Name, v.EntityType, v.ValidFrom, v.ValidTo, v.SourceSightings).Scan(&v.VersionID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return spine.ErrNotFound
		}
		return eris.Wrapf(err, "store: insert version for entity %d", v.EntityID)
	}
	if err := indexName(ctx, tx, v.EntityID, v.Name); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit add version")
	}
	return nil
}

func (r *SpineRepo) CloseVersion(ctx context.Context, entityID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE entity_versions
		SET valid_to = $2
		WHERE version_id = (
			SELECT version_id FROM entity_versions
			WHERE entity_id = $1 AND valid_to IS NULL
			ORDER BY valid_from, version_id
			LIMIT 1
		)`, entityID, at)
	if err != nil {
		return eris.Wrapf(err, "store: close version of entity %d", entityID)
	}
	return nil
}

func (r *SpineRepo) AddAlias(ctx context.Context, a spine.Alias) error {
	norm := spine.NormalizeName(a.Alias)
	if norm == "" {
		return eris.New("spine: alias normalizes to nothing")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO aliases (entity_id, alias, norm, kind, confidence)
		VALUES ($1, $2, $3, $4, $5)`,
		a.EntityID, a.Alias, norm, a.Kind, a.Confidence)
	if err != nil {
		if isForeignKeyViolation(err) {
			return spine.ErrNotFound
		}
		return eris.Wrapf(err, "store: insert alias %q", a.Alias)
	}
	return nil
}

func (r *SpineRepo) SetRedirect(ctx context.Context, fromID, toID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO redirects (from_entity_id, to_entity_id)
		VALUES ($1, $2)
		ON CONFLICT (from_entity_id) DO UPDATE SET to_entity_id = EXCLUDED.to_entity_id`,
		fromID, toID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return spine.ErrNotFound
		}
		return eris.Wrapf(err, "store: redirect %d to %d", fromID, toID)
	}
	return nil
}

func indexName(ctx context.Context, tx pgx.Tx, entityID int64, name string) error {
	norm := spine.NormalizeName(name)
	if norm == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO entity_names (entity_id, norm)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, entityID, norm)
	if err != nil {
		return eris.Wrapf(err, "store: index name for entity %d", entityID)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return eris.As(err, &pgErr) && pgErr.Code == "23503"
}
