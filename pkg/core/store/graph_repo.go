package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
)

// GraphRepo is the Postgres relationship store. It implements
// graph.Store. Evidence lives as a JSONB array on the edge row; merges
// lock the open row and apply graph.MergeSighting, so the dedupe policy
// is the same one the memory store uses.
type GraphRepo struct {
	pool *pgxpool.Pool
}

func NewGraphRepo(pool *pgxpool.Pool) *GraphRepo {
	return &GraphRepo{pool: pool}
}

const relationshipColumns = `relationship_id, source_entity_id, target_entity_id, rel_type,
	valid_from, valid_to, evidence, confidence, first_seen_at, last_seen_at, is_significant`

func (r *GraphRepo) Upsert(ctx context.Context, rel *graph.Relationship) (*graph.Relationship, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "store: begin graph upsert")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE source_entity_id = $1 AND target_entity_id = $2 AND rel_type = $3
		  AND valid_to IS NULL
		FOR UPDATE`,
		rel.SourceEntityID, rel.TargetEntityID, string(rel.Type))

	cur, err := scanRelationship(row)
	switch {
	case err == nil:
		graph.MergeSighting(cur, rel)
		evidence, merr := json.Marshal(cur.Evidence)
		if merr != nil {
			return nil, eris.Wrap(merr, "store: marshal evidence")
		}
		_, err = tx.Exec(ctx, `
			UPDATE relationships
			SET evidence = $2, confidence = $3, last_seen_at = $4, is_significant = $5
			WHERE relationship_id = $1`,
			cur.RelationshipID, evidence, cur.Confidence, cur.LastSeenAt, cur.IsSignificant)
		if err != nil {
			return nil, eris.Wrapf(err, "store: merge relationship %d", cur.RelationshipID)
		}

	case eris.Is(err, pgx.ErrNoRows):
		evidence, merr := json.Marshal(rel.Evidence)
		if merr != nil {
			return nil, eris.Wrap(merr, "store: marshal evidence")
		}
		cur = &graph.Relationship{}
		*cur = *rel
		err = tx.QueryRow(ctx, `
			INSERT INTO relationships (source_entity_id, target_entity_id, rel_type,
				valid_from, valid_to, evidence, confidence, first_seen_at, last_seen_at, is_significant)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING relationship_id`,
			rel.SourceEntityID, rel.TargetEntityID, string(rel.Type),
			rel.ValidFrom, rel.ValidTo, evidence, rel.Confidence,
			rel.FirstSeenAt, rel.LastSeenAt, rel.IsSignificant).Scan(&cur.RelationshipID)
		if err != nil {
			return nil, eris.Wrap(err, "store: insert relationship")
		}

	default:
		return nil, eris.Wrap(err, "store: lock open relationship")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "store: commit graph upsert")
	}
	return cur, nil
}

func (r *GraphRepo) OpenByTarget(ctx context.Context, targetID int64, t graph.RelationshipType) ([]graph.Relationship, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE target_entity_id = $1 AND rel_type = $2 AND valid_to IS NULL
		ORDER BY relationship_id`, targetID, string(t))
	if err != nil {
		return nil, eris.Wrapf(err, "store: open relationships at entity %d", targetID)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func (r *GraphRepo) Close(ctx context.Context, relationshipID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE relationships
		SET valid_to = $2
		WHERE relationship_id = $1 AND valid_to IS NULL`,
		relationshipID, at)
	if err != nil {
		return eris.Wrapf(err, "store: close relationship %d", relationshipID)
	}
	if tag.RowsAffected() == 0 {
		var found bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM relationships WHERE relationship_id = $1)`,
			relationshipID).Scan(&found); err != nil {
			return eris.Wrapf(err, "store: check relationship %d", relationshipID)
		}
		if !found {
			return eris.Errorf("graph: relationship %d not found", relationshipID)
		}
		return eris.Errorf("graph: relationship %d already closed", relationshipID)
	}
	return nil
}

func (r *GraphRepo) InsertEvent(ctx context.Context, ev *graph.Event) error {
	evidence, err := json.Marshal(ev.Evidence)
	if err != nil {
		return eris.Wrap(err, "store: marshal event evidence")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO filing_events (event_id, entity_id, event_type, item_code,
			occurred_at, accession, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.EventID, ev.EntityID, string(ev.Type), ev.ItemCode,
		ev.OccurredAt, ev.Accession, evidence, ev.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "store: insert event %s", ev.EventID)
	}
	return nil
}

func (r *GraphRepo) Relationships(ctx context.Context, f graph.RelFilter) ([]graph.Relationship, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE ($1 = 0 OR source_entity_id = $1 OR target_entity_id = $1)
		  AND ($2 = '' OR rel_type = $2)
		  AND (NOT $3::boolean OR valid_to IS NULL)
		  AND ($4::timestamptz IS NULL OR
		       (valid_from <= $4 AND (valid_to IS NULL OR $4 < valid_to)))
		ORDER BY last_seen_at DESC, relationship_id DESC
		LIMIT NULLIF($5, 0)`,
		f.EntityID, string(f.Type), f.OpenOnly, f.AsOf, f.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list relationships")
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func (r *GraphRepo) Events(ctx context.Context, f graph.EventFilter) ([]graph.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, entity_id, event_type, item_code, occurred_at, accession, evidence, created_at
		FROM filing_events
		WHERE ($1 = 0 OR entity_id = $1)
		  AND ($2 = '' OR event_type = $2)
		ORDER BY occurred_at DESC, event_id
		LIMIT NULLIF($3, 0)`,
		f.EntityID, string(f.Type), f.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list events")
	}
	defer rows.Close()

	var out []graph.Event
	for rows.Next() {
		var ev graph.Event
		var evidence []byte
		if err := rows.Scan(&ev.EventID, &ev.EntityID, &ev.Type, &ev.ItemCode,
			&ev.OccurredAt, &ev.Accession, &evidence, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan event")
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &ev.Evidence); err != nil {
				return nil, eris.Wrap(err, "store: unmarshal event evidence")
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanRelationship(row pgx.Row) (*graph.Relationship, error) {
	var rel graph.Relationship
	var evidence []byte
	err := row.Scan(&rel.RelationshipID, &rel.SourceEntityID, &rel.TargetEntityID,
		&rel.Type, &rel.ValidFrom, &rel.ValidTo, &evidence, &rel.Confidence,
		&rel.FirstSeenAt, &rel.LastSeenAt, &rel.IsSignificant)
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rel.Evidence); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal evidence")
		}
	}
	return &rel, nil
}

func collectRelationships(rows pgx.Rows) ([]graph.Relationship, error) {
	var out []graph.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan relationship")
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}
