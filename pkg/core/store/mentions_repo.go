package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
)

// MentionRepo is the Postgres mentions.Store. Reconciles lock the
// section's stored rows and apply mentions.MergeResight, so the
// re-sighting policy is the same one the memory store uses.
type MentionRepo struct {
	pool *pgxpool.Pool
}

func NewMentionRepo(pool *pgxpool.Pool) *MentionRepo {
	return &MentionRepo{pool: pool}
}

const mentionColumns = `mention_id, entity_text, type_hint, accession, section_key,
	char_start, char_end, paragraph_index, sentence_index, sentence_text, surrounding_context,
	method, model_id, confidence, extracted_at,
	resolved_entity_id, resolution_method, resolution_confidence,
	first_seen_at, first_seen_filing, last_seen_at, last_seen_filing,
	occurrence_count, is_new, is_removed, was_modified, prior_text`

type span struct {
	start, end int
}

func (r *MentionRepo) ReconcileSection(ctx context.Context, accession, sectionKey string, fresh []mentions.Mention) (mentions.ReconcileStats, error) {
	var stats mentions.ReconcileStats
	acc := edgar.CanonicalAccession(accession)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "store: begin reconcile tx")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+mentionColumns+`
		FROM mentions
		WHERE accession = $1 AND section_key = $2
		FOR UPDATE`, acc, sectionKey)
	if err != nil {
		return stats, eris.Wrapf(err, "store: lock mentions of %s %s", acc, sectionKey)
	}
	prior, err := collectMentions(rows)
	if err != nil {
		return stats, eris.Wrap(err, "store: scan locked mentions")
	}
	stored := make(map[span]*mentions.Mention, len(prior))
	for i := range prior {
		stored[span{prior[i].SourceLocation.CharStart, prior[i].SourceLocation.CharEnd}] = &prior[i]
	}

	seen := make(map[span]bool, len(fresh))
	for i := range fresh {
		m := fresh[i]
		m.SourceLocation.AccessionNumber = acc
		m.SourceLocation.SectionKey = sectionKey
		k := span{m.SourceLocation.CharStart, m.SourceLocation.CharEnd}
		seen[k] = true
		if cur, ok := stored[k]; ok {
			if cur.EntityText != m.EntityText {
				stats.Modified++
			} else {
				stats.Resighted++
			}
			mentions.MergeResight(cur, &m)
			if err := updateMention(ctx, tx, cur); err != nil {
				return stats, eris.Wrapf(err, "store: update mention %s", cur.MentionID)
			}
			continue
		}
		if err := insertMention(ctx, tx, &m); err != nil {
			return stats, eris.Wrapf(err, "store: insert mention %s", m.MentionID)
		}
		stats.New++
	}

	var gone []string
	for k, cur := range stored {
		if seen[k] || cur.Temporal.IsRemoved {
			continue
		}
		gone = append(gone, cur.MentionID)
	}
	if len(gone) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE mentions SET is_removed = TRUE
			WHERE mention_id = ANY($1)`, gone)
		if err != nil {
			return stats, eris.Wrapf(err, "store: flag removed mentions of %s %s", acc, sectionKey)
		}
		stats.Removed = int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, eris.Wrap(err, "store: commit reconcile tx")
	}
	return stats, nil
}

func (r *MentionRepo) MentionsByAccession(ctx context.Context, accession string) ([]mentions.Mention, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mentionColumns+`
		FROM mentions
		WHERE accession = $1
		ORDER BY section_key, char_start`, edgar.CanonicalAccession(accession))
	if err != nil {
		return nil, eris.Wrapf(err, "store: list mentions of %s", accession)
	}
	return collectMentions(rows)
}

func (r *MentionRepo) Unresolved(ctx context.Context, accession string) ([]mentions.Mention, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mentionColumns+`
		FROM mentions
		WHERE accession = $1 AND resolution_method IS NULL AND NOT is_removed
		ORDER BY section_key, char_start`, edgar.CanonicalAccession(accession))
	if err != nil {
		return nil, eris.Wrapf(err, "store: list unresolved mentions of %s", accession)
	}
	return collectMentions(rows)
}

func (r *MentionRepo) Mention(ctx context.Context, mentionID string) (*mentions.Mention, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+mentionColumns+`
		FROM mentions
		WHERE mention_id = $1`, mentionID)
	m, err := scanMention(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, mentions.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get mention %s", mentionID)
	}
	return m, nil
}

func (r *MentionRepo) MentionsByEntity(ctx context.Context, entityID int64, limit int) ([]mentions.Mention, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mentionColumns+`
		FROM mentions
		WHERE resolved_entity_id = $1
		ORDER BY last_seen_at DESC, mention_id
		LIMIT NULLIF($2, 0)`, entityID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list mentions of entity %d", entityID)
	}
	return collectMentions(rows)
}

func (r *MentionRepo) SetResolution(ctx context.Context, mentionID string, res mentions.Resolution) error {
	entityID, method, conf := resolutionParams(&res)
	tag, err := r.pool.Exec(ctx, `
		UPDATE mentions
		SET resolved_entity_id = $2, resolution_method = $3, resolution_confidence = $4
		WHERE mention_id = $1`, mentionID, entityID, method, conf)
	if err != nil {
		return eris.Wrapf(err, "store: set resolution of mention %s", mentionID)
	}
	if tag.RowsAffected() == 0 {
		return mentions.ErrNotFound
	}
	return nil
}

func updateMention(ctx context.Context, tx pgx.Tx, m *mentions.Mention) error {
	entityID, method, conf := resolutionParams(m.Resolution)
	_, err := tx.Exec(ctx, `
		UPDATE mentions
		SET entity_text = $2, type_hint = $3,
			paragraph_index = $4, sentence_index = $5, sentence_text = $6, surrounding_context = $7,
			method = $8, model_id = $9, confidence = $10, extracted_at = $11,
			resolved_entity_id = $12, resolution_method = $13, resolution_confidence = $14,
			last_seen_at = $15, last_seen_filing = $16, occurrence_count = $17,
			is_new = $18, is_removed = $19, was_modified = $20, prior_text = $21
		WHERE mention_id = $1`,
		m.MentionID, m.EntityText, m.TypeHint,
		m.SourceLocation.ParagraphIndex, m.SourceLocation.SentenceIndex,
		m.SourceLocation.SentenceText, m.SourceLocation.SurroundingContext,
		m.Extraction.Method, m.Extraction.ModelID, m.Extraction.Confidence, m.Extraction.ExtractedAt,
		entityID, method, conf,
		m.Temporal.LastSeenAt, m.Temporal.LastSeenFiling, m.Temporal.OccurrenceCount,
		m.Temporal.IsNew, m.Temporal.IsRemoved, m.Temporal.WasModified, m.Temporal.PriorText)
	return err
}

func insertMention(ctx context.Context, tx pgx.Tx, m *mentions.Mention) error {
	entityID, method, conf := resolutionParams(m.Resolution)
	_, err := tx.Exec(ctx, `
		INSERT INTO mentions (mention_id, entity_text, type_hint, accession, section_key,
			char_start, char_end, paragraph_index, sentence_index, sentence_text, surrounding_context,
			method, model_id, confidence, extracted_at,
			resolved_entity_id, resolution_method, resolution_confidence,
			first_seen_at, first_seen_filing, last_seen_at, last_seen_filing,
			occurrence_count, is_new, is_removed, was_modified, prior_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		m.MentionID, m.EntityText, m.TypeHint,
		m.SourceLocation.AccessionNumber, m.SourceLocation.SectionKey,
		m.SourceLocation.CharStart, m.SourceLocation.CharEnd,
		m.SourceLocation.ParagraphIndex, m.SourceLocation.SentenceIndex,
		m.SourceLocation.SentenceText, m.SourceLocation.SurroundingContext,
		m.Extraction.Method, m.Extraction.ModelID, m.Extraction.Confidence, m.Extraction.ExtractedAt,
		entityID, method, conf,
		m.Temporal.FirstSeenAt, m.Temporal.FirstSeenFiling,
		m.Temporal.LastSeenAt, m.Temporal.LastSeenFiling,
		m.Temporal.OccurrenceCount, m.Temporal.IsNew, m.Temporal.IsRemoved,
		m.Temporal.WasModified, m.Temporal.PriorText)
	return err
}

// resolutionParams renders a Resolution as nullable columns. A zero
// entity id maps to SQL NULL so the entity index only carries real
// resolutions.
func resolutionParams(res *mentions.Resolution) (entityID *int64, method *string, conf *float64) {
	if res == nil {
		return nil, nil, nil
	}
	r := *res
	if r.ResolvedEntityID != 0 {
		entityID = &r.ResolvedEntityID
	}
	return entityID, &r.ResolutionMethod, &r.ResolutionConfidence
}

func scanMention(row pgx.Row) (*mentions.Mention, error) {
	var (
		m         mentions.Mention
		resEntity *int64
		resMethod *string
		resConf   *float64
	)
	err := row.Scan(&m.MentionID, &m.EntityText, &m.TypeHint,
		&m.SourceLocation.AccessionNumber, &m.SourceLocation.SectionKey,
		&m.SourceLocation.CharStart, &m.SourceLocation.CharEnd,
		&m.SourceLocation.ParagraphIndex, &m.SourceLocation.SentenceIndex,
		&m.SourceLocation.SentenceText, &m.SourceLocation.SurroundingContext,
		&m.Extraction.Method, &m.Extraction.ModelID, &m.Extraction.Confidence, &m.Extraction.ExtractedAt,
		&resEntity, &resMethod, &resConf,
		&m.Temporal.FirstSeenAt, &m.Temporal.FirstSeenFiling,
		&m.Temporal.LastSeenAt, &m.Temporal.LastSeenFiling,
		&m.Temporal.OccurrenceCount, &m.Temporal.IsNew, &m.Temporal.IsRemoved,
		&m.Temporal.WasModified, &m.Temporal.PriorText)
	if err != nil {
		return nil, err
	}
	if resMethod != nil || resEntity != nil {
		res := mentions.Resolution{}
		if resEntity != nil {
			res.ResolvedEntityID = *resEntity
		}
		if resMethod != nil {
			res.ResolutionMethod = *resMethod
		}
		if resConf != nil {
			res.ResolutionConfidence = *resConf
		}
		m.Resolution = &res
	}
	return &m, nil
}

func collectMentions(rows pgx.Rows) ([]mentions.Mention, error) {
	defer rows.Close()
	out := []mentions.Mention{}
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
