package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
)

// RecordRepo is the Postgres capture store. It implements
// feedspine.Store and feedspine.CheckpointStore; admissions get their
// per-key serialization from the natural-key row lock inside InTx.
type RecordRepo struct {
	pool *pgxpool.Pool
}

func NewRecordRepo(pool *pgxpool.Pool) *RecordRepo {
	return &RecordRepo{pool: pool}
}

func (r *RecordRepo) InTx(ctx context.Context, fn func(tx feedspine.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin admit tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(&recordTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit admit tx")
	}
	return nil
}

type recordTx struct {
	tx pgx.Tx
}

const recordColumns = `record_id, natural_key, accession, cik, company_name, form_type,
	content_hash, published_at, captured_at, layer, processed, was_modified, raw_payload`

func (t *recordTx) LookupForUpdate(ctx context.Context, naturalKey string) (*feedspine.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE natural_key = $1
		FOR UPDATE`, naturalKey)
	rec, err := scanRecord(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, feedspine.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: lookup record %s", naturalKey)
	}
	return rec, nil
}

func (t *recordTx) InsertRecord(ctx context.Context, rec *feedspine.Record) error {
	payload, err := marshalMap(rec.RawPayload)
	if err != nil {
		return eris.Wrap(err, "store: marshal record payload")
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO records (natural_key, accession, cik, company_name, form_type,
			content_hash, published_at, captured_at, layer, processed, was_modified, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING record_id`,
		rec.NaturalKey, rec.Accession, rec.CIK, rec.CompanyName, rec.FormType,
		rec.ContentHash, rec.PublishedAt, rec.CapturedAt, rec.Layer, rec.Processed,
		rec.WasModified, payload).Scan(&rec.RecordID)
	if err != nil {
		return eris.Wrapf(err, "store: insert record %s", rec.NaturalKey)
	}
	return nil
}

func (t *recordTx) LastSighting(ctx context.Context, recordID int64) (*feedspine.Sighting, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+sightingColumns+`
		FROM sightings
		WHERE record_id = $1
		ORDER BY observed_at DESC, sighting_id DESC
		LIMIT 1`, recordID)
	s, err := scanSighting(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: last sighting of record %d", recordID)
	}
	return s, nil
}

func (t *recordTx) HasRecentSighting(ctx context.Context, recordID int64, feed string, since time.Time) (bool, error) {
	var found bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sightings
			WHERE record_id = $1 AND feed = $2 AND observed_at >= $3
		)`, recordID, feed, since).Scan(&found)
	if err != nil {
		return false, eris.Wrapf(err, "store: recent sighting of record %d", recordID)
	}
	return found, nil
}

func (t *recordTx) AppendSighting(ctx context.Context, s *feedspine.Sighting) error {
	prior, err := marshalMap(s.PriorContent)
	if err != nil {
		return eris.Wrap(err, "store: marshal prior content")
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO sightings (record_id, feed, observed_at, source_url,
			source_updated_at, content_hash, was_modified, prior_content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sighting_id`,
		s.RecordID, s.Feed, s.ObservedAt, s.SourceURL,
		s.SourceUpdatedAt, s.ContentHash, s.WasModified, prior).Scan(&s.SightingID)
	if err != nil {
		return eris.Wrapf(err, "store: append sighting for record %d", s.RecordID)
	}
	return nil
}

func (t *recordTx) UpdateContent(ctx context.Context, recordID int64, hash string, payload map[string]interface{}) error {
	raw, err := marshalMap(payload)
	if err != nil {
		return eris.Wrap(err, "store: marshal updated payload")
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE records
		SET content_hash = $2, raw_payload = $3, was_modified = TRUE, processed = FALSE
		WHERE record_id = $1`, recordID, hash, raw)
	if err != nil {
		return eris.Wrapf(err, "store: update content of record %d", recordID)
	}
	if tag.RowsAffected() == 0 {
		return feedspine.ErrNotFound
	}
	return nil
}

// ==========================================================================
// Reads
// ==========================================================================

func (r *RecordRepo) GetRecord(ctx context.Context, naturalKey string) (*feedspine.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE natural_key = $1`, naturalKey)
	rec, err := scanRecord(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, feedspine.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get record %s", naturalKey)
	}
	return rec, nil
}

func (r *RecordRepo) GetRecordByID(ctx context.Context, recordID int64) (*feedspine.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE record_id = $1`, recordID)
	rec, err := scanRecord(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, feedspine.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get record %d", recordID)
	}
	return rec, nil
}

func (r *RecordRepo) Sightings(ctx context.Context, recordID int64) ([]feedspine.Sighting, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sightingColumns+`
		FROM sightings
		WHERE record_id = $1
		ORDER BY sighting_id`, recordID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: sightings of record %d", recordID)
	}
	defer rows.Close()

	out := []feedspine.Sighting{}
	for rows.Next() {
		s, err := scanSighting(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan sighting")
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *RecordRepo) ListRecords(ctx context.Context, f feedspine.RecordFilter) ([]feedspine.Record, error) {
	cik := ""
	if f.CIK != "" {
		cik = edgar.PadCIK(f.CIK)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE ($1 = '' OR cik = $1)
		  AND ($2 = '' OR upper(form_type) = upper($2))
		  AND ($3 = '' OR layer = $3)
		  AND ($4::boolean IS NULL OR processed = $4)
		  AND ($5 = '' OR EXISTS (
				SELECT 1 FROM sightings s
				WHERE s.record_id = records.record_id AND s.feed = $5))
		ORDER BY captured_at DESC, record_id DESC
		OFFSET $6 LIMIT NULLIF($7, 0)`,
		cik, f.FormType, string(f.Layer), f.Processed, f.Feed, f.Offset, f.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list records")
	}
	defer rows.Close()

	var out []feedspine.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan record")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *RecordRepo) PromoteLayer(ctx context.Context, recordID int64, to feedspine.Layer) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE records
		SET layer = $2
		WHERE record_id = $1
		  AND CASE layer WHEN 'BRONZE' THEN 1 WHEN 'SILVER' THEN 2 WHEN 'GOLD' THEN 3 ELSE 0 END
		    < CASE $2    WHEN 'BRONZE' THEN 1 WHEN 'SILVER' THEN 2 WHEN 'GOLD' THEN 3 ELSE 0 END`,
		recordID, string(to))
	if err != nil {
		return eris.Wrapf(err, "store: promote record %d", recordID)
	}
	if tag.RowsAffected() == 0 {
		// Either the record is missing or this was a no-op demotion.
		return r.recordExists(ctx, recordID)
	}
	return nil
}

func (r *RecordRepo) MarkProcessed(ctx context.Context, recordID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE records SET processed = TRUE WHERE record_id = $1`, recordID)
	if err != nil {
		return eris.Wrapf(err, "store: mark record %d processed", recordID)
	}
	if tag.RowsAffected() == 0 {
		return feedspine.ErrNotFound
	}
	return nil
}

func (r *RecordRepo) QuarantinePoison(ctx context.Context, p edgar.PoisonRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO poison_records (feed, raw, reason, observed_at)
		VALUES ($1, $2, $3, $4)`,
		p.Feed, p.Raw, p.Reason, p.ObservedAt)
	if err != nil {
		return eris.Wrap(err, "store: quarantine poison record")
	}
	return nil
}

func (r *RecordRepo) recordExists(ctx context.Context, recordID int64) error {
	var found bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE record_id = $1)`, recordID).Scan(&found)
	if err != nil {
		return eris.Wrapf(err, "store: check record %d", recordID)
	}
	if !found {
		return feedspine.ErrNotFound
	}
	return nil
}

// ==========================================================================
// Filings (Silver)
// ==========================================================================

const filingColumns = `accession_number, filer_cik, form_type, filed_date, acceptance_datetime,
	report_date, entity_id, primary_document_url, source_sightings,
	sections_extracted, mentions_extracted, created_at, updated_at`

func (r *RecordRepo) UpsertFiling(ctx context.Context, f *feedspine.Filing) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO filings (accession_number, filer_cik, form_type, filed_date,
			acceptance_datetime, report_date, entity_id, primary_document_url,
			source_sightings, sections_extracted, mentions_extracted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (accession_number) DO UPDATE SET
			filer_cik            = EXCLUDED.filer_cik,
			form_type            = EXCLUDED.form_type,
			filed_date           = EXCLUDED.filed_date,
			acceptance_datetime  = EXCLUDED.acceptance_datetime,
			report_date          = EXCLUDED.report_date,
			entity_id            = EXCLUDED.entity_id,
			primary_document_url = EXCLUDED.primary_document_url,
			source_sightings     = EXCLUDED.source_sightings,
			sections_extracted   = EXCLUDED.sections_extracted,
			mentions_extracted   = EXCLUDED.mentions_extracted,
			updated_at           = now()
		RETURNING created_at, updated_at`,
		f.AccessionNumber, f.FilerCIK, f.FormType, f.FiledDate,
		f.AcceptanceDatetime, f.ReportDate, f.EntityID, f.PrimaryDocumentURL,
		f.SourceSightings, f.SectionsExtracted, f.MentionsExtracted).
		Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "store: upsert filing %s", f.AccessionNumber)
	}
	return nil
}

func (r *RecordRepo) GetFiling(ctx context.Context, accession string) (*feedspine.Filing, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+filingColumns+`
		FROM filings
		WHERE accession_number = $1`, edgar.CanonicalAccession(accession))
	f, err := scanFiling(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, feedspine.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get filing %s", accession)
	}
	return f, nil
}

func (r *RecordRepo) ListFilings(ctx context.Context, f feedspine.FilingFilter) ([]feedspine.Filing, error) {
	cik := ""
	if f.CIK != "" {
		cik = edgar.PadCIK(f.CIK)
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+filingColumns+`
		FROM filings
		WHERE ($1 = '' OR filer_cik = $1)
		  AND ($2 = '' OR upper(form_type) = upper($2))
		  AND ($3::date IS NULL OR filed_date >= $3)
		  AND ($4::date IS NULL OR filed_date <= $4)
		ORDER BY filed_date DESC, accession_number DESC
		OFFSET $5 LIMIT NULLIF($6, 0)`,
		cik, f.FormType, from, to, f.Offset, f.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list filings")
	}
	defer rows.Close()

	var out []feedspine.Filing
	for rows.Next() {
		fil, err := scanFiling(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan filing")
		}
		out = append(out, *fil)
	}
	return out, rows.Err()
}

func (r *RecordRepo) SetFilingFlags(ctx context.Context, accession string, sectionsExtracted, mentionsExtracted *bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE filings
		SET sections_extracted = COALESCE($2, sections_extracted),
		    mentions_extracted = COALESCE($3, mentions_extracted),
		    updated_at = now()
		WHERE accession_number = $1`,
		edgar.CanonicalAccession(accession), sectionsExtracted, mentionsExtracted)
	if err != nil {
		return eris.Wrapf(err, "store: set flags on filing %s", accession)
	}
	if tag.RowsAffected() == 0 {
		return feedspine.ErrNotFound
	}
	return nil
}

func (r *RecordRepo) SetFilingEntity(ctx context.Context, accession, entityID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE filings
		SET entity_id = $2, updated_at = now()
		WHERE accession_number = $1`,
		edgar.CanonicalAccession(accession), entityID)
	if err != nil {
		return eris.Wrapf(err, "store: set entity on filing %s", accession)
	}
	if tag.RowsAffected() == 0 {
		return feedspine.ErrNotFound
	}
	return nil
}

// ==========================================================================
// Checkpoints
// ==========================================================================

func (r *RecordRepo) GetCheckpoint(ctx context.Context, feed string) (string, error) {
	var cursor string
	err := r.pool.QueryRow(ctx,
		`SELECT cursor FROM checkpoints WHERE feed = $1`, feed).Scan(&cursor)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "store: get checkpoint %s", feed)
	}
	return cursor, nil
}

func (r *RecordRepo) SetCheckpoint(ctx context.Context, feed, cursor string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkpoints (feed, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (feed) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`,
		feed, cursor)
	if err != nil {
		return eris.Wrapf(err, "store: set checkpoint %s", feed)
	}
	return nil
}

// ==========================================================================
// Scan helpers
// ==========================================================================

const sightingColumns = `sighting_id, record_id, feed, observed_at, source_url,
	source_updated_at, content_hash, was_modified, prior_content`

func scanRecord(row pgx.Row) (*feedspine.Record, error) {
	var rec feedspine.Record
	var payload []byte
	err := row.Scan(&rec.RecordID, &rec.NaturalKey, &rec.Accession, &rec.CIK,
		&rec.CompanyName, &rec.FormType, &rec.ContentHash, &rec.PublishedAt,
		&rec.CapturedAt, &rec.Layer, &rec.Processed, &rec.WasModified, &payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.RawPayload); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal record payload")
		}
	}
	return &rec, nil
}

func scanSighting(row pgx.Row) (*feedspine.Sighting, error) {
	var s feedspine.Sighting
	var prior []byte
	err := row.Scan(&s.SightingID, &s.RecordID, &s.Feed, &s.ObservedAt,
		&s.SourceURL, &s.SourceUpdatedAt, &s.ContentHash, &s.WasModified, &prior)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &s.PriorContent); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal prior content")
		}
	}
	return &s, nil
}

func scanFiling(row pgx.Row) (*feedspine.Filing, error) {
	var f feedspine.Filing
	err := row.Scan(&f.AccessionNumber, &f.FilerCIK, &f.FormType, &f.FiledDate,
		&f.AcceptanceDatetime, &f.ReportDate, &f.EntityID, &f.PrimaryDocumentURL,
		&f.SourceSightings, &f.SectionsExtracted, &f.MentionsExtracted,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// marshalMap renders a JSONB payload, mapping an empty map to SQL NULL.
func marshalMap(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
