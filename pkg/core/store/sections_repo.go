package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
)

// SectionRepo is the Postgres sections.Store. Superseding happens in one
// transaction so readers never see a filing with zero current sections,
// and the partial unique index on (accession, section_key) WHERE current
// holds throughout.
type SectionRepo struct {
	pool *pgxpool.Pool
}

func NewSectionRepo(pool *pgxpool.Pool) *SectionRepo {
	return &SectionRepo{pool: pool}
}

const sectionColumns = `section_id, accession, section_key, title, char_start, char_end,
	text, word_count, document_filename, parser_version, current, created_at`

func (r *SectionRepo) ReplaceSections(ctx context.Context, accession string, secs []sections.Section) error {
	acc := edgar.CanonicalAccession(accession)
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin replace sections tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE sections SET current = FALSE
		WHERE accession = $1 AND current`, acc); err != nil {
		return eris.Wrapf(err, "store: retire sections of %s", acc)
	}
	for i := range secs {
		secs[i].Accession = acc
		secs[i].Current = true
		err := tx.QueryRow(ctx, `
			INSERT INTO sections (accession, section_key, title, char_start, char_end,
				text, word_count, document_filename, parser_version, current)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
			RETURNING section_id, created_at`,
			acc, secs[i].SectionKey, secs[i].Title, secs[i].CharStart, secs[i].CharEnd,
			secs[i].Text, secs[i].WordCount, secs[i].DocumentFilename, secs[i].ParserVersion,
		).Scan(&secs[i].SectionID, &secs[i].CreatedAt)
		if err != nil {
			return eris.Wrapf(err, "store: insert section %s of %s", secs[i].SectionKey, acc)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit replace sections tx")
	}
	return nil
}

func (r *SectionRepo) CurrentSections(ctx context.Context, accession string) ([]sections.Section, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sectionColumns+`
		FROM sections
		WHERE accession = $1 AND current
		ORDER BY char_start, section_id`, edgar.CanonicalAccession(accession))
	if err != nil {
		return nil, eris.Wrapf(err, "store: list sections of %s", accession)
	}
	defer rows.Close()

	out := []sections.Section{}
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan section")
		}
		out = append(out, *sec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "store: list sections of %s", accession)
	}
	return out, nil
}

func (r *SectionRepo) Section(ctx context.Context, accession, sectionKey string) (*sections.Section, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sectionColumns+`
		FROM sections
		WHERE accession = $1 AND section_key = $2 AND current`,
		edgar.CanonicalAccession(accession), sectionKey)
	sec, err := scanSection(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, sections.ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get section %s of %s", sectionKey, accession)
	}
	return sec, nil
}

func scanSection(row pgx.Row) (*sections.Section, error) {
	var sec sections.Section
	err := row.Scan(&sec.SectionID, &sec.Accession, &sec.SectionKey, &sec.Title,
		&sec.CharStart, &sec.CharEnd, &sec.Text, &sec.WordCount,
		&sec.DocumentFilename, &sec.ParserVersion, &sec.Current, &sec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sec, nil
}
