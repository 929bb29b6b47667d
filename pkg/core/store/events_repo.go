package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// EventRepo persists validation events. It implements validate.Sink.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) SaveEvent(ctx context.Context, ev validate.Event) error {
	var contextJSON []byte
	if len(ev.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(ev.Context)
		if err != nil {
			return eris.Wrap(err, "store: marshal event context")
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO validation_events (kind, severity, accession, subject, detail, context, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.Kind, ev.Severity, ev.Accession, ev.Subject, ev.Detail, contextJSON, ev.ObservedAt)
	if err != nil {
		return eris.Wrap(err, "store: save validation event")
	}
	return nil
}

func (r *EventRepo) ListEvents(ctx context.Context, f validate.EventFilter) ([]validate.Event, error) {
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event_id, kind, severity, accession, subject, detail, context, observed_at
		FROM validation_events
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR accession = $2)
		  AND ($3::timestamptz IS NULL OR observed_at >= $3)
		ORDER BY event_id
		LIMIT NULLIF($4, 0)`,
		string(f.Kind), f.Accession, since, f.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list validation events")
	}
	defer rows.Close()

	var out []validate.Event
	for rows.Next() {
		var ev validate.Event
		var contextJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.Kind, &ev.Severity, &ev.Accession,
			&ev.Subject, &ev.Detail, &contextJSON, &ev.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan validation event")
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
				return nil, eris.Wrap(err, "store: unmarshal event context")
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
