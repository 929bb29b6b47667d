// Package store is the Postgres layer: pool bootstrap, embedded schema
// migrations, and the repositories behind the persistence interfaces the
// domain packages export (feedspine.Store, spine.Store, graph.Store,
// validate.Sink). Domain packages never import pgx; everything SQL lives
// here.
package store

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Open builds a pgx pool for dsn and verifies connectivity. An empty dsn
// falls back to DATABASE_URL so ad-hoc tooling works without a config
// file.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		dsn = databaseURLFromEnv()
	}
	if dsn == "" {
		return nil, eris.New("store: no database url configured")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse database url")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping")
	}
	return pool, nil
}

func databaseURLFromEnv() string {
	return os.Getenv("DATABASE_URL")
}
