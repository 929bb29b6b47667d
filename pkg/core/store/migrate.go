package store

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration. Goose drives the
// database/sql interface, so it gets its own short-lived connection
// through the pgx stdlib adapter rather than the pool.
func Migrate(ctx context.Context, dsn string) error {
	if dsn == "" {
		dsn = databaseURLFromEnv()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return eris.Wrap(err, "store: open for migrate")
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return eris.Wrap(err, "store: set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return eris.Wrap(err, "store: apply migrations")
	}
	return nil
}
