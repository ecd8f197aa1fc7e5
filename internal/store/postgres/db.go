// Package postgres persists recovery records and blocked jobs in the job
// database next to the jobs table recovery reads and updates.
package postgres

import (
	"context"
	"embed"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	// Migrate applies the embedded schema migrations on Open.
	Migrate bool `yaml:"migrate"`
}

// Open connects to PostgreSQL and optionally migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if cfg.Migrate {
		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(db), nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set migration dialect")
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	return nil
}
