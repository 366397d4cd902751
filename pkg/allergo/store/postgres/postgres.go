// Package postgres provides the PostgreSQL backend of the shared SQL store
// using the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cognicore/allergo/pkg/allergo/store/sqlstore"
)

const pgDuplicateKeyCode = "23505"

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string, opts Options) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st, err := sqlstore.New(ctx, db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Dialect returns the PostgreSQL flavour of the shared SQL store.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "postgres",
		Schema:      schema,
		Rebind:      sqlstore.Dollar,
		IsDuplicate: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS codes (
	code TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	label_de TEXT NOT NULL DEFAULT '',
	label_en TEXT NOT NULL DEFAULT '',
	label_ar TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS items (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	name_key TEXT NOT NULL,
	codes TEXT NOT NULL DEFAULT '[]',
	synonyms TEXT NOT NULL DEFAULT '[]',
	UNIQUE(owner_id, name_key)
)`,
	`CREATE TABLE IF NOT EXISTS lexemes (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL DEFAULT 0,
	lang TEXT NOT NULL,
	term TEXT NOT NULL,
	normalized_term TEXT NOT NULL,
	is_regex BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	priority INTEGER NOT NULL DEFAULT 0,
	weight DOUBLE PRECISION NOT NULL DEFAULT 1,
	item_id BIGINT REFERENCES items(id) ON DELETE SET NULL,
	codes TEXT NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE(owner_id, lang, normalized_term, is_regex)
)`,
	`CREATE INDEX IF NOT EXISTS idx_lexemes_lookup ON lexemes(lang, active, owner_id)`,
	`CREATE TABLE IF NOT EXISTS negation_cues (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL DEFAULT 0,
	lang TEXT NOT NULL,
	cue TEXT NOT NULL,
	normalized_cue TEXT NOT NULL,
	is_regex BOOLEAN NOT NULL DEFAULT FALSE,
	window_before INTEGER NOT NULL DEFAULT 3,
	window_after INTEGER NOT NULL DEFAULT 2,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE(owner_id, lang, normalized_cue, is_regex)
)`,
	`CREATE TABLE IF NOT EXISTS subjects (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	identifiers TEXT NOT NULL DEFAULT '[]',
	item_ids TEXT NOT NULL DEFAULT '[]',
	extra_codes TEXT NOT NULL DEFAULT '[]',
	manual_override BOOLEAN NOT NULL DEFAULT FALSE,
	manual_codes TEXT NOT NULL DEFAULT '[]',
	generated_codes TEXT NOT NULL DEFAULT '',
	codes_updated_at TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_subjects_owner ON subjects(owner_id)`,
	`CREATE TABLE IF NOT EXISTS provenance (
	id BIGSERIAL PRIMARY KEY,
	subject_id BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	code TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	rationale TEXT NOT NULL DEFAULT '',
	confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	created_by BIGINT,
	created_at TEXT NOT NULL,
	UNIQUE(subject_id, code)
)`,
}
