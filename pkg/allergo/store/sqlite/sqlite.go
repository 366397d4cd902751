package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cognicore/allergo/pkg/allergo/store/sqlstore"
)

// OpenSQLite opens a SQLite database with WAL mode and foreign keys enabled
// and creates the schema if needed.
func OpenSQLite(ctx context.Context, path string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	st, err := sqlstore.New(ctx, db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Dialect returns the SQLite flavour of the shared SQL store.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "sqlite",
		Schema:      schema,
		IsDuplicate: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	name_key TEXT NOT NULL,
	codes TEXT NOT NULL DEFAULT '[]',
	synonyms TEXT NOT NULL DEFAULT '[]',
	UNIQUE(owner_id, name_key)
)`,
	`CREATE TABLE IF NOT EXISTS lexemes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL DEFAULT 0,
	lang TEXT NOT NULL,
	term TEXT NOT NULL,
	normalized_term TEXT NOT NULL,
	is_regex INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	weight REAL NOT NULL DEFAULT 1,
	item_id INTEGER REFERENCES items(id) ON DELETE SET NULL,
	codes TEXT NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE(owner_id, lang, normalized_term, is_regex)
)`,
	`CREATE INDEX IF NOT EXISTS idx_lexemes_lookup ON lexemes(lang, active, owner_id)`,
	`CREATE TABLE IF NOT EXISTS negation_cues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL DEFAULT 0,
	lang TEXT NOT NULL,
	cue TEXT NOT NULL,
	normalized_cue TEXT NOT NULL,
	is_regex INTEGER NOT NULL DEFAULT 0,
	window_before INTEGER NOT NULL DEFAULT 3,
	window_after INTEGER NOT NULL DEFAULT 2,
	active INTEGER NOT NULL DEFAULT 1,
	UNIQUE(owner_id, lang, normalized_cue, is_regex)
)`,
	`CREATE TABLE IF NOT EXISTS subjects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	identifiers TEXT NOT NULL DEFAULT '[]',
	item_ids TEXT NOT NULL DEFAULT '[]',
	extra_codes TEXT NOT NULL DEFAULT '[]',
	manual_override INTEGER NOT NULL DEFAULT 0,
	manual_codes TEXT NOT NULL DEFAULT '[]',
	generated_codes TEXT NOT NULL DEFAULT '',
	codes_updated_at TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_subjects_owner ON subjects(owner_id)`,
	`CREATE TABLE IF NOT EXISTS provenance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	code TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence REAL NOT NULL,
	rationale TEXT NOT NULL DEFAULT '',
	confirmed INTEGER NOT NULL DEFAULT 0,
	created_by INTEGER,
	created_at TEXT NOT NULL,
	UNIQUE(subject_id, code)
)`,
}
