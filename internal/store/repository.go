package store

import (
	"database/sql"

	"github.com/rs/zerolog"
)

// Repository is the single-writer facade every component (risk, portfolio,
// candidate manager, orchestrator) uses to persist and recover state.
// Grounded on trader-go/internal/database/repositories/base.go's
// embed-a-BaseRepository pattern, collapsed into one type since nightforge
// has one database rather than one-per-module.
type Repository struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// NewRepository wraps db's connection for domain-level reads and writes.
func NewRepository(db *DB, log zerolog.Logger) *Repository {
	return &Repository{db: db.conn, path: db.path, log: log.With().Str("component", "store").Logger()}
}

// DB exposes the raw connection for callers that need a custom statement
// (e.g. migrations, maintenance jobs).
func (r *Repository) DB() *sql.DB { return r.db }

// DBPath returns the on-disk database path, handed to analysis-module
// subprocesses for read-only access.
func (r *Repository) DBPath() string { return r.path }

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
