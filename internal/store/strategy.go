package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// ActiveStrategy returns the one row with deployed_at set and retired_at
// NULL, matching the invariant "exactly one active strategy at any time".
func (r *Repository) ActiveStrategy(ctx context.Context) (*domain.StrategyVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT version, parent_version, code, code_hash, description, deployed_at
		FROM strategy_versions WHERE deployed_at IS NOT NULL AND retired_at IS NULL LIMIT 1`)
	var v domain.StrategyVersion
	var parent sql.NullString
	var deployed string
	if err := row.Scan(&v.Version, &parent, &v.Code, &v.CodeHash, &v.Description, &deployed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindStore, "ActiveStrategy", err)
	}
	v.PredecessorHash = parent.String
	if ts, err := time.Parse(timeLayout, deployed); err == nil {
		v.DeployedAt = ts
	}
	return &v, nil
}

// DeployStrategy retires the current active version (if any) and deploys
// the given one, atomically.
func (r *Repository) DeployStrategy(ctx context.Context, v domain.StrategyVersion) error {
	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timeLayout)
		if _, err := tx.ExecContext(ctx,
			`UPDATE strategy_versions SET retired_at = ? WHERE retired_at IS NULL AND deployed_at IS NOT NULL`, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_versions (version, parent_version, code, code_hash, description, deployed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.Version, nullString(v.PredecessorHash), v.Code, v.CodeHash, v.Description, now)
		return err
	})
	return apperr.Wrap(apperr.KindStore, "DeployStrategy", err)
}

// SaveStrategyState persists the active strategy's opaque state blob keyed
// by version (spec.md §4.1 shutdown step 2 / Design Notes §9's explicit
// serialization boundary).
func (r *Repository) SaveStrategyState(ctx context.Context, version string, state []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategy_state (version, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		version, state, time.Now().UTC().Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "SaveStrategyState", err)
}

// LoadStrategyState reads the opaque state blob for version; nil with no
// error when none has been saved yet.
func (r *Repository) LoadStrategyState(ctx context.Context, version string) ([]byte, error) {
	var state []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM strategy_state WHERE version = ?`, version).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return state, apperr.Wrap(apperr.KindStore, "LoadStrategyState", err)
}

// LatestStrategyCode is the last-resort fallback read when filesystem load
// fails (spec.md §7 StrategyLoadFailure: "filesystem → DB fallback").
func (r *Repository) LatestStrategyCode(ctx context.Context) (string, error) {
	var code string
	err := r.db.QueryRowContext(ctx,
		`SELECT code FROM strategy_versions ORDER BY deployed_at DESC LIMIT 1`).Scan(&code)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return code, apperr.Wrap(apperr.KindStore, "LatestStrategyCode", err)
}
