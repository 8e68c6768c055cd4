package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// InsertTokenUsage records one LLM call's accounting row (spec.md §3
// TokenUsage).
func (r *Repository) InsertTokenUsage(ctx context.Context, u domain.TokenUsage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_usage (stage, model, prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.Stage, u.Model, u.PromptTokens, u.CompletionTokens, u.CostUSD, u.Timestamp.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "InsertTokenUsage", err)
}

// TokenUsageSince sums prompt+completion tokens spent at or after since,
// used by the orchestrator's daily token-budget gate.
func (r *Repository) TokenUsageSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(prompt_tokens + completion_tokens), 0) FROM token_usage WHERE created_at >= ?`,
		since.Format(timeLayout)).Scan(&total)
	return total, apperr.Wrap(apperr.KindStore, "TokenUsageSince", err)
}

// InsertThought appends one row to the thought spool (spec.md §4.6).
func (r *Repository) InsertThought(ctx context.Context, t domain.OrchestratorThought) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orchestrator_thoughts (cycle_id, stage, sequence, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.CycleID, t.Stage, t.Sequence, t.Content, t.Timestamp.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "InsertThought", err)
}

// PruneThoughtsBefore deletes spool rows older than cutoff (spec.md's
// rolling 30-day retention).
func (r *Repository) PruneThoughtsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM orchestrator_thoughts WHERE created_at < ?`, cutoff.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "PruneThoughtsBefore", err)
}

// InsertObservation appends one daily observation row.
func (r *Repository) InsertObservation(ctx context.Context, o domain.OrchestratorObservation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orchestrator_observations (cycle_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		o.CycleID, o.Kind, o.Detail, o.Timestamp.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "InsertObservation", err)
}

// RecentObservations returns the most recent n observations, newest first,
// used to build the orchestrator's "operational state" context section.
func (r *Repository) RecentObservations(ctx context.Context, n int) ([]domain.OrchestratorObservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cycle_id, kind, detail, created_at FROM orchestrator_observations
		ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "RecentObservations", err)
	}
	defer rows.Close()
	var out []domain.OrchestratorObservation
	for rows.Next() {
		var o domain.OrchestratorObservation
		var created string
		if err := rows.Scan(&o.CycleID, &o.Kind, &o.Detail, &created); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "RecentObservations scan", err)
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			o.Timestamp = ts
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneObservationsBefore deletes observation rows older than cutoff.
func (r *Repository) PruneObservationsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM orchestrator_observations WHERE created_at < ?`, cutoff.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "PruneObservationsBefore", err)
}

// InsertOrchestratorLog appends one decision-log line.
func (r *Repository) InsertOrchestratorLog(ctx context.Context, l domain.OrchestratorLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orchestrator_logs (cycle_id, level, message, created_at)
		VALUES (?, ?, ?, ?)`,
		l.CycleID, l.Level, l.Message, l.Timestamp.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "InsertOrchestratorLog", err)
}

// InsertActivityLog appends one free-text activity-feed entry (spec.md's
// ActivityLogEntry, distinct from the structured orchestrator log).
func (r *Repository) InsertActivityLog(ctx context.Context, e domain.ActivityLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (level, message, created_at) VALUES (?, ?, ?)`,
		e.Level, e.Message, e.Timestamp.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "InsertActivityLog", err)
}

// UpsertFeeSchedule persists a refreshed per-pair maker/taker fee override.
func (r *Repository) UpsertFeeSchedule(ctx context.Context, f domain.FeeSchedule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fee_schedule (symbol, maker_fee_pct, taker_fee_pct, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			maker_fee_pct=excluded.maker_fee_pct, taker_fee_pct=excluded.taker_fee_pct, updated_at=excluded.updated_at`,
		f.Symbol, f.MakerFeePct, f.TakerFeePct, f.UpdatedAt.Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "UpsertFeeSchedule", err)
}

// FeeSchedules returns every cached per-pair fee override.
func (r *Repository) FeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, maker_fee_pct, taker_fee_pct, updated_at FROM fee_schedule`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "FeeSchedules", err)
	}
	defer rows.Close()
	var out []domain.FeeSchedule
	for rows.Next() {
		var f domain.FeeSchedule
		var updated string
		if err := rows.Scan(&f.Symbol, &f.MakerFeePct, &f.TakerFeePct, &updated); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "FeeSchedules scan", err)
		}
		if ts, err := time.Parse(timeLayout, updated); err == nil {
			f.UpdatedAt = ts
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertCandidateSignal records every signal a candidate runner produces,
// acted on or not (spec.md §4.5: "record it in _pending_signals regardless
// of outcome").
func (r *Repository) InsertCandidateSignal(ctx context.Context, slot int, s domain.Signal, actedOn bool, rejectedReason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candidate_signals (candidate_slot, symbol, action, size_pct, confidence, intent,
			reasoning, acted_on, rejected_reason, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot, s.Symbol, string(s.Action), s.SizePct, s.Confidence, string(s.Intent),
		s.Reasoning, boolToInt(actedOn), nullString(rejectedReason), nullString(s.Tag))
	return apperr.Wrap(apperr.KindStore, "InsertCandidateSignal", err)
}

// AllStrategyVersions returns every version ever deployed, newest first,
// used by the orchestrator's "version history" context section.
func (r *Repository) AllStrategyVersions(ctx context.Context) ([]domain.StrategyVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version, parent_version, code_hash, description, deployed_at, retired_at
		FROM strategy_versions ORDER BY deployed_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "AllStrategyVersions", err)
	}
	defer rows.Close()
	var out []domain.StrategyVersion
	for rows.Next() {
		var v domain.StrategyVersion
		var parent, retired sql.NullString
		var deployed string
		if err := rows.Scan(&v.Version, &parent, &v.CodeHash, &v.Description, &deployed, &retired); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "AllStrategyVersions scan", err)
		}
		v.PredecessorHash = parent.String
		if ts, err := time.Parse(timeLayout, deployed); err == nil {
			v.DeployedAt = ts
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
