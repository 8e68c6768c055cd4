package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// RunningCandidates returns every candidate row whose status is "running",
// used by the candidate manager's startup recovery.
func (r *Repository) RunningCandidates(ctx context.Context) ([]domain.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot, strategy_version, code, code_hash, description, backtest_summary,
			evaluation_duration_days, portfolio_snapshot, created_at
		FROM candidates WHERE status = 'running'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "RunningCandidates", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		var days sql.NullInt64
		var snapshot sql.NullString
		var created string
		if err := rows.Scan(&c.Slot, &c.StrategyVersion, &c.Code, &c.CodeHash, &c.Description,
			&c.BacktestSummary, &days, &snapshot, &created); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "RunningCandidates scan", err)
		}
		if days.Valid {
			d := int(days.Int64)
			c.EvaluationDurationDays = &d
		}
		c.PortfolioSnapshot = snapshot.String
		if ts, err := time.Parse(timeLayout, created); err == nil {
			c.CreatedAt = ts
		}
		c.Status = domain.CandidateRunning
		out = append(out, c)
	}
	return out, rows.Err()
}

// PortfolioSnapshot is the JSON shape stored in candidates.portfolio_snapshot:
// the fund's cash plus its positions cloned (and slot-prefixed) at creation
// time.
type PortfolioSnapshot struct {
	Cash      float64           `json:"cash"`
	Positions []domain.Position `json:"positions,omitempty"`
}

// CreateCandidate writes a new candidate row and its seed portfolio
// snapshot.
func (r *Repository) CreateCandidate(ctx context.Context, c domain.Candidate, snapshot PortfolioSnapshot) error {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "CreateCandidate marshal", err)
	}
	var days any
	if c.EvaluationDurationDays != nil {
		days = *c.EvaluationDurationDays
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candidates (slot, strategy_version, code, code_hash, description,
			backtest_summary, portfolio_snapshot, evaluation_duration_days, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'running', ?, NULL)`,
		c.Slot, c.StrategyVersion, c.Code, c.CodeHash, c.Description, c.BacktestSummary,
		string(b), days, time.Now().UTC().Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "CreateCandidate", err)
}

// ResolveCandidate marks a slot canceled or promoted.
func (r *Repository) ResolveCandidate(ctx context.Context, slot int, status domain.CandidateStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidates SET status = ?, resolved_at = ? WHERE slot = ? AND status = 'running'`,
		string(status), time.Now().UTC().Format(timeLayout), slot)
	return apperr.Wrap(apperr.KindStore, "ResolveCandidate", err)
}

// ResolveOtherCandidates marks every running slot other than keep as
// canceled, used when a candidate is promoted.
func (r *Repository) ResolveOtherCandidates(ctx context.Context, keep int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidates SET status = 'canceled', resolved_at = ? WHERE slot != ? AND status = 'running'`,
		time.Now().UTC().Format(timeLayout), keep)
	return apperr.Wrap(apperr.KindStore, "ResolveOtherCandidates", err)
}

// CandidatePositions returns the persisted positions for one slot.
func (r *Repository) CandidatePositions(ctx context.Context, slot int) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tag, symbol, side, qty, avg_entry, current_price, unrealized_pnl, entry_fee,
			stop_loss, take_profit, intent, strategy_version, opened_at, max_adverse_excursion
		FROM candidate_positions WHERE candidate_slot = ?`, slot)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "CandidatePositions", err)
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side, intent, opened string
		var sl, tp sql.NullFloat64
		var stratVersion sql.NullString
		if err := rows.Scan(&p.Tag, &p.Symbol, &side, &p.Qty, &p.AvgEntry, &p.CurrentPrice,
			&p.UnrealizedPnL, &p.EntryFee, &sl, &tp, &intent, &stratVersion, &opened, &p.MaxAdverseExcursion); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "CandidatePositions scan", err)
		}
		p.Side, p.Intent = domain.Side(side), domain.Intent(intent)
		p.StopLoss, p.TakeProfit = floatPtr(sl), floatPtr(tp)
		p.StrategyVersion = stratVersion.String
		if ts, err := time.Parse(timeLayout, opened); err == nil {
			p.OpenedAt = ts
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CandidateTrades returns every trade recorded for a slot.
func (r *Repository) CandidateTrades(ctx context.Context, slot int) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion
		FROM candidate_trades WHERE candidate_slot = ?`, slot)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "CandidateTrades", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// UpsertCandidatePosition writes a single position row for a slot, used by
// the candidate runner's live fill path (as opposed to
// ReplaceCandidatePositions's bulk rewrite used by the manager's recovery
// and snapshot paths).
func (r *Repository) UpsertCandidatePosition(ctx context.Context, slot int, p domain.Position) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candidate_positions (candidate_slot, tag, symbol, side, qty, avg_entry,
			current_price, unrealized_pnl, entry_fee, stop_loss, take_profit, intent,
			strategy_version, opened_at, updated_at, max_adverse_excursion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(candidate_slot, tag) DO UPDATE SET
			qty=excluded.qty, avg_entry=excluded.avg_entry, current_price=excluded.current_price,
			unrealized_pnl=excluded.unrealized_pnl, entry_fee=excluded.entry_fee,
			stop_loss=excluded.stop_loss, take_profit=excluded.take_profit, intent=excluded.intent,
			updated_at=excluded.updated_at, max_adverse_excursion=excluded.max_adverse_excursion`,
		slot, p.Tag, p.Symbol, string(p.Side), p.Qty, p.AvgEntry, p.CurrentPrice, p.UnrealizedPnL,
		p.EntryFee, nullableFloat(p.StopLoss), nullableFloat(p.TakeProfit), string(p.Intent),
		p.StrategyVersion, p.OpenedAt.Format(timeLayout), now, p.MaxAdverseExcursion)
	return apperr.Wrap(apperr.KindStore, "UpsertCandidatePosition", err)
}

// DeleteCandidatePosition removes one closed position row for a slot.
func (r *Repository) DeleteCandidatePosition(ctx context.Context, slot int, tag string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM candidate_positions WHERE candidate_slot = ? AND tag = ?`, slot, tag)
	return apperr.Wrap(apperr.KindStore, "DeleteCandidatePosition", err)
}

// ReplaceCandidatePositions deletes and reinserts the position set for a
// slot (spec.md §4.5 "delete-and-reinsert per slot").
func (r *Repository) ReplaceCandidatePositions(ctx context.Context, slot int, positions []domain.Position) error {
	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidate_positions WHERE candidate_slot = ?`, slot); err != nil {
			return err
		}
		for _, p := range positions {
			now := time.Now().UTC().Format(timeLayout)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO candidate_positions (candidate_slot, tag, symbol, side, qty, avg_entry,
					current_price, unrealized_pnl, entry_fee, stop_loss, take_profit, intent,
					strategy_version, opened_at, updated_at, max_adverse_excursion)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				slot, p.Tag, p.Symbol, string(p.Side), p.Qty, p.AvgEntry, p.CurrentPrice, p.UnrealizedPnL,
				p.EntryFee, nullableFloat(p.StopLoss), nullableFloat(p.TakeProfit), string(p.Intent),
				p.StrategyVersion, p.OpenedAt.Format(timeLayout), now, p.MaxAdverseExcursion); err != nil {
				return err
			}
		}
		return nil
	})
	return apperr.Wrap(apperr.KindStore, "ReplaceCandidatePositions", err)
}

// AppendCandidateTrades inserts newly closed candidate trades.
func (r *Repository) AppendCandidateTrades(ctx context.Context, slot int, trades []domain.Trade) error {
	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, t := range trades {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO candidate_trades (candidate_slot, symbol, side, qty, entry_price, exit_price,
					pnl, pnl_pct, fees, intent, strategy_version, tag, close_reason, opened_at, closed_at,
					max_adverse_excursion)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				slot, t.Symbol, string(t.Side), t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.Fees,
				string(t.Intent), t.StrategyVersion, t.Tag, t.CloseReason,
				t.OpenedAt.Format(timeLayout), t.ClosedAt.Format(timeLayout), t.MaxAdverseExcursion); err != nil {
				return err
			}
		}
		return nil
	})
	return apperr.Wrap(apperr.KindStore, "AppendCandidateTrades", err)
}

// MaxCandidateDailyPortfolioValue mirrors MaxDailyPortfolioValue scoped to
// one slot, used to recover a candidate runner's own risk.Manager peak.
func (r *Repository) MaxCandidateDailyPortfolioValue(ctx context.Context, slot int) (float64, bool, error) {
	var v sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(portfolio_value) FROM candidate_daily_performance WHERE candidate_slot = ?`, slot).Scan(&v)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.KindStore, "MaxCandidateDailyPortfolioValue", err)
	}
	return v.Float64, v.Valid, nil
}

// CandidateTradesClosedSince mirrors TradesClosedSince scoped to one slot.
func (r *Repository) CandidateTradesClosedSince(ctx context.Context, slot int, since time.Time) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion
		FROM candidate_trades WHERE candidate_slot = ? AND closed_at >= ? ORDER BY closed_at ASC`,
		slot, since.Format(timeLayout))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "CandidateTradesClosedSince", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecentCandidateTrades mirrors RecentTrades scoped to one slot, newest
// first, limited to n rows.
func (r *Repository) RecentCandidateTrades(ctx context.Context, slot, n int) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion
		FROM candidate_trades WHERE candidate_slot = ? ORDER BY closed_at DESC LIMIT ?`, slot, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "RecentCandidateTrades", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// UpsertCandidateDailyPerformance writes one slot's daily rollup row.
func (r *Repository) UpsertCandidateDailyPerformance(ctx context.Context, slot int, d domain.DailyPerformance) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candidate_daily_performance (candidate_slot, date, portfolio_value, cash,
			total_trades, wins, losses, gross_pnl, net_pnl, fees_total, win_rate, strategy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(candidate_slot, date) DO UPDATE SET
			portfolio_value=excluded.portfolio_value, cash=excluded.cash, total_trades=excluded.total_trades,
			wins=excluded.wins, losses=excluded.losses, gross_pnl=excluded.gross_pnl, net_pnl=excluded.net_pnl,
			fees_total=excluded.fees_total, win_rate=excluded.win_rate`,
		slot, d.Date, d.PortfolioValue, d.Cash, d.TradeCount, d.Wins, d.Losses, d.GrossPnL, d.NetPnL,
		d.FeesTotal, d.WinRate, d.StrategyVersion)
	return apperr.Wrap(apperr.KindStore, "UpsertCandidateDailyPerformance", err)
}
