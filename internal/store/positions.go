package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

const timeLayout = time.RFC3339Nano

// UpsertPosition inserts or replaces a position row keyed by tag.
func (r *Repository) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (tag, symbol, side, qty, avg_entry, current_price, unrealized_pnl,
			entry_fee, stop_loss, take_profit, intent, strategy_version, opened_at, updated_at, max_adverse_excursion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			symbol=excluded.symbol, side=excluded.side, qty=excluded.qty, avg_entry=excluded.avg_entry,
			current_price=excluded.current_price, unrealized_pnl=excluded.unrealized_pnl,
			entry_fee=excluded.entry_fee, stop_loss=excluded.stop_loss, take_profit=excluded.take_profit,
			intent=excluded.intent, strategy_version=excluded.strategy_version, updated_at=excluded.updated_at,
			max_adverse_excursion=excluded.max_adverse_excursion`,
		p.Tag, p.Symbol, string(p.Side), p.Qty, p.AvgEntry, p.CurrentPrice, p.UnrealizedPnL,
		p.EntryFee, nullableFloat(p.StopLoss), nullableFloat(p.TakeProfit), string(p.Intent),
		p.StrategyVersion, p.OpenedAt.Format(timeLayout), time.Now().UTC().Format(timeLayout), p.MaxAdverseExcursion,
	)
	return apperr.Wrap(apperr.KindStore, "UpsertPosition", err)
}

// DeletePosition removes a closed position by tag.
func (r *Repository) DeletePosition(ctx context.Context, tag string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE tag = ?`, tag)
	return apperr.Wrap(apperr.KindStore, "DeletePosition", err)
}

// ListPositions returns every currently open position.
func (r *Repository) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tag, symbol, side, qty, avg_entry, current_price, unrealized_pnl, entry_fee,
			stop_loss, take_profit, intent, strategy_version, opened_at, max_adverse_excursion
		FROM positions`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "ListPositions", err)
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
			return nil, apperr.Wrap(apperr.KindStore, "ListPositions scan", err)
		}
		p.Side = domain.Side(side)
		p.Intent = domain.Intent(intent)
		p.StopLoss = floatPtr(sl)
		p.TakeProfit = floatPtr(tp)
		p.StrategyVersion = stratVersion.String
		if ts, err := time.Parse(timeLayout, opened); err == nil {
			p.OpenedAt = ts
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTrade appends one closed-trade record.
func (r *Repository) InsertTrade(ctx context.Context, t domain.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Side), t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.Fees,
		string(t.Intent), t.StrategyVersion, t.Tag, t.CloseReason,
		t.OpenedAt.Format(timeLayout), t.ClosedAt.Format(timeLayout), t.MaxAdverseExcursion,
	)
	return apperr.Wrap(apperr.KindStore, "InsertTrade", err)
}

// TradesClosedSince returns every trade closed at or after since, ordered
// oldest first, used to recover daily_trades/daily_pnl/consecutive_losses.
func (r *Repository) TradesClosedSince(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion
		FROM trades WHERE closed_at >= ? ORDER BY closed_at ASC`, since.Format(timeLayout))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "TradesClosedSince", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecentTrades returns the most recent n trades, newest first.
func (r *Repository) RecentTrades(ctx context.Context, n int) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees, intent,
			strategy_version, tag, close_reason, opened_at, closed_at, max_adverse_excursion
		FROM trades ORDER BY closed_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "RecentTrades", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, intent, opened, closed string
		var stratVersion sql.NullString
		if err := rows.Scan(&t.Symbol, &side, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPct,
			&t.Fees, &intent, &stratVersion, &t.Tag, &t.CloseReason, &opened, &closed, &t.MaxAdverseExcursion); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Intent = domain.Intent(intent)
		t.StrategyVersion = stratVersion.String
		if ts, err := time.Parse(timeLayout, opened); err == nil {
			t.OpenedAt = ts
		}
		if ts, err := time.Parse(timeLayout, closed); err == nil {
			t.ClosedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertSignal records every signal produced, acted on or not.
func (r *Repository) InsertSignal(ctx context.Context, s domain.Signal, actedOn bool, rejectedReason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signals (symbol, action, size_pct, confidence, intent, reasoning, strategy_version,
			acted_on, rejected_reason, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Symbol, string(s.Action), s.SizePct, s.Confidence, string(s.Intent), s.Reasoning, "",
		boolToInt(actedOn), nullString(rejectedReason), nullString(s.Tag), time.Now().UTC().Format(timeLayout),
	)
	return apperr.Wrap(apperr.KindStore, "InsertSignal", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SignalCounts reports how many signals were produced and how many were
// acted on since the given time, feeding the orchestrator's signal-drought
// counters.
func (r *Repository) SignalCounts(ctx context.Context, since time.Time) (total, acted int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(acted_on), 0) FROM signals WHERE created_at >= ?`,
		since.Format(timeLayout)).Scan(&total, &acted)
	return total, acted, apperr.Wrap(apperr.KindStore, "SignalCounts", err)
}

// UpsertDailyPerformance writes (or replaces) the end-of-day snapshot row.
func (r *Repository) UpsertDailyPerformance(ctx context.Context, d domain.DailyPerformance) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_performance (date, portfolio_value, cash, total_trades, wins, losses,
			gross_pnl, net_pnl, fees_total, win_rate, strategy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			portfolio_value=excluded.portfolio_value, cash=excluded.cash, total_trades=excluded.total_trades,
			wins=excluded.wins, losses=excluded.losses, gross_pnl=excluded.gross_pnl, net_pnl=excluded.net_pnl,
			fees_total=excluded.fees_total, win_rate=excluded.win_rate, strategy_version=excluded.strategy_version`,
		d.Date, d.PortfolioValue, d.Cash, d.TradeCount, d.Wins, d.Losses, d.GrossPnL, d.NetPnL,
		d.FeesTotal, d.WinRate, d.StrategyVersion,
	)
	return apperr.Wrap(apperr.KindStore, "UpsertDailyPerformance", err)
}

// MaxDailyPortfolioValue returns the highest portfolio_value ever snapshotted,
// used to recover the risk manager's peak_portfolio counter.
func (r *Repository) MaxDailyPortfolioValue(ctx context.Context) (float64, bool, error) {
	var v sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(portfolio_value) FROM daily_performance`).Scan(&v)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.KindStore, "MaxDailyPortfolioValue", err)
	}
	return v.Float64, v.Valid, nil
}
