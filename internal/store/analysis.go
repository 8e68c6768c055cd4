package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// UpsertAnalysisModule deploys a new version of one analysis module
// ("market_analysis" or "trade_performance"). Analysis modules are
// read-only code, so deployment is immediate with no paper test
// (spec.md §4.6).
func (r *Repository) UpsertAnalysisModule(ctx context.Context, kind, code, codeHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_modules (kind, code, code_hash, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET code=excluded.code, code_hash=excluded.code_hash, updated_at=excluded.updated_at`,
		kind, code, codeHash, time.Now().UTC().Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "UpsertAnalysisModule", err)
}

// AnalysisModule returns the active code for one analysis module kind, or
// empty with no error when none has been deployed yet.
func (r *Repository) AnalysisModule(ctx context.Context, kind string) (string, error) {
	var code string
	err := r.db.QueryRowContext(ctx,
		`SELECT code FROM analysis_modules WHERE kind = ?`, kind).Scan(&code)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return code, apperr.Wrap(apperr.KindStore, "AnalysisModule", err)
}

// RecentDailyPerformance returns the newest n daily rollup rows, newest
// first, used for the orchestrator's ground-truth context section and the
// weekly report.
func (r *Repository) RecentDailyPerformance(ctx context.Context, n int) ([]domain.DailyPerformance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date, portfolio_value, cash, total_trades, wins, losses, gross_pnl, net_pnl,
			fees_total, win_rate, strategy_version
		FROM daily_performance ORDER BY date DESC LIMIT ?`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "RecentDailyPerformance", err)
	}
	defer rows.Close()

	var out []domain.DailyPerformance
	for rows.Next() {
		var d domain.DailyPerformance
		var version sql.NullString
		if err := rows.Scan(&d.Date, &d.PortfolioValue, &d.Cash, &d.TradeCount, &d.Wins, &d.Losses,
			&d.GrossPnL, &d.NetPnL, &d.FeesTotal, &d.WinRate, &version); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "RecentDailyPerformance scan", err)
		}
		d.StrategyVersion = version.String
		out = append(out, d)
	}
	return out, rows.Err()
}
