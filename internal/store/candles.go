package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// InsertCandles upserts a batch of candles for one symbol/timeframe inside a
// single transaction.
func (r *Repository) InsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, timestamp) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.Timestamp.Format(timeLayout),
				c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return err
			}
		}
		return nil
	})
	return apperr.Wrap(apperr.KindStore, "InsertCandles", err)
}

// Candles returns the candles for symbol/timeframe at or after since, in
// chronological order.
func (r *Repository) Candles(ctx context.Context, symbol, timeframe string, since time.Time) ([]domain.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		symbol, timeframe, since.Format(timeLayout))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "Candles", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var ts string
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "Candles scan", err)
		}
		c.Symbol, c.Timeframe = symbol, timeframe
		if parsed, err := time.Parse(timeLayout, ts); err == nil {
			c.Timestamp = parsed
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandlesBefore returns the candles for symbol/timeframe strictly older
// than cutoff, in chronological order, used by the nightly aggregation
// pass.
func (r *Repository) CandlesBefore(ctx context.Context, symbol, timeframe string, cutoff time.Time) ([]domain.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timeframe = ? AND timestamp < ? ORDER BY timestamp ASC`,
		symbol, timeframe, cutoff.Format(timeLayout))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "CandlesBefore", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var ts string
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "CandlesBefore scan", err)
		}
		c.Symbol, c.Timeframe = symbol, timeframe
		if parsed, err := time.Parse(timeLayout, ts); err == nil {
			c.Timestamp = parsed
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandleSymbols returns the distinct symbols present for a timeframe.
func (r *Repository) CandleSymbols(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM candles WHERE timeframe = ? ORDER BY symbol`, timeframe)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "CandleSymbols", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "CandleSymbols scan", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneCandlesBefore deletes candles of the given timeframe older than
// cutoff. Called by the data-store maintenance step on natural unit
// boundaries only (spec.md §3: "aggregation cutoffs must snap to the
// natural unit boundary").
func (r *Repository) PruneCandlesBefore(ctx context.Context, timeframe string, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM candles WHERE timeframe = ? AND timestamp < ?`,
		timeframe, cutoff.Format(timeLayout))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "PruneCandlesBefore", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
