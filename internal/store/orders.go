package store

import (
	"context"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
)

// OrderRecord is one exchange order's tracking row (live mode only,
// spec.md §3 Order).
type OrderRecord struct {
	TxID         string
	Symbol       string
	Side         string
	OrderType    string
	Status       string // pending | filled | timeout | canceled | expired
	Qty          float64
	FilledQty    float64
	AvgFillPrice *float64
	Fee          float64
	Purpose      string
}

// UpsertOrder writes or updates one order tracking row.
func (r *Repository) UpsertOrder(ctx context.Context, o OrderRecord) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (exchange_txid, symbol, side, order_type, status, qty, filled_qty,
			avg_fill_price, fee, purpose, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange_txid) DO UPDATE SET
			status=excluded.status, filled_qty=excluded.filled_qty,
			avg_fill_price=excluded.avg_fill_price, fee=excluded.fee, updated_at=excluded.updated_at`,
		o.TxID, o.Symbol, o.Side, o.OrderType, o.Status, o.Qty, o.FilledQty,
		nullableFloat(o.AvgFillPrice), o.Fee, o.Purpose, now, now)
	return apperr.Wrap(apperr.KindStore, "UpsertOrder", err)
}

// MarkPendingOrders flips every pending order to the given terminal status,
// used by the shutdown sequence after a live-mode cancel-all.
func (r *Repository) MarkPendingOrders(ctx context.Context, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE status = 'pending'`,
		status, time.Now().UTC().Format(timeLayout))
	return apperr.Wrap(apperr.KindStore, "MarkPendingOrders", err)
}
