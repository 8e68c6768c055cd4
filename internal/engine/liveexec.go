package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/exchange"
	"github.com/aristath/nightforge/internal/store"
)

// recordingExecutor wraps the exchange client's order placement with order
// tracking rows (spec.md §3's live-mode Order entity): a pending row before
// the call, updated to filled or timeout from the outcome.
type recordingExecutor struct {
	client *exchange.Client
	repo   *store.Repository
	log    zerolog.Logger
}

func (x *recordingExecutor) PlaceOrder(ctx context.Context, symbol string, side domain.Action, orderType domain.OrderType, qty float64, limitPrice *float64) (fillPrice, filledQty, feePaid float64, err error) {
	txid := uuid.NewString()
	record := store.OrderRecord{
		TxID: txid, Symbol: symbol, Side: string(side), OrderType: string(orderType),
		Status: "pending", Qty: qty, Purpose: "signal",
	}
	if err := x.repo.UpsertOrder(ctx, record); err != nil {
		x.log.Warn().Err(err).Msg("order tracking write failed")
	}

	fillPrice, filledQty, feePaid, err = x.client.PlaceOrder(ctx, symbol, side, orderType, qty, limitPrice)

	switch {
	case err != nil:
		record.Status = "canceled"
	case filledQty <= 0:
		record.Status = "timeout"
	default:
		record.Status = "filled"
		record.FilledQty = filledQty
		record.AvgFillPrice = &fillPrice
		record.Fee = feePaid
	}
	if uErr := x.repo.UpsertOrder(ctx, record); uErr != nil {
		x.log.Warn().Err(uErr).Msg("order tracking update failed")
	}
	return fillPrice, filledQty, feePaid, err
}
