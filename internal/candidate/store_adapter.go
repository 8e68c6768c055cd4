package candidate

import (
	"context"
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// repo is the subset of *store.Repository the candidate subsystem needs.
// Kept narrow (rather than importing store.Repository directly into the
// adapter's field type) so tests can stub it.
type repo interface {
	UpsertCandidatePosition(ctx context.Context, slot int, p domain.Position) error
	DeleteCandidatePosition(ctx context.Context, slot int, tag string) error
	CandidatePositions(ctx context.Context, slot int) ([]domain.Position, error)
	AppendCandidateTrades(ctx context.Context, slot int, trades []domain.Trade) error
	RecentCandidateTrades(ctx context.Context, slot, n int) ([]domain.Trade, error)
	UpsertCandidateDailyPerformance(ctx context.Context, slot int, d domain.DailyPerformance) error
	MaxCandidateDailyPortfolioValue(ctx context.Context, slot int) (float64, bool, error)
	CandidateTradesClosedSince(ctx context.Context, slot int, since time.Time) ([]domain.Trade, error)
}

// slotStore adapts the narrow portfolio.Store and risk.Store interfaces to
// one candidate slot's tables. Everything a *portfolio.Tracker or
// *risk.Manager needs is already satisfied by store.Repository's
// candidate_* methods; this type only threads the slot number through.
//
// Grounded on the recognition that portfolio.Tracker's Store interface is
// generic enough (six methods, none symbol- or fund-specific) to be backed
// by an entirely different table set without touching portfolio.go at all.
type slotStore struct {
	r    repo
	slot int
}

func newSlotStore(r repo, slot int) *slotStore {
	return &slotStore{r: r, slot: slot}
}

func (s *slotStore) UpsertPosition(ctx context.Context, p domain.Position) error {
	return s.r.UpsertCandidatePosition(ctx, s.slot, p)
}

func (s *slotStore) DeletePosition(ctx context.Context, tag string) error {
	return s.r.DeleteCandidatePosition(ctx, s.slot, tag)
}

func (s *slotStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	return s.r.CandidatePositions(ctx, s.slot)
}

func (s *slotStore) InsertTrade(ctx context.Context, t domain.Trade) error {
	return s.r.AppendCandidateTrades(ctx, s.slot, []domain.Trade{t})
}

func (s *slotStore) RecentTrades(ctx context.Context, n int) ([]domain.Trade, error) {
	return s.r.RecentCandidateTrades(ctx, s.slot, n)
}

func (s *slotStore) UpsertDailyPerformance(ctx context.Context, d domain.DailyPerformance) error {
	return s.r.UpsertCandidateDailyPerformance(ctx, s.slot, d)
}

func (s *slotStore) MaxDailyPortfolioValue(ctx context.Context) (float64, bool, error) {
	return s.r.MaxCandidateDailyPortfolioValue(ctx, s.slot)
}

func (s *slotStore) TradesClosedSince(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	return s.r.CandidateTradesClosedSince(ctx, s.slot, since)
}
