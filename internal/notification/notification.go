// Package notification implements nightforge's async notification sink
// (spec.md §4.10): a single async send(text) primitive plus convenience
// emitters, each gated by a configuration flag, delivering to a Telegram
// bot chat. Grounded on trader-go/internal/clients/tradernet's simple
// http.Client-wrapping pattern, adapted from a JSON microservice client to
// a fire-and-forget bot webhook: every delivery failure is logged and
// swallowed, never returned to the caller (spec.md: "delivery failures log
// but never raise").
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
)

// Sink delivers notifications to a chat bot. The zero value is usable but
// inert: with no bot token configured, send is a no-op (useful for tests
// and for the paper-trading quick-start where notifications aren't set
// up yet).
type Sink struct {
	apiBase  string
	botToken string
	chatID   string
	maxBytes int
	cfg      config.Notifications
	client   *http.Client
	log      zerolog.Logger
}

const defaultAPIBase = "https://api.telegram.org"

// New builds a Sink from the loaded configuration.
func New(cfg *config.Config, log zerolog.Logger) *Sink {
	maxBytes := cfg.Notifications.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	return &Sink{
		apiBase:  defaultAPIBase,
		botToken: cfg.NotifyBotToken,
		chatID:   cfg.NotifyChatID,
		maxBytes: maxBytes,
		cfg:      cfg.Notifications,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("component", "notification").Logger(),
	}
}

// send is the sink's sole delivery primitive (spec.md §4.10): async,
// truncates to the configured byte limit, and never propagates a failure
// to the caller — it only logs one.
func (s *Sink) send(text string) {
	if s.botToken == "" || s.chatID == "" {
		return
	}
	if len(text) > s.maxBytes {
		text = text[:s.maxBytes]
	}

	go func(msg string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deliver(ctx, msg); err != nil {
			s.log.Warn().Err(err).Msg("notification delivery failed")
		}
	}(text)
}

func (s *Sink) deliver(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	payload, err := json.Marshal(map[string]any{
		"chat_id": s.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bot api returned %d", resp.StatusCode)
	}
	return nil
}

// TradeExecuted reports a closed trade (gated, high-frequency, default off).
func (s *Sink) TradeExecuted(t domain.Trade) {
	if !s.cfg.TradeExecuted {
		return
	}
	s.send(fmt.Sprintf("Trade executed: %s %s qty=%.6f entry=%.2f exit=%.2f pnl=%.2f (%s)",
		t.Symbol, t.Tag, t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.CloseReason))
}

// StopTriggered reports a stop-loss/take-profit fire (gated, high-frequency,
// default off).
func (s *Sink) StopTriggered(symbol, tag, reason string, price float64) {
	if !s.cfg.StopTriggered {
		return
	}
	s.send(fmt.Sprintf("%s triggered: %s %s @ %.2f", reason, symbol, tag, price))
}

// CandidateCreated reports a new paper-trading evaluation slot.
func (s *Sink) CandidateCreated(slot int, version string) {
	if !s.cfg.CandidateCreated {
		return
	}
	s.send(fmt.Sprintf("Candidate created: slot %d running strategy version %s", slot, version))
}

// CandidateCanceled reports a candidate rolled back before promotion.
func (s *Sink) CandidateCanceled(slot int, reason string) {
	if !s.cfg.CandidateCanceled {
		return
	}
	s.send(fmt.Sprintf("Candidate canceled: slot %d (%s)", slot, reason))
}

// CandidatePromoted reports a candidate becoming the live strategy.
func (s *Sink) CandidatePromoted(slot int, version string) {
	if !s.cfg.CandidatePromoted {
		return
	}
	s.send(fmt.Sprintf("Candidate promoted: slot %d is now live as version %s", slot, version))
}

// StrategyDeployed reports a strategy version going live directly (not via
// a candidate promotion, e.g. the initial deploy).
func (s *Sink) StrategyDeployed(version string) {
	if !s.cfg.StrategyDeployed {
		return
	}
	s.send(fmt.Sprintf("Strategy deployed: version %s", version))
}

// RollbackAlert reports an automatic rollback trigger firing.
func (s *Sink) RollbackAlert(reason string) {
	if !s.cfg.RollbackAlert {
		return
	}
	s.send(fmt.Sprintf("Rollback triggered: %s", reason))
}

// SystemError reports an unexpected error surfaced to the operator.
func (s *Sink) SystemError(op string, err error) {
	if !s.cfg.SystemError {
		return
	}
	s.send(fmt.Sprintf("System error in %s: %v", op, err))
}

// WebSocketFailed reports the exchange WebSocket stream exhausting its
// reconnect budget (spec.md §4.9's permanent-failure event).
func (s *Sink) WebSocketFailed(err error) {
	if !s.cfg.WebSocketFailed {
		return
	}
	s.send(fmt.Sprintf("WebSocket permanently failed, falling back to REST polling: %v", err))
}

// SystemOnline reports successful startup.
func (s *Sink) SystemOnline(mode string) {
	if !s.cfg.SystemOnline {
		return
	}
	s.send(fmt.Sprintf("Nightforge online (mode=%s)", mode))
}

// OrchestratorCycleStarted reports the nightly cycle beginning.
func (s *Sink) OrchestratorCycleStarted() {
	if !s.cfg.OrchestratorCycleStart {
		return
	}
	s.send("Orchestrator cycle started")
}

// OrchestratorCycleCompleted reports the nightly cycle's outcome.
func (s *Sink) OrchestratorCycleCompleted(decision string) {
	if !s.cfg.OrchestratorCycleDone {
		return
	}
	s.send(fmt.Sprintf("Orchestrator cycle completed: %s", decision))
}

// DailySummary reports end-of-day performance.
func (s *Sink) DailySummary(date string, pnl, totalValue float64, trades int) {
	if !s.cfg.DailySummary {
		return
	}
	s.send(fmt.Sprintf("Daily summary %s: pnl=%.2f total_value=%.2f trades=%d", date, pnl, totalValue, trades))
}

// WeeklyReport reports a 7-day rollup.
func (s *Sink) WeeklyReport(weekOf string, pnl float64, winRate float64) {
	if !s.cfg.WeeklyReport {
		return
	}
	s.send(fmt.Sprintf("Weekly report for %s: pnl=%.2f win_rate=%.1f%%", weekOf, pnl, winRate*100))
}
