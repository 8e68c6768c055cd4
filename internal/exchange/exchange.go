// Package exchange implements nightforge's Kraken-style REST and WebSocket
// clients (spec.md §4.9): public OHLC/ticker endpoints, HMAC-signed private
// endpoints for balance/orders/fee-schedule, and a ticker+OHLC WebSocket feed
// with exponential-backoff reconnect. The private-endpoint signing scheme is
// grounded on the nonce/sha256/hmac-sha512 pattern used by the pack's
// other_examples trading-engine file; the WebSocket reconnect loop is
// grounded on aristath-sentinel's tradernet.MarketStatusWebSocket.
package exchange

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the current best bid/ask/last for one pair.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// FeeSchedule is one pair's current maker/taker fee percentages, as
// reported by the exchange's own fee-schedule endpoint (spec.md §4.2's fee
// refresh task consumes this).
type FeeSchedule struct {
	Symbol      string
	MakerFeePct float64
	TakerFeePct float64
}

// Balance maps asset code to available (not on-hold) balance.
type Balance map[string]float64

// OrderInfo is one order's current status, as returned by the open-orders
// and order-query endpoints.
type OrderInfo struct {
	TxID       string
	Symbol     string
	Side       string
	Qty        float64
	FilledQty  float64
	Price      float64
	Status     string
	OpenedAt   time.Time
}

// Client is nightforge's REST client for one exchange account. It is safe
// for concurrent use; http.Client itself is, and the nonce counter is
// guarded independently.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger

	nonce *nonceCounter
}

// Config bundles a Client's construction parameters.
type Config struct {
	RESTBaseURL string
	APIKey      string
	APISecret   string
	Timeout     time.Duration
}

// New builds a REST client. APIKey/APISecret may be empty for a
// paper-trading deployment that only ever calls the public endpoints.
func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   cfg.RESTBaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:   log.With().Str("component", "exchange").Logger(),
		nonce: newNonceCounter(),
	}
}
