package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// envelope is the common {error, result} wrapper the exchange's REST API
// puts around every response, public or private.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) getPublic(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.getPublic", err)
	}
	return c.do(req)
}

func (c *Client) postPrivate(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, apperr.New(apperr.KindExchange, "exchange.postPrivate", fmt.Errorf("no credentials configured for private endpoint %s", path))
	}
	if form == nil {
		form = url.Values{}
	}
	nonce := c.nonce.next()
	form.Set("nonce", nonce)

	sig, err := sign(path, form, nonce, c.apiSecret)
	if err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.postPrivate", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.postPrivate", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sig)

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.do", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.do", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.KindExchange, "exchange.do", fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.do", fmt.Errorf("decode response: %w", err))
	}
	if len(env.Error) > 0 {
		return nil, apperr.New(apperr.KindExchange, "exchange.do", fmt.Errorf("exchange error: %s", strings.Join(env.Error, "; ")))
	}
	return env.Result, nil
}

// intervalMinutes maps a domain timeframe string to the exchange's OHLC
// interval parameter (minutes).
func intervalMinutes(timeframe string) int {
	switch timeframe {
	case "5m":
		return 5
	case "1h":
		return 60
	case "1d":
		return 1440
	default:
		return 60
	}
}

// OHLC fetches public candle history for symbol/timeframe. The exchange's
// OHLC endpoint returns, per pair, an array of
// [time, open, high, low, close, vwap, volume, count] rows.
func (c *Client) OHLC(ctx context.Context, symbol, timeframe string, since time.Time) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("pair", pairCode(symbol))
	q.Set("interval", strconv.Itoa(intervalMinutes(timeframe)))
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	raw, err := c.getPublic(ctx, "/0/public/OHLC", q)
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.OHLC", fmt.Errorf("decode result: %w", err))
	}

	pair := pairCode(symbol)
	rows, ok := result[pair]
	if !ok {
		return nil, apperr.New(apperr.KindExchange, "exchange.OHLC", fmt.Errorf("no OHLC rows for pair %s", pair))
	}

	var raw8 [][8]any
	if err := json.Unmarshal(rows, &raw8); err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.OHLC", fmt.Errorf("decode rows: %w", err))
	}

	candles := make([]domain.Candle, 0, len(raw8))
	for _, row := range raw8 {
		ts, _ := toFloat(row[0])
		open, _ := toFloat(row[1])
		high, _ := toFloat(row[2])
		low, _ := toFloat(row[3])
		closePx, _ := toFloat(row[4])
		volume, _ := toFloat(row[6])
		candles = append(candles, domain.Candle{
			Symbol: symbol, Timeframe: timeframe,
			Open: open, High: high, Low: low, Close: closePx, Volume: volume,
			Timestamp: time.Unix(int64(ts), 0).UTC(),
		})
	}
	return candles, nil
}

// Ticker fetches the current best bid/ask/last for symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	q := url.Values{}
	pair := pairCode(symbol)
	q.Set("pair", pair)

	raw, err := c.getPublic(ctx, "/0/public/Ticker", q)
	if err != nil {
		return Ticker{}, err
	}

	var result map[string]struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
		Last []string `json:"c"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Ticker{}, apperr.New(apperr.KindExchange, "exchange.Ticker", fmt.Errorf("decode result: %w", err))
	}
	t, ok := result[pair]
	if !ok {
		return Ticker{}, apperr.New(apperr.KindExchange, "exchange.Ticker", fmt.Errorf("no ticker for pair %s", pair))
	}
	ask, _ := firstFloat(t.Ask)
	bid, _ := firstFloat(t.Bid)
	last, _ := firstFloat(t.Last)
	return Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: last}, nil
}

// Balance fetches the account's available balances (private).
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	raw, err := c.postPrivate(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.New(apperr.KindExchange, "exchange.Balance", fmt.Errorf("decode result: %w", err))
	}
	out := make(Balance, len(m))
	for asset, s := range m {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[asset] = f
	}
	return out, nil
}

// FeeSchedule fetches symbol's current maker/taker fee percentages
// (private), consumed by the scheduler's periodic fee-refresh task
// (spec.md §6's fees.check_interval_hours).
func (c *Client) FeeSchedule(ctx context.Context, symbol string) (FeeSchedule, error) {
	form := url.Values{}
	pair := pairCode(symbol)
	form.Set("pair", pair)
	form.Set("fee-info", "true")

	raw, err := c.postPrivate(ctx, "/0/private/TradeVolume", form)
	if err != nil {
		return FeeSchedule{}, err
	}

	var result struct {
		Fees map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees"`
		FeesMaker map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees_maker"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return FeeSchedule{}, apperr.New(apperr.KindExchange, "exchange.FeeSchedule", fmt.Errorf("decode result: %w", err))
	}

	fs := FeeSchedule{Symbol: symbol}
	if f, ok := result.Fees[pair]; ok {
		fs.TakerFeePct, _ = strconv.ParseFloat(f.Fee, 64)
	}
	if f, ok := result.FeesMaker[pair]; ok {
		fs.MakerFeePct, _ = strconv.ParseFloat(f.Fee, 64)
	} else {
		fs.MakerFeePct = fs.TakerFeePct
	}
	return fs, nil
}

// PlaceOrder submits a market or limit order and polls for its fill,
// satisfying internal/portfolio's LiveExecutor interface. A limit order
// that hasn't filled within fillPollTimeout is left resting and reported as a
// zero fill; the caller (internal/portfolio.Tracker in live mode) treats a
// zero filledQty as "not yet executed" and retries on the next scan.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side domain.Action, orderType domain.OrderType, qty float64, limitPrice *float64) (fillPrice, filledQty, feePaid float64, err error) {
	pair := pairCode(symbol)
	orderSide := "buy"
	if side == domain.ActionSell || side == domain.ActionClose {
		orderSide = "sell"
	}

	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", orderSide)
	form.Set("volume", fmt.Sprintf("%.8f", qty))
	if orderType == domain.OrderTypeLimit && limitPrice != nil {
		form.Set("ordertype", "limit")
		form.Set("price", fmt.Sprintf("%.8f", *limitPrice))
	} else {
		form.Set("ordertype", "market")
	}

	raw, err := c.postPrivate(ctx, "/0/private/AddOrder", form)
	if err != nil {
		return 0, 0, 0, err
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.TxID) == 0 {
		return 0, 0, 0, apperr.New(apperr.KindExchange, "exchange.PlaceOrder", fmt.Errorf("unexpected order response"))
	}

	return c.pollFill(ctx, result.TxID[0])
}

const (
	fillPollInterval = 2 * time.Second
	fillPollTimeout  = 30 * time.Second
)

// pollFill queries an order's status until it reports executed volume or
// fillPollTimeout elapses, mirroring the pack's market-order fill-polling
// pattern (other_examples trading-engine file's getOrder loop).
func (c *Client) pollFill(ctx context.Context, txid string) (fillPrice, filledQty, feePaid float64, err error) {
	deadline := time.Now().Add(fillPollTimeout)
	for time.Now().Before(deadline) {
		info, qErr := c.queryOrder(ctx, txid)
		if qErr == nil && info.FilledQty > 0 {
			return info.Price, info.FilledQty, 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, 0, 0, apperr.New(apperr.KindExchange, "exchange.pollFill", ctx.Err())
		case <-time.After(fillPollInterval):
		}
	}
	c.log.Warn().Str("txid", txid).Msg("order not filled within poll window, leaving resting")
	return 0, 0, 0, nil
}

func (c *Client) queryOrder(ctx context.Context, txid string) (OrderInfo, error) {
	form := url.Values{}
	form.Set("txid", txid)
	raw, err := c.postPrivate(ctx, "/0/private/QueryOrders", form)
	if err != nil {
		return OrderInfo{}, err
	}
	var result map[string]struct {
		Descr struct {
			Pair string `json:"pair"`
			Type string `json:"type"`
		} `json:"descr"`
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return OrderInfo{}, apperr.New(apperr.KindExchange, "exchange.queryOrder", fmt.Errorf("decode result: %w", err))
	}
	info, ok := result[txid]
	if !ok {
		return OrderInfo{}, apperr.New(apperr.KindExchange, "exchange.queryOrder", fmt.Errorf("order %s not found", txid))
	}
	filled, _ := strconv.ParseFloat(info.VolExec, 64)
	price, _ := strconv.ParseFloat(info.Price, 64)
	return OrderInfo{
		TxID: txid, Symbol: info.Descr.Pair, Side: info.Descr.Type,
		FilledQty: filled, Price: price, Status: info.Status,
	}, nil
}

// CancelAllOrders cancels every open order, used by the shutdown sequence
// in live mode (spec.md §4.1 step 3). Returns the number of orders the
// exchange reports canceled.
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	raw, err := c.postPrivate(ctx, "/0/private/CancelAll", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, apperr.New(apperr.KindExchange, "exchange.CancelAllOrders", fmt.Errorf("decode result: %w", err))
	}
	return result.Count, nil
}

// Close releases pooled HTTP connections; the REST client holds no other
// resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func firstFloat(s []string) (float64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(s[0], 64)
}
