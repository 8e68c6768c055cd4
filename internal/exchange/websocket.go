package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/nightforge/internal/apperr"
)

// TickerUpdate is one streamed ticker tick.
type TickerUpdate struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// CandleUpdate is one streamed 5-minute OHLC bar (possibly still forming).
type CandleUpdate struct {
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Time   time.Time
}

const (
	wsDialTimeout  = 15 * time.Second
	wsWriteTimeout = 10 * time.Second

	// wsBaseDelay/wsMaxDelay/wsMaxRetries implement spec.md §4.9's backoff
	// schedule exactly: 1, 2, 4, ..., capped at 30s, 5 attempts by default
	// before raising a permanent-failure event.
	wsBaseDelay         = 1 * time.Second
	wsMaxDelay          = 30 * time.Second
	defaultMaxWSRetries = 5
)

// Handlers are the callbacks a Stream invokes for incoming messages and for
// the terminal failure event. OnTicker/OnCandle run on the read goroutine;
// callers that need to touch shared state must synchronize themselves.
// OnPermanentFailure is invoked at most once per Stream and signals the
// scheduler to fall back to REST polling (spec.md §4.9).
type Handlers struct {
	OnTicker           func(TickerUpdate)
	OnCandle           func(CandleUpdate)
	OnPermanentFailure func(error)
}

// Stream is nightforge's WebSocket ticker+OHLC feed. Grounded on
// aristath-sentinel's tradernet.MarketStatusWebSocket: a dial/subscribe
// step, a read loop that never lets one bad message kill the connection,
// and a backoff-driven reconnect loop — adapted to spec.md §4.9's fixed
// 1/2/4/.../30s schedule and bounded-then-permanent-failure semantics
// instead of that client's unbounded retry.
type Stream struct {
	url     string
	symbols []string
	maxRetries int
	handlers Handlers
	log      zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopped  bool
	stopCh   chan struct{}
}

// NewStream builds a Stream for the given pairs. maxRetries <= 0 uses
// spec.md's default of 5.
func NewStream(wsURL string, symbols []string, maxRetries int, handlers Handlers, log zerolog.Logger) *Stream {
	if maxRetries <= 0 {
		maxRetries = defaultMaxWSRetries
	}
	return &Stream{
		url:        wsURL,
		symbols:    symbols,
		maxRetries: maxRetries,
		handlers:   handlers,
		log:        log.With().Str("component", "exchange_ws").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Run connects and serves until ctx is cancelled, Stop is called, or the
// reconnect budget is exhausted (in which case OnPermanentFailure fires
// exactly once and Run returns).
func (s *Stream) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			attempt++
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("websocket connection lost")
			if attempt > s.maxRetries {
				failErr := apperr.New(apperr.KindWebSocketFatal, "exchange.Stream.Run",
					fmt.Errorf("exhausted %d reconnect attempts: %w", s.maxRetries, err))
				s.log.Error().Err(failErr).Msg("websocket permanently failed, falling back to REST polling")
				if s.handlers.OnPermanentFailure != nil {
					s.handlers.OnPermanentFailure(failErr)
				}
				return
			}

			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}

		// connectAndServe returned nil: an intentional stop.
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * wsBaseDelay
	if d > wsMaxDelay {
		d = wsMaxDelay
	}
	return d
}

// Stop requests a graceful shutdown of the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

func (s *Stream) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(ctx, conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		// A malformed individual message must never take down the whole
		// listen loop (spec.md §4.9).
		if err := s.handleMessage(data); err != nil {
			s.log.Debug().Err(err).Msg("failed to handle websocket message, continuing")
		}
	}
}

func (s *Stream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	pairs := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		pairs[i] = pairCode(sym)
	}
	msg := map[string]any{
		"event": "subscribe",
		"pair":  pairs,
		"subscription": map[string]any{
			"name":     "ohlc-ticker",
			"interval": 5,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// wireMessage is the subset of the feed's heterogeneous frame shapes
// nightforge cares about: a ticker frame or an OHLC frame, each tagged by
// its "channel" field.
type wireMessage struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
}

func (s *Stream) handleMessage(raw []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch msg.Channel {
	case "ticker":
		var t struct {
			Bid  float64 `json:"bid"`
			Ask  float64 `json:"ask"`
			Last float64 `json:"last"`
		}
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		if s.handlers.OnTicker != nil {
			s.handlers.OnTicker(TickerUpdate{Symbol: msg.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last})
		}
	case "ohlc":
		var c struct {
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume float64 `json:"volume"`
			Time   int64   `json:"time"`
		}
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return fmt.Errorf("decode ohlc: %w", err)
		}
		if s.handlers.OnCandle != nil {
			s.handlers.OnCandle(CandleUpdate{
				Symbol: msg.Symbol, Open: c.Open, High: c.High, Low: c.Low,
				Close: c.Close, Volume: c.Volume, Time: time.Unix(c.Time, 0).UTC(),
			})
		}
	default:
		// Heartbeats, subscription acks, etc. — ignored.
	}
	return nil
}
