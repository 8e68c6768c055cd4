package notification

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/config"
)

func TestSendNoopWithoutCredentials(t *testing.T) {
	s := New(&config.Config{}, zerolog.Nop())
	// No bot token/chat id configured: send must be a silent no-op, not a
	// panic or blocking call.
	s.send("hello")
}

func newTestSink(t *testing.T, handler http.HandlerFunc, cfg config.Notifications) *Sink {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Sink{
		apiBase:  srv.URL,
		botToken: "tok",
		chatID:   "chat",
		maxBytes: 4096,
		cfg:      cfg,
		client:   srv.Client(),
		log:      zerolog.Nop(),
	}
}

func TestGatedEmitterSkipsWhenFlagOff(t *testing.T) {
	var hits int32
	s := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}, config.Notifications{StopTriggered: false})

	s.StopTriggered("BTC/USD", "auto_btc_usd_001", "stop_loss", 100)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestGatedEmitterFiresWhenFlagOn(t *testing.T) {
	var hits int32
	var captured string
	var mu sync.Mutex
	s := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = string(body)
		mu.Unlock()
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}, config.Notifications{StopTriggered: true})

	s.StopTriggered("BTC/USD", "auto_btc_usd_001", "stop_loss", 100)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, captured, "stop_loss")
	require.Contains(t, captured, "BTC/USD")
}

func TestTruncation(t *testing.T) {
	var captured string
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	s := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}, config.Notifications{})
	s.maxBytes = 40

	s.send(strings.Repeat("x", 500))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len(captured), 200) // JSON envelope + truncated 40-byte text
}
