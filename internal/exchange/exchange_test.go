package exchange

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPairCode(t *testing.T) {
	require.Equal(t, "XBTUSD", pairCode("BTC/USD"))
	require.Equal(t, "ETHUSD", pairCode("ETH/USD"))
	require.Equal(t, "SOLUSD", pairCode("SOL/USD"))
}

func TestNonceCounterMonotonic(t *testing.T) {
	n := newNonceCounter()
	var last int64
	for i := 0; i < 1000; i++ {
		v, err := strconv.ParseInt(n.next(), 10, 64)
		require.NoError(t, err)
		require.Greater(t, v, last)
		last = v
	}
}

func TestSignIsDeterministicForSameNonce(t *testing.T) {
	secret := "YmFzZTY0c2VjcmV0MTIzNDU2Nzg=" // arbitrary valid base64
	body := url.Values{}
	body.Set("pair", "XBTUSD")
	body.Set("type", "buy")

	sig1, err := sign("/0/private/AddOrder", body, "123456789", secret)
	require.NoError(t, err)
	sig2, err := sign("/0/private/AddOrder", body, "123456789", secret)
	require.NoError(t, err)
	require.Equal(t, sig1, sig2)

	sig3, err := sign("/0/private/AddOrder", body, "123456790", secret)
	require.NoError(t, err)
	require.NotEqual(t, sig1, sig3)
}

func TestSignRejectsInvalidSecret(t *testing.T) {
	_, err := sign("/0/private/AddOrder", url.Values{}, "1", "not-valid-base64!!!")
	require.Error(t, err)
}

func TestBackoffDelaySchedule(t *testing.T) {
	require.Equal(t, 1*time.Second, backoffDelay(1))
	require.Equal(t, 2*time.Second, backoffDelay(2))
	require.Equal(t, 4*time.Second, backoffDelay(3))
	require.Equal(t, 8*time.Second, backoffDelay(4))
	require.Equal(t, 30*time.Second, backoffDelay(10))
}
