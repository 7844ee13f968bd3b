package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDecimals_SeededMintsNeverHitNetwork(t *testing.T) {
	c := New("http://unreachable.invalid")

	dec, err := c.GetDecimals(context.Background(), NativeMint)
	require.NoError(t, err)
	assert.Equal(t, 9, dec)

	dec, err = c.GetDecimals(context.Background(), USDCMint)
	require.NoError(t, err)
	assert.Equal(t, 6, dec)
}

func TestGetDecimals_FetchesAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"result":{"value":{"data":{"parsed":{"info":{"decimals":6}}}}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)

	dec, err := c.GetDecimals(context.Background(), "SomeMint111")
	require.NoError(t, err)
	assert.Equal(t, 6, dec)

	dec, err = c.GetDecimals(context.Background(), "SomeMint111")
	require.NoError(t, err)
	assert.Equal(t, 6, dec)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "decimals must be cached forever, so a second lookup must not hit the network again")
}

func TestGetDecimals_ConcurrentCallersShareOneFetch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"result":{"value":{"data":{"parsed":{"info":{"decimals":9}}}}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)

	const n = 10
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			dec, err := c.GetDecimals(context.Background(), "ConcurrentMint")
			require.NoError(t, err)
			results <- dec
		}()
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 9, <-results)
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent requests for the same uncached mint must collapse into a single RPC call")
}

func TestGetDecimals_FallsBackToDefaultOnExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL)
	dec, err := c.GetDecimals(context.Background(), "RateLimitedMint")
	require.NoError(t, err)
	assert.Equal(t, defaultSPLDecimals, dec)
}

func TestParseRetryAfter_PrefersNumericHeaderOverBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", 3))
	assert.Equal(t, time.Second, parseRetryAfter("", 0))
	assert.Equal(t, 4*time.Second, parseRetryAfter("not-a-number", 2))
}

func TestRPCResponseDecoding(t *testing.T) {
	raw := `{"result":{"value":{"data":{"parsed":{"info":{"decimals":9}}}}}}`
	var decoded rpcResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.NotNil(t, decoded.Result.Value.Data.Parsed.Info.Decimals)
	assert.Equal(t, 9, *decoded.Result.Value.Data.Parsed.Info.Decimals)
}
