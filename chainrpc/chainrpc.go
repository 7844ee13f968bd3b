// Package chainrpc resolves and caches SPL token decimals via a plain
// JSON-RPC getAccountInfo call, the way the trader execution service needs
// to scale raw on-chain amounts into human quantities.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultSPLDecimals = 9
	maxBackoff         = 30 * time.Second
	maxAttempts        = 5
)

// NativeMint is the wrapped-SOL mint address, seeded into every cache at
// construction with 9 decimals.
const NativeMint = "So11111111111111111111111111111111111111112"

// USDCMint is the well-known USDC mint, seeded at 6 decimals.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Client fetches and caches token decimals over a Solana-style RPC
// endpoint. Decimals never change once observed, so entries are cached
// forever and a single fetch can be shared across concurrent callers
// asking for the same mint.
type Client struct {
	rpcURL     string
	httpClient *http.Client

	mu        sync.Mutex
	cache     map[string]int
	inflight  map[string]*inflightFetch
}

type inflightFetch struct {
	done chan struct{}
	dec  int
	err  error
}

// New builds a Client seeded with the native mint and USDC.
func New(rpcURL string) *Client {
	c := &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      map[string]int{NativeMint: 9, USDCMint: 6},
		inflight:   make(map[string]*inflightFetch),
	}
	return c
}

// GetDecimals returns the cached decimals for mint, fetching over RPC on
// first use. Concurrent callers asking for the same uncached mint share a
// single in-flight RPC call.
func (c *Client) GetDecimals(ctx context.Context, mint string) (int, error) {
	c.mu.Lock()
	if d, ok := c.cache[mint]; ok {
		c.mu.Unlock()
		return d, nil
	}
	if f, ok := c.inflight[mint]; ok {
		c.mu.Unlock()
		<-f.done
		return f.dec, f.err
	}
	f := &inflightFetch{done: make(chan struct{})}
	c.inflight[mint] = f
	c.mu.Unlock()

	dec, err := c.fetchDecimalsWithRetry(ctx, mint)

	c.mu.Lock()
	if err == nil {
		c.cache[mint] = dec
	}
	delete(c.inflight, mint)
	c.mu.Unlock()

	f.dec, f.err = dec, err
	close(f.done)
	return dec, err
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result struct {
		Value struct {
			Data struct {
				Parsed struct {
					Info struct {
						Decimals *int `json:"decimals"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) fetchDecimalsWithRetry(ctx context.Context, mint string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		dec, retryAfter, err := c.fetchDecimalsOnce(ctx, mint, attempt)
		if err == nil {
			return dec, nil
		}
		lastErr = err

		if retryAfter == 0 {
			break
		}

		wait := retryAfter
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Warn().Str("mint", mint).Dur("wait", wait).Int("attempt", attempt+1).Msg("⏳ rate limited fetching token decimals, backing off")

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}

	log.Warn().Str("mint", mint).Err(lastErr).Msg("falling back to default SPL decimals after exhausting retries")
	return defaultSPLDecimals, nil
}

// fetchDecimalsOnce returns (decimals, retryAfter, err). A non-zero
// retryAfter with a non-nil err signals a 429 worth retrying; retryAfter
// falls back to an exponential backoff keyed on the current attempt when
// the response carries no usable Retry-After header.
func (c *Client) fetchDecimalsOnce(ctx context.Context, mint string, attempt int) (int, time.Duration, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getAccountInfo",
		Params:  []any{mint, map[string]any{"encoding": "jsonParsed"}},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("encode getAccountInfo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return 0, 0, fmt.Errorf("build getAccountInfo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("getAccountInfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, parseRetryAfter(resp.Header.Get("Retry-After"), attempt), fmt.Errorf("rate limited")
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, 0, fmt.Errorf("decode getAccountInfo response: %w", err)
	}
	if decoded.Error != nil {
		return 0, 0, fmt.Errorf("getAccountInfo returned an error: %s", decoded.Error.Message)
	}
	info := decoded.Result.Value.Data.Parsed.Info.Decimals
	if info == nil {
		return 0, 0, fmt.Errorf("getAccountInfo response had no parsed decimals field")
	}
	return *info, 0, nil
}

// parseRetryAfter honors a numeric Retry-After header in seconds. When the
// header is absent or non-numeric it falls back to an exponential backoff
// seeded at one second, capped by the caller at maxBackoff.
func parseRetryAfter(header string, attempt int) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	base := time.Second
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= maxBackoff {
			return maxBackoff
		}
	}
	return base
}
