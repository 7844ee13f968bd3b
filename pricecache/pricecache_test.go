package pricecache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGetAfterSet(t *testing.T) {
	c := New(time.Minute)

	c.Set("Solana", "TokenAddrMixedCase", Quote{PriceUSD: decimal.NewFromFloat(1.23)})

	q, ok := c.Get("solana", "tokenaddrmixedcase")
	assert.True(t, ok, "lookup must be case-insensitive on chain and address")
	assert.True(t, q.PriceUSD.Equal(decimal.NewFromFloat(1.23)))
}

func TestExpiryAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)

	c.Set("solana", "tok1", Quote{PriceUSD: decimal.NewFromInt(1)})
	_, ok := c.Get("solana", "tok1")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("solana", "tok1")
	assert.False(t, ok, "entry must expire once its age exceeds the configured TTL")
}

func TestMissIncrementsCounterAndDoesNotPanic(t *testing.T) {
	c := New(time.Second)

	_, ok := c.Get("solana", "unknown")
	assert.False(t, ok)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestCleanupExpiredRemovesOnlyStaleEntries(t *testing.T) {
	c := New(10 * time.Millisecond)

	c.Set("solana", "fresh", Quote{PriceUSD: decimal.NewFromInt(1)})
	time.Sleep(20 * time.Millisecond)
	c.Set("solana", "stillfresh", Quote{PriceUSD: decimal.NewFromInt(2)})

	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestClearResetsSizeButNotCounters(t *testing.T) {
	c := New(time.Minute)
	c.Set("solana", "tok1", Quote{PriceUSD: decimal.NewFromInt(1)})
	c.Get("solana", "tok1")

	n := c.Clear()
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Stats().Size)
	assert.EqualValues(t, 1, c.Stats().Hits)
}
