package handlers

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hanami-labs/hanami/token/pkg/redeem"
)

// AccountCache holds short-lived per-account snapshots of summary and item
// responses. Entries expire on a TTL and are dropped wholesale on
// invalidation; nothing is ever patched in place, because authoritative state
// lives server-side.
type AccountCache struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	ttl   time.Duration

	summaries map[summaryKey]cachedSummary
	items     map[string]cachedItems
}

type summaryKey struct {
	account string
	role    string
}

type cachedSummary struct {
	resp      *SummaryResponse
	fetchedAt time.Time
}

type cachedItems struct {
	items     []redeem.Item
	fetchedAt time.Time
}

func NewAccountCache(clock clockwork.Clock, ttl time.Duration) *AccountCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AccountCache{
		clock:     clock,
		ttl:       ttl,
		summaries: make(map[summaryKey]cachedSummary),
		items:     make(map[string]cachedItems),
	}
}

func (c *AccountCache) Summary(account, role string) (*SummaryResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.summaries[summaryKey{account: account, role: role}]
	if !ok || c.clock.Now().Sub(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.resp, true
}

func (c *AccountCache) SetSummary(account, role string, resp *SummaryResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries[summaryKey{account: account, role: role}] = cachedSummary{resp: resp, fetchedAt: c.clock.Now()}
}

func (c *AccountCache) Items(account string) ([]redeem.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[account]
	if !ok || c.clock.Now().Sub(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.items, true
}

func (c *AccountCache) SetItems(account string, items []redeem.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[account] = cachedItems{items: items, fetchedAt: c.clock.Now()}
}

// Invalidate drops every cached snapshot for the account. Satisfies
// redeem.Invalidator so completed redemptions force a fresh read.
func (c *AccountCache) Invalidate(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.summaries {
		if key.account == account {
			delete(c.summaries, key)
		}
	}
	delete(c.items, account)
}
