// Package meter performs token-budget admission control. It only reads the
// remote balance; the actual debit happens remotely as part of generation.
package meter

import (
	"context"
	"sync"
	"time"

	"github.com/creastat/chatengine"
	"github.com/creastat/chatengine/cache"
	"github.com/creastat/chatengine/supabase"
)

// DefaultTTL is how long a fetched balance is trusted.
const DefaultTTL = 30 * time.Second

// Meter reads and caches a user's token balance for pre-flight
// affordability checks.
type Meter struct {
	remote supabase.Store
	cache  cache.Cache
	ttl    time.Duration

	// lastKnown keeps the most recent successful read per user beyond the
	// cache TTL, as the fallback when the remote store is unreachable.
	mu        sync.RWMutex
	lastKnown map[string]chatengine.TokenBalance
}

// New creates a token meter over the given remote store and cache.
func New(remote supabase.Store, c cache.Cache, ttl time.Duration) *Meter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Meter{
		remote:    remote,
		cache:     c,
		ttl:       ttl,
		lastKnown: make(map[string]chatengine.TokenBalance),
	}
}

func balanceKey(userID string) string {
	return "balance:" + userID
}

// GetAvailable returns the user's balance, cache-first. On a remote failure
// it falls back to the last successfully read value if one exists,
// otherwise the error wraps chatengine.ErrBalanceUnavailable.
func (m *Meter) GetAvailable(ctx context.Context, userID string) (chatengine.TokenBalance, error) {
	key := balanceKey(userID)

	var cached chatengine.TokenBalance
	if ok, err := m.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	balance, err := m.remote.GetTokenBalance(ctx, userID)
	if err != nil {
		m.mu.RLock()
		stale, ok := m.lastKnown[userID]
		m.mu.RUnlock()
		if ok {
			return stale, nil
		}
		return chatengine.TokenBalance{}, err
	}

	_ = m.cache.Set(ctx, key, balance, m.ttl)

	m.mu.Lock()
	m.lastKnown[userID] = *balance
	m.mu.Unlock()

	return *balance, nil
}

// CanAfford reports whether the user's available balance covers the
// estimated cost. It never mutates remote state.
func (m *Meter) CanAfford(ctx context.Context, userID string, estimatedCost int) (bool, error) {
	balance, err := m.GetAvailable(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.Available() >= estimatedCost, nil
}

// Invalidate drops the cached balance. Called after any operation known to
// consume tokens, so the next check reflects the true remaining balance.
func (m *Meter) Invalidate(ctx context.Context, userID string) {
	_ = m.cache.Delete(ctx, balanceKey(userID))
}
