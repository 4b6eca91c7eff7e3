// Package cache bounds RPC volume against rate-limited providers. The
// chain is the source of truth but expensive to query; the cache guarantees
// the site never shows nothing once it has ever shown something.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/store"
)

const (
	contributionsKey   = "contributions"
	treasuryBalanceKey = "treasury_balance"
	totalRaisedKey     = "total_raised"
)

// Source is the slice of the Chain Reader the cache consumes.
type Source interface {
	ListTreasuryContributions(ctx context.Context) ([]chain.Contribution, error)
	TreasuryBalance(ctx context.Context) (float64, error)
}

type Config struct {
	Logger *slog.Logger
	Source Source
	Store  *store.Store
	Clock  clockwork.Clock

	// TTL is the freshness window for both the contribution list and the
	// treasury balance.
	TTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return nil
}

type persistedContributions struct {
	Contributions []chain.Contribution `json:"contributions"`
	FetchedAt     time.Time            `json:"fetched_at"`
}

type persistedBalance struct {
	Balance   float64   `json:"balance"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Cache struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	sf    singleflight.Group

	mu               sync.Mutex
	contributions    []chain.Contribution
	fetchedAt        time.Time
	balance          float64
	balanceValid     bool
	balanceFetchedAt time.Time
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}
	c.warmFromStore()
	return c, nil
}

// warmFromStore seeds memory from the persisted copy so a restart shows
// data before the first fetch completes.
func (c *Cache) warmFromStore() {
	var pc persistedContributions
	if ok, err := c.cfg.Store.Get(contributionsKey, &pc); err == nil && ok {
		c.contributions = pc.Contributions
		c.fetchedAt = pc.FetchedAt
	}
	var pb persistedBalance
	if ok, err := c.cfg.Store.Get(treasuryBalanceKey, &pb); err == nil && ok {
		c.balance = pb.Balance
		c.balanceValid = true
		c.balanceFetchedAt = pb.FetchedAt
	}
}

// Contributions returns the cached contribution list, refreshing when the
// cache is older than the TTL or forceRefresh is set. On refresh failure
// it falls back, in order: in-memory copy (even stale), persisted copy,
// empty list. Concurrent refreshes collapse into one chain scan.
func (c *Cache) Contributions(ctx context.Context, forceRefresh bool) []chain.Contribution {
	c.mu.Lock()
	fresh := c.contributions != nil && c.clock.Since(c.fetchedAt) < c.cfg.TTL
	cached := c.contributions
	c.mu.Unlock()

	if fresh && !forceRefresh {
		return cached
	}

	result, err, _ := c.sf.Do(contributionsKey, func() (any, error) {
		contributions, err := c.cfg.Source.ListTreasuryContributions(ctx)
		if err != nil {
			return nil, err
		}
		now := c.clock.Now()

		c.mu.Lock()
		c.contributions = contributions
		c.fetchedAt = now
		c.mu.Unlock()

		if err := c.cfg.Store.Put(contributionsKey, persistedContributions{
			Contributions: contributions,
			FetchedAt:     now,
		}); err != nil {
			c.log.Warn("cache: failed to persist contributions", "error", err)
		}
		c.persistTotalRaised()
		return contributions, nil
	})
	if err == nil {
		return result.([]chain.Contribution)
	}

	c.log.Warn("cache: refresh failed, falling back", "error", err)

	// Stale memory beats nothing.
	c.mu.Lock()
	cached = c.contributions
	c.mu.Unlock()
	if len(cached) > 0 {
		return cached
	}

	// Last resort: persisted copy from a previous run.
	var pc persistedContributions
	if ok, serr := c.cfg.Store.Get(contributionsKey, &pc); serr == nil && ok && len(pc.Contributions) > 0 {
		c.mu.Lock()
		c.contributions = pc.Contributions
		c.fetchedAt = pc.FetchedAt
		c.mu.Unlock()
		return pc.Contributions
	}

	return []chain.Contribution{}
}

// TreasuryBalance returns the treasury's SOL balance, cached with the same
// TTL as the contribution list.
func (c *Cache) TreasuryBalance(ctx context.Context) float64 {
	c.mu.Lock()
	fresh := c.balanceValid && c.clock.Since(c.balanceFetchedAt) < c.cfg.TTL
	cached := c.balance
	valid := c.balanceValid
	c.mu.Unlock()

	if fresh {
		return cached
	}

	result, err, _ := c.sf.Do(treasuryBalanceKey, func() (any, error) {
		balance, err := c.cfg.Source.TreasuryBalance(ctx)
		if err != nil {
			return nil, err
		}
		now := c.clock.Now()

		c.mu.Lock()
		c.balance = balance
		c.balanceValid = true
		c.balanceFetchedAt = now
		c.mu.Unlock()

		if err := c.cfg.Store.Put(treasuryBalanceKey, persistedBalance{
			Balance:   balance,
			FetchedAt: now,
		}); err != nil {
			c.log.Warn("cache: failed to persist treasury balance", "error", err)
		}
		c.persistTotalRaised()
		return balance, nil
	})
	if err == nil {
		return result.(float64)
	}

	c.log.Warn("cache: balance refresh failed, falling back", "error", err)
	if valid {
		return cached
	}

	var pb persistedBalance
	if ok, serr := c.cfg.Store.Get(treasuryBalanceKey, &pb); serr == nil && ok {
		return pb.Balance
	}

	// No balance ever observed; estimate from contributions.
	return chain.SumAmounts(c.Contributions(ctx, false))
}

// TotalRaised is the authoritative total: the max of the contribution sum
// and the directly observed treasury balance. The history scan window is
// bounded, so the sum under-counts once the treasury has more transactions
// than the window; the direct balance covers that case.
func (c *Cache) TotalRaised(ctx context.Context) float64 {
	sum := chain.SumAmounts(c.Contributions(ctx, false))
	balance := c.TreasuryBalance(ctx)
	return max(sum, balance)
}

// UniqueContributors counts distinct contributor wallets in the cached
// list.
func (c *Cache) UniqueContributors(ctx context.Context) int {
	return chain.UniqueSenders(c.Contributions(ctx, false))
}

// Invalidate clears the in-memory cache unconditionally. The persisted
// copy is left alone: it remains the fallback of last resort if the next
// fresh fetch fails.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contributions = nil
	c.fetchedAt = time.Time{}
	c.balance = 0
	c.balanceValid = false
	c.balanceFetchedAt = time.Time{}
}

// persistTotalRaised stores the flat total-raised scalar used as a cheap
// first-paint value.
func (c *Cache) persistTotalRaised() {
	c.mu.Lock()
	total := chain.SumAmounts(c.contributions)
	if c.balanceValid && c.balance > total {
		total = c.balance
	}
	c.mu.Unlock()
	if err := c.cfg.Store.Put(totalRaisedKey, total); err != nil {
		c.log.Warn("cache: failed to persist total raised", "error", err)
	}
}

// PersistedTotalRaised reads the flat scalar without touching the chain.
func (c *Cache) PersistedTotalRaised() float64 {
	var total float64
	if ok, err := c.cfg.Store.Get(totalRaisedKey, &total); err == nil && ok {
		return total
	}
	return 0
}
