package commission

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pipxcapital/propcore/internal/storage"
)

type TierStore interface {
	GetCommissionTiers(ctx context.Context) ([]storage.CommissionTier, error)
}

// TierCache holds the commission tier table in memory. Tiers change
// rarely, so lookups on the trade path never hit the database.
type TierCache struct {
	mu          sync.RWMutex
	tiers       []storage.CommissionTier
	lastRefresh time.Time
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

func NewTierCache() *TierCache {
	return &TierCache{}
}

func (c *TierCache) Load(ctx context.Context, store TierStore) error {
	tiers, err := store.GetCommissionTiers(ctx)
	if err != nil {
		return err
	}

	// Descending by threshold, so the first match wins.
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].MinDirectReferrals > tiers[j].MinDirectReferrals
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = tiers
	c.lastRefresh = time.Now()
	return nil
}

func (c *TierCache) Refresh(ctx context.Context, store TierStore) error {
	return c.Load(ctx, store)
}

// TierForReferrals returns the highest tier whose threshold the referral
// count meets.
func (c *TierCache) TierForReferrals(directReferrals int) (storage.CommissionTier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tier := range c.tiers {
		if directReferrals >= tier.MinDirectReferrals {
			return tier, true
		}
	}
	return storage.CommissionTier{}, false
}

func (c *TierCache) TierByName(name string) (storage.CommissionTier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tier := range c.tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return storage.CommissionTier{}, false
}

func (c *TierCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tiers)
}

func (c *TierCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *TierCache) StartAutoRefresh(ctx context.Context, store TierStore, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("commission tier refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("commission tier refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Info("commission tier cache refreshed", "tiers", c.Size())
			}
		}
	}()
}
