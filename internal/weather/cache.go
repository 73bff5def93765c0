package weather

import (
	"context"
	"sync"

	"dronedispatch/internal/domain"
)

// Cache stores the latest snapshot per region key.
type Cache interface {
	Get(ctx context.Context, region string) (domain.WeatherSnapshot, bool, error)
	Put(ctx context.Context, snap domain.WeatherSnapshot) error
}

type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]domain.WeatherSnapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]domain.WeatherSnapshot)}
}

func (c *MemoryCache) Get(_ context.Context, region string) (domain.WeatherSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[region]
	return snap, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, snap domain.WeatherSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Region] = snap
	return nil
}
