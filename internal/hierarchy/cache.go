package hierarchy

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CachedLookup memoizes a TenantLookup. A process never changes owner once
// deployed, so answers are kept until Forget is called. Concurrent misses for
// the same process share one underlying lookup.
type CachedLookup struct {
	next TenantLookup

	mu    sync.RWMutex
	cache map[int64]int64
	sf    singleflight.Group
}

// NewCachedLookup wraps next.
func NewCachedLookup(next TenantLookup) *CachedLookup {
	return &CachedLookup{
		next:  next,
		cache: make(map[int64]int64),
	}
}

// TenantOf implements TenantLookup.
func (c *CachedLookup) TenantOf(ctx context.Context, processID int64) (int64, error) {
	c.mu.RLock()
	tenantID, ok := c.cache[processID]
	c.mu.RUnlock()
	if ok {
		return tenantID, nil
	}

	v, err, _ := c.sf.Do(strconv.FormatInt(processID, 10), func() (any, error) {
		id, err := c.next.TenantOf(ctx, processID)
		if err != nil {
			return int64(0), err
		}
		c.mu.Lock()
		c.cache[processID] = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Forget drops the cached owner of a process.
func (c *CachedLookup) Forget(processID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, processID)
}
