package kvcache

import (
	"context"
	"time"
)

// StartSweeper launches a background goroutine that removes
// TTL-expired contexts every interval, per spec.md §4.3 "expired
// entries are never returned (a background sweep removes them)". It
// returns immediately; the goroutine exits once ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for id, d := range c.descriptors {
		if d.Tier != Pending && d.expired(now) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		if err := c.Remove(id); err != nil {
			c.log.Warn("kvcache: sweep remove failed", "context_id", id, "err", err)
		}
	}
}
