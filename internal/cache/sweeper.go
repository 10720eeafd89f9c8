package cache

import (
	"context"
	"time"

	"edge-sync/internal/logs"
)

// Sweeper periodically removes decayed and expired entries from the cache.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *logs.Logger
}

// NewSweeper creates a sweeper for the given cache.
func NewSweeper(cache *Cache, interval time.Duration, logger *logs.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.cache.Sweep(time.Now()); removed > 0 {
				s.logger.Debug("cache sweep removed entries", "removed", removed)
			}
		case <-ctx.Done():
			s.logger.Debug("cache sweeper stopped")
			return
		}
	}
}
