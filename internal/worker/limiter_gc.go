package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/burrowhq/burrow/internal/ratelimit"
)

// LimiterGC periodically evicts rate limiter buckets that have gone unused,
// so tokens that stop receiving traffic do not pin memory forever.
type LimiterGC struct {
	registry *ratelimit.Registry
	every    time.Duration
	maxIdle  time.Duration
}

// NewLimiterGC sweeps registry every interval, evicting limiters idle longer
// than maxIdle.
func NewLimiterGC(registry *ratelimit.Registry, every, maxIdle time.Duration) *LimiterGC {
	return &LimiterGC{registry: registry, every: every, maxIdle: maxIdle}
}

// Name returns the worker identifier.
func (g *LimiterGC) Name() string { return "limiter_gc" }

// Run sweeps on the interval until ctx is cancelled.
func (g *LimiterGC) Run(ctx context.Context) error {
	t := time.NewTicker(g.every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := g.registry.EvictStale(time.Now().Add(-g.maxIdle)); n > 0 {
				slog.Debug("evicted stale rate limiters", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
