package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically marks agents offline when they have shown no activity
// for longer than maxIdle. Offline agents are never selected for delegation;
// any later event from the agent flips it back via the normal status path.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	maxIdle  time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a staleness sweeper over the coordinator's registry.
func NewSweeper(coord *Coordinator, interval, maxIdle time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{coord: coord, interval: interval, maxIdle: maxIdle, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.coord.MarkStale(s.maxIdle); n > 0 {
				s.logger.Info("marked stale agents offline", zap.Int("count", n))
			}
		}
	}
}

// MarkStale flips idle agents with no recent activity to offline and returns
// how many were flipped. Busy agents are left alone: a long-running task is
// activity, not staleness.
func (c *Coordinator) MarkStale(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for _, s := range c.sessions {
		for _, info := range s.agents {
			if info.Status == AgentIdle && info.LastActivity.Before(cutoff) {
				info.Status = AgentOffline
				n++
			}
		}
	}
	return n
}
