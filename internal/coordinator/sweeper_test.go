package coordinator

import (
	"context"
	"testing"
	"time"
)

func TestMarkStale(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	c.RegisterAgent(ctx, "s1", "alpha", "coder", nil)
	c.RegisterAgent(ctx, "s1", "beta", "coder", nil)
	c.setAgentStatus("s1", "beta", AgentBusy, "long task")

	// Nothing is stale yet.
	if n := c.MarkStale(time.Minute); n != 0 {
		t.Fatalf("marked %d agents, want 0", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := c.MarkStale(10 * time.Millisecond); n != 1 {
		t.Fatalf("marked %d agents, want 1", n)
	}

	info, _ := c.GetAgent("s1", "alpha")
	if info.Status != AgentOffline {
		t.Errorf("alpha should be offline, got %s", info.Status)
	}
	// Busy agents are not swept.
	info, _ = c.GetAgent("s1", "beta")
	if info.Status != AgentBusy {
		t.Errorf("beta should stay busy, got %s", info.Status)
	}

	// Offline agents are skipped for delegation.
	if got := c.GetAvailableAgent("s1", "coder"); got != nil {
		t.Errorf("expected no available agent, got %+v", got)
	}
}
