package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/queue"
	"github.com/nidhogg/hivemind/internal/role"
)

func testRoles() role.Provider {
	return role.NewStaticProvider(
		&role.Role{Name: "coder", SystemPrompt: "you write code", Delegatable: true},
		&role.Role{Name: "admin", SystemPrompt: "internal", Delegatable: false},
	)
}

func TestSpawnForegroundCompletes(t *testing.T) {
	mgr := NewManager(testRoles(), func(_ context.Context, _ *Subagent) (string, error) {
		return "all done", nil
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-1",
		SessionID:     "s1",
		Role:          "coder",
		Task:          "write a parser",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sa.Status != queue.StatusCompleted {
		t.Fatalf("got status %s, want completed", sa.Status)
	}
	if sa.ResultSummary != "all done" {
		t.Errorf("got summary %q, want %q", sa.ResultSummary, "all done")
	}
	if sa.Context.SystemPrompt != "you write code" {
		t.Errorf("expected role system prompt, got %q", sa.Context.SystemPrompt)
	}
}

func TestSpawnSystemPromptOverride(t *testing.T) {
	mgr := NewManager(testRoles(), func(_ context.Context, _ *Subagent) (string, error) {
		return "ok", nil
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-1",
		SessionID:     "s1",
		Role:          "coder",
		Task:          "task",
		SystemPrompt:  "custom prompt",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sa.Context.SystemPrompt != "custom prompt" {
		t.Errorf("got %q, want override", sa.Context.SystemPrompt)
	}
}

func TestSpawnInvalidRole(t *testing.T) {
	mgr := NewManager(testRoles(), nil, zap.NewNop())

	_, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-1", SessionID: "s1", Role: "admin", Task: "x",
	})
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("got %v, want ErrInvalidRole", err)
	}

	_, err = mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-1", SessionID: "s1", Role: "nonexistent", Task: "x",
	})
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("got %v, want ErrInvalidRole", err)
	}
}

func TestSpawnCapacity(t *testing.T) {
	release := make(chan struct{})
	mgr := NewManager(testRoles(), func(ctx context.Context, _ *Subagent) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, zap.NewNop())

	for i := 0; i < MaxPerParent; i++ {
		_, err := mgr.Spawn(context.Background(), SpawnParams{
			ParentAgentID: "parent-1",
			SessionID:     "s1",
			Role:          "coder",
			Task:          fmt.Sprintf("task %d", i),
			Background:    true,
		})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	if n := mgr.ActiveCount("parent-1"); n != MaxPerParent {
		t.Fatalf("got %d active, want %d", n, MaxPerParent)
	}

	_, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-1", SessionID: "s1", Role: "coder", Task: "one too many", Background: true,
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}

	// Another parent is an independent scheduling domain.
	if _, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "parent-2", SessionID: "s1", Role: "coder", Task: "fine", Background: true,
	}); err != nil {
		t.Fatalf("spawn for other parent: %v", err)
	}

	close(release)
	for _, sa := range mgr.ListByParent("parent-1") {
		mgr.Wait(sa.ID, time.Second)
	}
	if n := mgr.ActiveCount("parent-1"); n != 0 {
		t.Errorf("got %d active after completion, want 0", n)
	}
}

func TestSummaryBounded(t *testing.T) {
	long := strings.Repeat("x", SummaryLimit+200)
	mgr := NewManager(testRoles(), func(_ context.Context, _ *Subagent) (string, error) {
		return long, nil
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "p", SessionID: "s", Role: "coder",
		Task: "secret task body that must never leak upward",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if len(sa.ResultSummary) != SummaryLimit+3 {
		t.Errorf("got summary length %d, want %d", len(sa.ResultSummary), SummaryLimit+3)
	}
	if !strings.HasSuffix(sa.ResultSummary, "...") {
		t.Error("expected ellipsis marker on truncated summary")
	}

	summary, ok := mgr.SummaryForParent(sa.ID)
	if !ok {
		t.Fatal("expected summary")
	}
	// The parent-facing summary carries only the bounded final assistant
	// message, never the isolated context.
	if strings.Contains(summary, "secret task body") {
		t.Error("summary leaked task text from the isolated context")
	}
	if !strings.Contains(summary, "completed]") {
		t.Errorf("expected completed tag, got %q", summary[:40])
	}
}

func TestFailedExecution(t *testing.T) {
	mgr := NewManager(testRoles(), func(_ context.Context, _ *Subagent) (string, error) {
		return "", errors.New("boom")
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "p", SessionID: "s", Role: "coder", Task: "t",
	})
	if err != nil {
		t.Fatalf("spawn should not fail on execution error: %v", err)
	}
	if sa.Status != queue.StatusFailed {
		t.Fatalf("got status %s, want failed", sa.Status)
	}
	if sa.Error != "boom" {
		t.Errorf("got error %q, want %q", sa.Error, "boom")
	}

	summary, _ := mgr.SummaryForParent(sa.ID)
	if summary != fmt.Sprintf("[%s failed] Error: boom", sa.Name) {
		t.Errorf("unexpected failure summary: %q", summary)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	mgr := NewManager(testRoles(), func(_ context.Context, _ *Subagent) (string, error) {
		panic("unexpected")
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "p", SessionID: "s", Role: "coder", Task: "t",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sa.Status != queue.StatusFailed {
		t.Fatalf("got status %s, want failed", sa.Status)
	}
	if !strings.Contains(sa.Error, "panic") {
		t.Errorf("got error %q, want panic text", sa.Error)
	}
}

func TestCancelBackground(t *testing.T) {
	started := make(chan struct{})
	mgr := NewManager(testRoles(), func(ctx context.Context, _ *Subagent) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "p", SessionID: "s", Role: "coder", Task: "t", Background: true,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-started

	if !mgr.Cancel(sa.ID) {
		t.Fatal("cancel should succeed on a running subagent")
	}
	got, _ := mgr.Wait(sa.ID, time.Second)
	if got.Status != queue.StatusCancelled {
		t.Errorf("got status %s, want cancelled", got.Status)
	}
	if mgr.Cancel(sa.ID) {
		t.Error("second cancel should be a no-op")
	}
}

func TestWaitTimeoutReturnsCurrentState(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewManager(testRoles(), func(ctx context.Context, _ *Subagent) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}, zap.NewNop())

	sa, err := mgr.Spawn(context.Background(), SpawnParams{
		ParentAgentID: "p", SessionID: "s", Role: "coder", Task: "t", Background: true,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	got, ok := mgr.Wait(sa.ID, 50*time.Millisecond)
	if !ok {
		t.Fatal("expected record back on timeout")
	}
	if got.Status.IsTerminal() {
		t.Errorf("expected non-terminal status on timeout, got %s", got.Status)
	}

	summary, _ := mgr.SummaryForParent(sa.ID)
	if !strings.Contains(summary, "running] ...") {
		t.Errorf("expected running tag, got %q", summary)
	}
}

func TestCleanupParent(t *testing.T) {
	mgr := NewManager(testRoles(), func(ctx context.Context, _ *Subagent) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, zap.NewNop())

	var ids []string
	for i := 0; i < 3; i++ {
		sa, err := mgr.Spawn(context.Background(), SpawnParams{
			ParentAgentID: "p", SessionID: "s", Role: "coder", Task: "t", Background: true,
		})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		ids = append(ids, sa.ID)
	}

	if n := mgr.CleanupParent("p"); n != 3 {
		t.Fatalf("cleaned up %d, want 3", n)
	}
	for _, id := range ids {
		if _, ok := mgr.Get(id); ok {
			t.Errorf("subagent %s should be deregistered", id)
		}
	}
	if n := mgr.ActiveCount("p"); n != 0 {
		t.Errorf("got %d active after cleanup, want 0", n)
	}
}
