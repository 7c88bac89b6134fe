package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/hivemind/internal/queue"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := queue.New(newRedisClient(t), testLogger)
	ctx := context.Background()
	session := "prio-" + uuid.New().String()

	enqueue := func(desc string, p queue.Priority) *queue.Task {
		t.Helper()
		task, err := q.Enqueue(ctx, queue.EnqueueParams{
			SessionID:   session,
			Description: desc,
			Priority:    p,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", desc, err)
		}
		return task
	}

	h1 := enqueue("first high", queue.PriorityHigh)
	enqueue("medium", queue.PriorityMedium)
	enqueue("low", queue.PriorityLow)
	h2 := enqueue("second high", queue.PriorityHigh)

	// High tasks dequeue first, in submission order, then medium, then low.
	wantOrder := []string{h1.ID, h2.ID, "", ""}
	wantDesc := []string{"first high", "second high", "medium", "low"}
	for i, want := range wantDesc {
		got, err := q.Claim(ctx, session, "worker-1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil {
			t.Fatalf("claim %d: queue empty early", i)
		}
		if got.Description != want {
			t.Errorf("claim %d: got %q, want %q", i, got.Description, want)
		}
		if wantOrder[i] != "" && got.ID != wantOrder[i] {
			t.Errorf("claim %d: got id %s, want %s", i, got.ID, wantOrder[i])
		}
		if got.Status != queue.StatusRunning || got.WorkerID != "worker-1" {
			t.Errorf("claim %d: task not marked running for the worker: %+v", i, got)
		}
	}

	if extra, _ := q.Claim(ctx, session, "worker-1"); extra != nil {
		t.Errorf("expected empty queue, claimed %+v", extra)
	}
}

func TestQueueEnqueueVisibility(t *testing.T) {
	q := queue.New(newRedisClient(t), testLogger)
	ctx := context.Background()
	session := "vis-" + uuid.New().String()

	task, err := q.Enqueue(ctx, queue.EnqueueParams{
		SessionID:   session,
		Role:        "coder",
		Description: "fix bug",
		Priority:    queue.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A task is visible as pending immediately after enqueue returns.
	pending, err := q.GetPendingTasks(ctx, session, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending tasks, want 1", len(pending))
	}
	if pending[0].ID != task.ID || pending[0].Status != queue.StatusPending ||
		pending[0].Description != "fix bug" {
		t.Errorf("unexpected pending task: %+v", pending[0])
	}

	got, err := q.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Priority != queue.PriorityHigh {
		t.Errorf("unexpected task: %+v", got)
	}

	// Priority defaults to medium when omitted.
	task2, err := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "t2"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task2.Priority != queue.PriorityMedium {
		t.Errorf("got priority %s, want medium by default", task2.Priority)
	}

	if missing, _ := q.GetTask(ctx, "no-such-id"); missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestQueueCancelIdempotence(t *testing.T) {
	q := queue.New(newRedisClient(t), testLogger)
	ctx := context.Background()
	session := "cancel-" + uuid.New().String()

	task, err := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "t"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, session, "w")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(ctx, task.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Cancelling a completed task is a no-op that reports false.
	ok, err := q.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Error("cancel of a completed task must report false")
	}

	got, _ := q.GetTask(ctx, task.ID)
	if got.Status != queue.StatusCompleted || got.Result != "done" {
		t.Errorf("completed task mutated by cancel: %+v", got)
	}

	// A pending task cancels cleanly and leaves the pending set.
	task2, _ := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "t2"})
	ok, err = q.CancelTask(ctx, task2.ID)
	if err != nil || !ok {
		t.Fatalf("cancel pending: ok=%v err=%v", ok, err)
	}
	if claimed, _ := q.Claim(ctx, session, "w"); claimed != nil {
		t.Errorf("cancelled task still claimable: %+v", claimed)
	}
}

func TestQueueWaitForCompletion(t *testing.T) {
	q := queue.New(newRedisClient(t), testLogger)
	ctx := context.Background()
	session := "wait-" + uuid.New().String()

	task, err := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "t"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		if _, err := q.Claim(context.Background(), session, "w"); err != nil {
			return
		}
		q.Complete(context.Background(), task.ID, "late result")
	}()

	got, err := q.WaitForCompletion(ctx, task.ID, 5*time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got == nil || got.Status != queue.StatusCompleted || got.Result != "late result" {
		t.Errorf("unexpected task after wait: %+v", got)
	}

	// Timeout on a task that never finishes returns the last observation.
	slow, _ := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "slow"})
	got, err = q.WaitForCompletion(ctx, slow.ID, 300*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got == nil || got.Status != queue.StatusPending {
		t.Errorf("expected last-observed pending record, got %+v", got)
	}
}

func TestQueueProgressUpdates(t *testing.T) {
	q := queue.New(newRedisClient(t), testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := "prog-" + uuid.New().String()

	updates := q.SubscribeUpdates(ctx)
	// Give the pub/sub subscription a moment to establish.
	time.Sleep(100 * time.Millisecond)

	task, err := q.Enqueue(ctx, queue.EnqueueParams{SessionID: session, Description: "t"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, session, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.SetProgress(ctx, task.ID, 150, "almost"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := q.GetTask(ctx, task.ID)
	if got.Progress != 100 || got.ProgressMessage != "almost" {
		t.Errorf("progress not clamped and saved: %+v", got)
	}

	if err := q.Complete(ctx, task.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Progress on a terminal task is rejected.
	if err := q.SetProgress(ctx, task.ID, 10, "late"); err == nil {
		t.Error("expected error setting progress on a completed task")
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 4 {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatal("update stream closed early")
			}
			if u.TaskID == task.ID {
				seen[u.Event] = true
			}
		case <-deadline:
			t.Fatalf("missing lifecycle updates, saw %v", seen)
		}
	}
	for _, ev := range []string{"task_created", "task_started", "task_progress", "task_completed"} {
		if !seen[ev] {
			t.Errorf("update %s never observed", ev)
		}
	}
}
