package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/hivemind/internal/bus"
)

func TestRedisBusPublishAndGet(t *testing.T) {
	b := bus.NewRedisBus(newRedisClient(t), testLogger)
	ctx := context.Background()

	ev := &bus.Event{
		Type:      bus.EventTaskRequest,
		SessionID: "s1",
		FromAgent: "alpha",
		ToAgent:   "beta-" + uuid.New().String(),
		Payload:   map[string]interface{}{"task": "summarize"},
	}
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatal("publish should assign id and timestamp")
	}

	got, err := b.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Type != bus.EventTaskRequest || got.FromAgent != "alpha" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Payload["task"] != "summarize" {
		t.Errorf("payload lost in round trip: %v", got.Payload)
	}

	if missing, err := b.GetEvent(ctx, "no-such-event"); err != nil || missing != nil {
		t.Errorf("expected nil,nil for unknown id, got %+v, %v", missing, err)
	}
}

func TestRedisBusSubscribe(t *testing.T) {
	b := bus.NewRedisBus(newRedisClient(t), testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentID := "sub-" + uuid.New().String()
	events := b.Subscribe(ctx, agentID)
	// The stream reader starts at the tail; let it attach first.
	time.Sleep(200 * time.Millisecond)

	sent := &bus.Event{
		Type:    bus.EventMessage,
		ToAgent: agentID,
		Payload: map[string]interface{}{"text": "hello"},
	}
	if err := b.Publish(context.Background(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.ID != sent.ID {
			t.Errorf("got event %s, want %s", got.ID, sent.ID)
		}
		if got.Payload["text"] != "hello" {
			t.Errorf("unexpected payload: %v", got.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return // channel closed after cancellation
			}
		case <-deadline:
			t.Fatal("channel never closed after cancel")
		}
	}
}

func TestRedisBusBroadcast(t *testing.T) {
	b := bus.NewRedisBus(newRedisClient(t), testLogger)
	ctx := context.Background()

	ev := &bus.Event{Type: bus.EventContextUpdate, FromAgent: "alpha"}
	if err := b.Broadcast(ctx, "session-x", ev); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if ev.SessionID != "session-x" {
		t.Errorf("broadcast should stamp the session id, got %q", ev.SessionID)
	}
}
