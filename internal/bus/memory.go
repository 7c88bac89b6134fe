package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus for tests and single-process deployments.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan *Event // agentID -> subscriber channels
	events  map[string]*Event        // id -> record
	history []*Event
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]chan *Event),
		events: make(map[string]*Event),
	}
}

// Publish records the event and delivers it to ToAgent subscribers.
func (b *MemoryBus) Publish(_ context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Delivery happens under the same lock that guards unsubscribe, so a
	// channel can never be closed between the snapshot and the send. The
	// sends are non-blocking, so holding the lock is cheap.
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ev.ID] = ev
	b.history = append(b.history, ev)
	for _, ch := range b.subs[ev.ToAgent] {
		select {
		case ch <- ev:
		default: // drop on full buffer rather than block the publisher
		}
	}
	return nil
}

// Broadcast records the event without per-agent delivery.
func (b *MemoryBus) Broadcast(_ context.Context, sessionID string, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.SessionID = sessionID

	b.mu.Lock()
	b.events[ev.ID] = ev
	b.history = append(b.history, ev)
	b.mu.Unlock()
	return nil
}

// Subscribe streams events addressed to an agent until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, agentID string) <-chan *Event {
	ch := make(chan *Event, 16)

	b.mu.Lock()
	b.subs[agentID] = append(b.subs[agentID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Remove and close under one critical section; once the lock is
		// released no publisher can still hold a reference to ch.
		b.mu.Lock()
		chans := b.subs[agentID]
		for i, c := range chans {
			if c == ch {
				b.subs[agentID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// GetEvent fetches a previously published event by id.
func (b *MemoryBus) GetEvent(_ context.Context, id string) (*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events[id], nil
}

// History returns all events seen so far, in publish order.
func (b *MemoryBus) History() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Event(nil), b.history...)
}
