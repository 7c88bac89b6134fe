// Package bus carries typed events between agents. Each agent has its own
// event feed; sessions additionally have a broadcast feed. Event records are
// kept in the shared store so a reply can reference the original request by
// id even when it is observed by a different process.
package bus

import (
	"context"
	"time"
)

// EventType identifies the kind of agent event.
type EventType string

const (
	EventTaskRequest   EventType = "task_request"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventContextUpdate EventType = "context_update"
	EventAgentBusy     EventType = "agent_busy"
	EventAgentIdle     EventType = "agent_idle"
	EventMessage       EventType = "message"
)

// Event is a message passed between agents in a session.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"event_type"`
	SessionID string                 `json:"session_id"`
	FromAgent string                 `json:"from_agent"`
	ToAgent   string                 `json:"to_agent,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Bus publishes and delivers agent events.
type Bus interface {
	// Publish delivers an event to its ToAgent feed and records it by id.
	Publish(ctx context.Context, ev *Event) error
	// Broadcast delivers an event to a session's broadcast feed.
	Broadcast(ctx context.Context, sessionID string, ev *Event) error
	// Subscribe streams events addressed to an agent until ctx is cancelled.
	Subscribe(ctx context.Context, agentID string) <-chan *Event
	// GetEvent fetches a previously published event by id, or nil if expired.
	GetEvent(ctx context.Context, id string) (*Event, error)
}
