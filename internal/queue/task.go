package queue

import (
	"fmt"
	"time"
)

// Status represents the state of a queued task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true once a task can no longer change state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions defines allowed state transitions. Transitions are
// one-directional: once terminal, a task never moves again.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Priority orders tasks within a session's pending set.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// baseScore maps priority to its sort-score base. Lower scores dequeue first.
func (p Priority) baseScore() float64 {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// scoreEpoch anchors the tie-break fraction. Measuring from a recent fixed
// point keeps the microsecond term large relative to float64 resolution at
// scores near the priority bases; measured from the Unix epoch it would
// vanish and same-priority tasks enqueued within tens of microseconds would
// collide to equal scores.
var scoreEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// sortScore combines the priority base with a sub-integer time fraction so
// that equal priorities dequeue in submission order. The fraction stays
// below 1 until roughly 2057, so priorities never interleave, and one
// microsecond contributes 1e-9, far above the ulp of a score near 3.
func sortScore(p Priority, at time.Time) float64 {
	return p.baseScore() + float64(at.Sub(scoreEpoch).Microseconds())/1e15
}

// Task is a unit of subagent work queued within a session.
type Task struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParentAgentID   string     `json:"parent_agent_id"`
	Role            string     `json:"role"`
	Description     string     `json:"description"`
	SystemPrompt    string     `json:"system_prompt,omitempty"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	Background      bool       `json:"background"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	WorkerID        string     `json:"assigned_worker_id,omitempty"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
}

// Update is the payload published on the shared update channel for every
// task lifecycle transition.
type Update struct {
	Event           string    `json:"event"`
	TaskID          string    `json:"task_id"`
	SessionID       string    `json:"session_id"`
	ParentAgentID   string    `json:"parent_agent_id"`
	Role            string    `json:"role"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
