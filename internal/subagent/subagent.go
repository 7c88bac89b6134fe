package subagent

import (
	"time"

	"github.com/nidhogg/hivemind/internal/queue"
)

// Subagent is an isolated-context worker spawned by a parent agent to
// perform one bounded task and report back only a summary.
type Subagent struct {
	ID            string       `json:"id"`
	ParentAgentID string       `json:"parent_agent_id"`
	SessionID     string       `json:"session_id"`
	Name          string       `json:"name"`
	Role          string       `json:"role"`
	Task          string       `json:"task"`
	Context       *Context     `json:"context"`
	Status        queue.Status `json:"status"`
	Background    bool         `json:"background"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	ResultSummary string       `json:"result_summary,omitempty"`
	Error         string       `json:"error,omitempty"`
}
