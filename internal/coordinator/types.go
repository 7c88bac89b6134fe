package coordinator

import "time"

// AgentStatus tracks an agent's availability.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// taskPreviewLimit bounds the CurrentTask string on AgentInfo.
const taskPreviewLimit = 100

// AgentInfo describes a live agent within a session. The in-process registry
// is a cache; the event stream is what keeps multiple coordinator instances
// consistent.
type AgentInfo struct {
	AgentID      string      `json:"agent_id"`
	Role         string      `json:"role"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

// SharedContext is the session-wide key/value data agents contribute to.
// Last writer wins per key.
type SharedContext struct {
	SessionID          string                 `json:"session_id"`
	Data               map[string]interface{} `json:"data"`
	ContributingAgents []string               `json:"contributing_agents"`
	LastUpdated        time.Time              `json:"last_updated"`
}

func newSharedContext(sessionID string) *SharedContext {
	return &SharedContext{
		SessionID: sessionID,
		Data:      make(map[string]interface{}),
	}
}

func (sc *SharedContext) merge(agentID string, data map[string]interface{}) {
	for k, v := range data {
		sc.Data[k] = v
	}
	for _, id := range sc.ContributingAgents {
		if id == agentID {
			agentID = ""
			break
		}
	}
	if agentID != "" {
		sc.ContributingAgents = append(sc.ContributingAgents, agentID)
	}
	sc.LastUpdated = time.Now()
}
