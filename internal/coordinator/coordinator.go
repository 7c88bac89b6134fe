// Package coordinator maintains the session-wide registry of live agents,
// routes delegated tasks to idle agents, tracks shared cross-agent context,
// and delivers completion/failure callbacks.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/bus"
)

type sessionState struct {
	agents map[string]*AgentInfo
	order  []string // registration order, scanned for availability
	shared *SharedContext
}

type callback struct {
	fromAgent string
	event     string
}

// Coordinator routes work between agents in a session.
type Coordinator struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	callbacks map[string]callback // delegation event id -> callback
	subs      map[string]context.CancelFunc

	bus    bus.Bus
	logger *zap.Logger
}

// New creates a coordinator over the given event bus.
func New(b bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sessions:  make(map[string]*sessionState),
		callbacks: make(map[string]callback),
		subs:      make(map[string]context.CancelFunc),
		bus:       b,
		logger:    logger,
	}
}

func (c *Coordinator) session(sessionID string) *sessionState {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{
			agents: make(map[string]*AgentInfo),
			shared: newSharedContext(sessionID),
		}
		c.sessions[sessionID] = s
	}
	return s
}

// RegisterAgent adds an agent to the session registry, subscribes to its
// event feed, and broadcasts its online status.
func (c *Coordinator) RegisterAgent(ctx context.Context, sessionID, agentID, roleName string, capabilities []string) {
	c.mu.Lock()
	s := c.session(sessionID)
	if _, exists := s.agents[agentID]; !exists {
		s.order = append(s.order, agentID)
	}
	s.agents[agentID] = &AgentInfo{
		AgentID:      agentID,
		Role:         roleName,
		Status:       AgentIdle,
		LastActivity: time.Now(),
		Capabilities: capabilities,
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if old, ok := c.subs[subKey(sessionID, agentID)]; ok {
		old()
	}
	c.subs[subKey(sessionID, agentID)] = cancel
	c.mu.Unlock()

	events := c.bus.Subscribe(subCtx, agentID)
	go func() {
		for ev := range events {
			c.handleAgentEvent(subCtx, ev)
		}
	}()

	c.broadcastStatus(ctx, sessionID, agentID, "online")
	c.logger.Info("agent registered",
		zap.String("session", sessionID),
		zap.String("agent", agentID),
		zap.String("role", roleName))
}

// UnregisterAgent removes an agent from the registry, stops its event feed,
// and broadcasts its offline status.
func (c *Coordinator) UnregisterAgent(ctx context.Context, sessionID, agentID string) {
	c.mu.Lock()
	s := c.session(sessionID)
	delete(s.agents, agentID)
	for i, id := range s.order {
		if id == agentID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if cancel, ok := c.subs[subKey(sessionID, agentID)]; ok {
		cancel()
		delete(c.subs, subKey(sessionID, agentID))
	}
	c.mu.Unlock()

	c.broadcastStatus(ctx, sessionID, agentID, "offline")
	c.logger.Info("agent unregistered",
		zap.String("session", sessionID),
		zap.String("agent", agentID))
}

// GetAgent returns a copy of the registry entry for an agent.
func (c *Coordinator) GetAgent(sessionID, agentID string) (*AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.session(sessionID).agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// ListAgents returns the session's agents in registration order.
func (c *Coordinator) ListAgents(sessionID string) []*AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session(sessionID)
	out := make([]*AgentInfo, 0, len(s.order))
	for _, id := range s.order {
		if info, ok := s.agents[id]; ok {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out
}

// GetAvailableAgent returns the first idle agent matching the role, scanned
// in registration order. No fairness beyond insertion order is provided.
func (c *Coordinator) GetAvailableAgent(sessionID, roleName string) *AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session(sessionID)
	for _, id := range s.order {
		info, ok := s.agents[id]
		if ok && info.Role == roleName && info.Status == AgentIdle {
			cp := *info
			return &cp
		}
	}
	return nil
}

// DelegateParams describes a direct role-to-role handoff.
type DelegateParams struct {
	SessionID       string
	FromAgent       string
	ToRole          string
	TaskDescription string
	Context         map[string]interface{}
	CallbackEvent   string
}

// DelegateTask hands a task to an idle agent of the requested role. When no
// agent is available it logs and returns an empty id; delegation failure is
// a normal outcome the caller must handle, not an error.
func (c *Coordinator) DelegateTask(ctx context.Context, p DelegateParams) (string, error) {
	eventID := uuid.New().String()

	// Select and claim under one critical section so two concurrent
	// delegations cannot both pick the same idle agent.
	c.mu.Lock()
	var target *AgentInfo
	s := c.session(p.SessionID)
	for _, id := range s.order {
		info, ok := s.agents[id]
		if ok && info.Role == p.ToRole && info.Status == AgentIdle {
			info.Status = AgentBusy
			info.CurrentTask = truncate(p.TaskDescription, taskPreviewLimit)
			info.LastActivity = time.Now()
			cp := *info
			target = &cp
			break
		}
	}
	if target != nil && p.CallbackEvent != "" {
		c.callbacks[eventID] = callback{fromAgent: p.FromAgent, event: p.CallbackEvent}
	}
	c.mu.Unlock()

	if target == nil {
		c.logger.Info("no available agent for delegation",
			zap.String("session", p.SessionID),
			zap.String("role", p.ToRole))
		return "", nil
	}

	ev := &bus.Event{
		ID:        eventID,
		Type:      bus.EventTaskRequest,
		SessionID: p.SessionID,
		FromAgent: p.FromAgent,
		ToAgent:   target.AgentID,
		Payload: map[string]interface{}{
			"task":    p.TaskDescription,
			"context": p.Context,
		},
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("publish task request: %w", err)
	}

	c.logger.Info("task delegated",
		zap.String("event", eventID),
		zap.String("from", p.FromAgent),
		zap.String("to", target.AgentID),
		zap.String("role", p.ToRole))
	return eventID, nil
}

// CompleteTask reports a delegated task finished: the executing agent goes
// back to idle, a typed reply is sent to the requester, and any registered
// callback fires.
func (c *Coordinator) CompleteTask(ctx context.Context, sessionID, agentID, eventID, result string) error {
	return c.resolveTask(ctx, sessionID, agentID, eventID, bus.EventTaskCompleted, result)
}

// FailTask reports a delegated task failed.
func (c *Coordinator) FailTask(ctx context.Context, sessionID, agentID, eventID, errMsg string) error {
	return c.resolveTask(ctx, sessionID, agentID, eventID, bus.EventTaskFailed, errMsg)
}

func (c *Coordinator) resolveTask(ctx context.Context, sessionID, agentID, eventID string, evType bus.EventType, detail string) error {
	c.setAgentStatus(sessionID, agentID, AgentIdle, "")

	orig, err := c.bus.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("fetch delegation event %s: %w", eventID, err)
	}
	if orig != nil {
		reply := &bus.Event{
			Type:      evType,
			SessionID: sessionID,
			FromAgent: agentID,
			ToAgent:   orig.FromAgent,
			Payload: map[string]interface{}{
				"request_id": eventID,
				"detail":     detail,
			},
		}
		if err := c.bus.Publish(ctx, reply); err != nil {
			return fmt.Errorf("publish reply: %w", err)
		}
	}

	c.notifyCallback(ctx, sessionID, agentID, eventID, evType, detail)
	return nil
}

// handleAgentEvent applies events observed on agent feeds. Completion events
// seen here repeat the same pop-and-notify path as the direct calls, so the
// coordinator stays consistent when a completion is observed indirectly. The
// callback pop is atomic and a second pop is a no-op.
func (c *Coordinator) handleAgentEvent(ctx context.Context, ev *bus.Event) {
	switch ev.Type {
	case bus.EventTaskCompleted, bus.EventTaskFailed:
		requestID, _ := ev.Payload["request_id"].(string)
		detail, _ := ev.Payload["detail"].(string)
		if requestID != "" {
			c.notifyCallback(ctx, ev.SessionID, ev.FromAgent, requestID, ev.Type, detail)
		}
	case bus.EventContextUpdate:
		data, _ := ev.Payload["data"].(map[string]interface{})
		if data != nil {
			c.mu.Lock()
			c.session(ev.SessionID).shared.merge(ev.FromAgent, data)
			c.mu.Unlock()
		}
	case bus.EventAgentBusy:
		task, _ := ev.Payload["task"].(string)
		c.setAgentStatus(ev.SessionID, ev.FromAgent, AgentBusy, truncate(task, taskPreviewLimit))
	case bus.EventAgentIdle:
		c.setAgentStatus(ev.SessionID, ev.FromAgent, AgentIdle, "")
	}
}

// notifyCallback pops the callback registered for a delegation event, if any,
// and notifies the originating agent with a human-readable message. The
// remove-and-return is atomic, so duplicate delivery is harmless.
func (c *Coordinator) notifyCallback(ctx context.Context, sessionID, agentID, eventID string, evType bus.EventType, detail string) {
	c.mu.Lock()
	cb, ok := c.callbacks[eventID]
	if ok {
		delete(c.callbacks, eventID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var text string
	if evType == bus.EventTaskCompleted {
		text = fmt.Sprintf("Task %s completed by %s: %s", eventID, agentID, detail)
	} else {
		text = fmt.Sprintf("Task %s failed (agent %s): %s", eventID, agentID, detail)
	}

	ev := &bus.Event{
		Type:      bus.EventMessage,
		SessionID: sessionID,
		FromAgent: agentID,
		ToAgent:   cb.fromAgent,
		Payload: map[string]interface{}{
			"callback_event": cb.event,
			"message":        text,
		},
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("callback notification failed",
			zap.String("event", eventID),
			zap.Error(err))
	}
}

// GetSharedContext returns the session's shared context, created on first
// access.
func (c *Coordinator) GetSharedContext(sessionID string) *SharedContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.session(sessionID).shared
	cp := *sc
	cp.Data = make(map[string]interface{}, len(sc.Data))
	for k, v := range sc.Data {
		cp.Data[k] = v
	}
	cp.ContributingAgents = append([]string(nil), sc.ContributingAgents...)
	return &cp
}

// UpdateSharedContext merges data into the session's shared context and
// broadcasts the update so other coordinator instances converge.
func (c *Coordinator) UpdateSharedContext(ctx context.Context, sessionID, agentID string, data map[string]interface{}) error {
	c.mu.Lock()
	c.session(sessionID).shared.merge(agentID, data)
	c.mu.Unlock()

	ev := &bus.Event{
		Type:      bus.EventContextUpdate,
		SessionID: sessionID,
		FromAgent: agentID,
		Payload:   map[string]interface{}{"data": data},
	}
	if err := c.bus.Broadcast(ctx, sessionID, ev); err != nil {
		return fmt.Errorf("broadcast context update: %w", err)
	}
	return nil
}

func (c *Coordinator) setAgentStatus(sessionID, agentID string, status AgentStatus, task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.session(sessionID).agents[agentID]; ok {
		info.Status = status
		info.CurrentTask = task
		info.LastActivity = time.Now()
	}
}

func (c *Coordinator) broadcastStatus(ctx context.Context, sessionID, agentID, status string) {
	ev := &bus.Event{
		Type:      bus.EventMessage,
		SessionID: sessionID,
		FromAgent: agentID,
		Payload:   map[string]interface{}{"status": status},
	}
	if err := c.bus.Broadcast(ctx, sessionID, ev); err != nil {
		c.logger.Warn("status broadcast failed",
			zap.String("agent", agentID),
			zap.Error(err))
	}
}

func subKey(sessionID, agentID string) string {
	return sessionID + "/" + agentID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
