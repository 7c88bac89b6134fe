// Package subagent spawns, isolates, executes, and summarizes subagent
// workers. Each parent agent may hold at most MaxPerParent non-terminal
// subagents; the check and the registration happen under one lock so the cap
// cannot be overshot by concurrent spawns.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/queue"
	"github.com/nidhogg/hivemind/internal/role"
)

// MaxPerParent is the per-parent cap on non-terminal subagents.
const MaxPerParent = 5

// SummaryLimit bounds the result summary passed up to the parent.
const SummaryLimit = 500

var (
	// ErrCapacityExceeded is returned when a parent already has MaxPerParent
	// subagents pending or running.
	ErrCapacityExceeded = errors.New("subagent capacity exceeded")
	// ErrInvalidRole is returned when the requested role is not delegatable.
	ErrInvalidRole = errors.New("role is not delegatable")
)

// ExecuteFunc produces the assistant reply for a subagent's task. The
// subagent's isolated context carries the conversation so far.
type ExecuteFunc func(ctx context.Context, sa *Subagent) (string, error)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the lifecycle of all subagents in a process.
type Manager struct {
	mu        sync.Mutex
	subagents map[string]*Subagent
	runs      map[string]*run

	roles   role.Provider
	execute ExecuteFunc
	budget  int
	logger  *zap.Logger
}

// NewManager creates a subagent manager with an injected executor.
func NewManager(roles role.Provider, execute ExecuteFunc, logger *zap.Logger) *Manager {
	return &Manager{
		subagents: make(map[string]*Subagent),
		runs:      make(map[string]*run),
		roles:     roles,
		execute:   execute,
		budget:    DefaultTokenBudget,
		logger:    logger,
	}
}

// SetTokenBudget overrides the isolated-context budget for new subagents.
func (m *Manager) SetTokenBudget(budget int) { m.budget = budget }

// SpawnParams describes a subagent to spawn.
type SpawnParams struct {
	ParentAgentID string
	SessionID     string
	Role          string
	Task          string
	Background    bool
	SystemPrompt  string
}

// Spawn creates and executes a subagent. Background subagents are scheduled
// on their own goroutine; foreground subagents run to a terminal state before
// Spawn returns. Capacity and role validity are checked up front and surfaced
// as typed errors.
func (m *Manager) Spawn(ctx context.Context, p SpawnParams) (*Subagent, error) {
	delegatable, err := m.roles.IsDelegatable(ctx, p.Role)
	if err != nil {
		return nil, fmt.Errorf("check role %s: %w", p.Role, err)
	}
	if !delegatable {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, p.Role)
	}

	systemPrompt := p.SystemPrompt
	if systemPrompt == "" {
		r, err := m.roles.GetRole(ctx, p.Role)
		if err != nil {
			return nil, fmt.Errorf("get role %s: %w", p.Role, err)
		}
		if r != nil {
			systemPrompt = r.SystemPrompt
		}
	}

	sa := &Subagent{
		ID:            uuid.New().String(),
		ParentAgentID: p.ParentAgentID,
		SessionID:     p.SessionID,
		Name:          fmt.Sprintf("%s-%s", p.Role, shortID()),
		Role:          p.Role,
		Task:          p.Task,
		Context:       NewContext(systemPrompt, m.budget),
		Status:        queue.StatusPending,
		Background:    p.Background,
		CreatedAt:     time.Now(),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.activeCountLocked(p.ParentAgentID) >= MaxPerParent {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: parent %s already has %d active subagents",
			ErrCapacityExceeded, p.ParentAgentID, MaxPerParent)
	}
	m.subagents[sa.ID] = sa
	m.runs[sa.ID] = r
	m.mu.Unlock()

	m.logger.Info("subagent spawned",
		zap.String("id", sa.ID),
		zap.String("parent", p.ParentAgentID),
		zap.String("role", p.Role),
		zap.Bool("background", p.Background))

	if p.Background {
		go m.run(runCtx, sa, r)
		return sa, nil
	}
	m.run(runCtx, sa, r)
	return sa, nil
}

// run executes a subagent to a terminal state. No failure escapes this path;
// executor errors and panics become a FAILED status.
func (m *Manager) run(ctx context.Context, sa *Subagent, r *run) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			m.finish(sa, queue.StatusFailed, "", fmt.Sprintf("panic: %v", rec))
		}
	}()

	m.mu.Lock()
	if sa.Status != queue.StatusPending {
		// Cancelled before it started.
		m.mu.Unlock()
		return
	}
	now := time.Now()
	sa.Status = queue.StatusRunning
	sa.StartedAt = &now
	sa.Context.Append("user", sa.Task)
	m.mu.Unlock()

	reply, err := m.execute(ctx, sa)
	if err != nil {
		status := queue.StatusFailed
		if ctx.Err() != nil {
			status = queue.StatusCancelled
		}
		m.finish(sa, status, "", err.Error())
		return
	}

	m.mu.Lock()
	sa.Context.Append("assistant", reply)
	m.mu.Unlock()
	m.finish(sa, queue.StatusCompleted, truncate(reply, SummaryLimit), "")
}

func (m *Manager) finish(sa *Subagent, status queue.Status, summary, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sa.Status.IsTerminal() {
		return
	}
	now := time.Now()
	sa.Status = status
	sa.CompletedAt = &now
	sa.ResultSummary = summary
	sa.Error = errMsg

	switch status {
	case queue.StatusFailed:
		m.logger.Warn("subagent failed",
			zap.String("id", sa.ID),
			zap.String("error", errMsg))
	default:
		m.logger.Info("subagent finished",
			zap.String("id", sa.ID),
			zap.String("status", string(status)))
	}
}

// Get returns a subagent by id.
func (m *Manager) Get(id string) (*Subagent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.subagents[id]
	return sa, ok
}

// ListByParent returns all registered subagents for a parent agent.
func (m *Manager) ListByParent(parentID string) []*Subagent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subagent
	for _, sa := range m.subagents {
		if sa.ParentAgentID == parentID {
			out = append(out, sa)
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal subagents for a parent.
func (m *Manager) ActiveCount(parentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked(parentID)
}

func (m *Manager) activeCountLocked(parentID string) int {
	n := 0
	for _, sa := range m.subagents {
		if sa.ParentAgentID == parentID && !sa.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Wait blocks until the subagent reaches a terminal state or the timeout
// elapses. On timeout it logs and returns the current record.
func (m *Manager) Wait(id string, timeout time.Duration) (*Subagent, bool) {
	m.mu.Lock()
	sa, ok := m.subagents[id]
	r := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if r == nil {
		return sa, true
	}

	select {
	case <-r.done:
	case <-time.After(timeout):
		m.logger.Warn("wait for subagent timed out",
			zap.String("id", id),
			zap.Duration("timeout", timeout))
	}
	return sa, true
}

// Cancel requests cooperative cancellation of a subagent's run and marks it
// cancelled. An in-flight executor call may not observe the cancellation
// until its next suspension point.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	sa, ok := m.subagents[id]
	r := m.runs[id]
	if !ok || sa.Status.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	m.finish(sa, queue.StatusCancelled, "", "")
	m.logger.Info("subagent cancelled", zap.String("id", id))
	return true
}

// SummaryForParent returns the one-line, status-tagged summary string. It is
// the sole channel through which a parent learns a subagent's outcome.
func (m *Manager) SummaryForParent(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.subagents[id]
	if !ok {
		return "", false
	}
	switch sa.Status {
	case queue.StatusCompleted:
		return fmt.Sprintf("[%s completed] %s", sa.Name, sa.ResultSummary), true
	case queue.StatusFailed:
		return fmt.Sprintf("[%s failed] Error: %s", sa.Name, sa.Error), true
	case queue.StatusCancelled:
		return fmt.Sprintf("[%s cancelled]", sa.Name), true
	default:
		return fmt.Sprintf("[%s running] ...", sa.Name), true
	}
}

// CleanupParent cancels and deregisters every subagent belonging to a parent.
// Used at session or agent teardown.
func (m *Manager) CleanupParent(parentID string) int {
	m.mu.Lock()
	var ids []string
	for id, sa := range m.subagents {
		if sa.ParentAgentID == parentID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}

	m.mu.Lock()
	for _, id := range ids {
		delete(m.subagents, id)
		delete(m.runs, id)
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.logger.Info("cleaned up subagents",
			zap.String("parent", parentID),
			zap.Int("count", len(ids)))
	}
	return len(ids)
}

func shortID() string {
	return uuid.New().String()[:8]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
