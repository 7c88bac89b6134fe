// Package api exposes the coordination engine over a thin REST surface.
// No authentication: callers are assumed pre-authorized.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/coordinator"
	"github.com/nidhogg/hivemind/internal/correction"
	"github.com/nidhogg/hivemind/internal/queue"
	"github.com/nidhogg/hivemind/internal/subagent"
	"github.com/nidhogg/hivemind/internal/tool"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queue     *queue.Queue
	coord     *coordinator.Coordinator
	subagents *subagent.Manager
	tools     *tool.Registry
	exec      *correction.Executor
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(q *queue.Queue, coord *coordinator.Coordinator, mgr *subagent.Manager, tools *tool.Registry, exec *correction.Executor, logger *zap.Logger) *Handler {
	return &Handler{queue: q, coord: coord, subagents: mgr, tools: tools, exec: exec, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/tasks", h.enqueueTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/sessions/{session}/tasks/pending", h.pendingTasks)
		r.Get("/sessions/{session}/tasks/active", h.activeTasks)

		r.Post("/sessions/{session}/agents", h.registerAgent)
		r.Delete("/sessions/{session}/agents/{id}", h.unregisterAgent)
		r.Get("/sessions/{session}/agents", h.listAgents)
		r.Post("/sessions/{session}/delegate", h.delegateTask)

		r.Get("/sessions/{session}/context", h.getSharedContext)
		r.Post("/sessions/{session}/context", h.updateSharedContext)

		r.Get("/subagents/{id}/summary", h.subagentSummary)

		r.Get("/tools", h.listTools)
		r.Post("/tools/execute", h.executeTool)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	SessionID     string `json:"session_id"`
	ParentAgentID string `json:"parent_agent_id"`
	Role          string `json:"role"`
	Description   string `json:"description"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	Background    bool   `json:"background,omitempty"`
	Priority      string `json:"priority,omitempty"`
}

func (h *Handler) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SessionID == "" || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and description are required"})
		return
	}

	task, err := h.queue.Enqueue(r.Context(), queue.EnqueueParams{
		SessionID:     req.SessionID,
		ParentAgentID: req.ParentAgentID,
		Role:          req.Role,
		Description:   req.Description,
		SystemPrompt:  req.SystemPrompt,
		Background:    req.Background,
		Priority:      queue.Priority(req.Priority),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if wait := r.URL.Query().Get("wait"); wait != "" {
		timeout, err := time.ParseDuration(wait)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wait duration"})
			return
		}
		task, err := h.queue.WaitForCompletion(r.Context(), id, timeout, 0)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if task == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	task, err := h.queue.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.queue.CancelTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *Handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := h.queue.GetPendingTasks(r.Context(), session, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) activeTasks(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	tasks, err := h.queue.GetActiveTasks(r.Context(), session)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type registerAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" || req.Role == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id and role are required"})
		return
	}
	h.coord.RegisterAgent(r.Context(), session, req.AgentID, req.Role, req.Capabilities)
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": req.AgentID})
}

func (h *Handler) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	id := chi.URLParam(r, "id")
	h.coord.UnregisterAgent(r.Context(), session, id)
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	writeJSON(w, http.StatusOK, h.coord.ListAgents(session))
}

type delegateRequest struct {
	FromAgent       string                 `json:"from_agent"`
	ToRole          string                 `json:"to_role"`
	TaskDescription string                 `json:"task_description"`
	Context         map[string]interface{} `json:"context,omitempty"`
	CallbackEvent   string                 `json:"callback_event,omitempty"`
}

func (h *Handler) delegateTask(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	eventID, err := h.coord.DelegateTask(r.Context(), coordinator.DelegateParams{
		SessionID:       session,
		FromAgent:       req.FromAgent,
		ToRole:          req.ToRole,
		TaskDescription: req.TaskDescription,
		Context:         req.Context,
		CallbackEvent:   req.CallbackEvent,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if eventID == "" {
		// No idle agent of that role: a normal outcome, not an error.
		writeJSON(w, http.StatusOK, map[string]interface{}{"delegated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delegated": true, "event_id": eventID})
}

func (h *Handler) getSharedContext(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	writeJSON(w, http.StatusOK, h.coord.GetSharedContext(session))
}

type contextUpdateRequest struct {
	AgentID string                 `json:"agent_id"`
	Data    map[string]interface{} `json:"data"`
}

func (h *Handler) updateSharedContext(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req contextUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.coord.UpdateSharedContext(r.Context(), session, req.AgentID, req.Data); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.coord.GetSharedContext(session))
}

func (h *Handler) subagentSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, ok := h.subagents.SummaryForParent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subagent not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tools": h.tools.Names()})
}

type executeToolRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (h *Handler) executeTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tool is required"})
		return
	}
	res := h.exec.Execute(r.Context(), req.Tool, req.Arguments, req.Context)
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
