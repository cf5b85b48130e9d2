package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, sessions.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionActive),
		errors.Is(err, tasks.ErrTerminal):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventJSON struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Type           string             `json:"type"`
	Timestamp      string             `json:"timestamp"`
	Source         events.EventSource `json:"source"`
	Payload        map[string]any     `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	conv := r.URL.Query().Get("conversation_id")

	result := make([]eventJSON, 0, limit)
	if s.bus != nil {
		for _, e := range s.bus.History(limit) {
			if conv != "" && e.ConversationID != conv {
				continue
			}
			result = append(result, eventJSON{
				ID:             e.ID,
				ConversationID: e.ConversationID,
				Type:           string(e.Type),
				Timestamp:      e.Timestamp.Format(time.RFC3339Nano),
				Source:         e.Source,
				Payload:        e.Payload,
			})
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Sessions      sessions.Statistics `json:"sessions"`
	WSClients     int                 `json:"ws_clients"`
	DroppedEvents int64               `json:"dropped_events"`
}

// Stats returns a point-in-time snapshot, also used for the heartbeat file.
func (s *Server) Stats() Stats {
	st := Stats{
		Sessions:  s.orch.Sessions().Statistics(),
		WSClients: s.hub.ClientCount(),
	}
	if s.bus != nil {
		st.DroppedEvents = s.bus.Dropped()
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archived") == "true" {
		if s.archive == nil {
			writeJSON(w, http.StatusOK, []sessions.Info{})
			return
		}
		list, err := s.archive.List()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Sessions().List())
}

type startSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	Message        string `json:"message"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" && req.AgentName != "" {
		a, err := s.agents.FindByName(req.ConversationID, req.AgentName)
		if err != nil {
			writeError(w, err)
			return
		}
		req.AgentID = a.ID
	}

	session, err := s.orch.SubmitRoot(r.Context(), req.ConversationID, req.AgentID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.orch.SessionInfo(id)
	if err == nil {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if s.archive != nil && errors.Is(err, sessions.ErrSessionNotFound) {
		if archived, aerr := s.archive.Get(id); aerr == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	writeError(w, err)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.orch.CancelSession(r.Context(), id, r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type submitTaskRequest struct {
	TargetAgentID string `json:"target_agent_id"`
	TargetName    string `json:"target_name"`
	CallerAgentID string `json:"caller_agent_id"`
	ParentTaskID  string `json:"parent_task_id"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	var req submitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prio, ok := tasks.ParsePriority(req.Priority)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid priority: " + req.Priority})
		return
	}
	if req.TargetAgentID == "" && req.TargetName != "" {
		a, err := s.agents.FindByName(conv, req.TargetName)
		if err != nil {
			writeError(w, err)
			return
		}
		req.TargetAgentID = a.ID
	}

	t, err := s.orch.SubmitSubTask(r.Context(), orchestrator.SubTaskRequest{
		ConversationID: conv,
		ParentTaskID:   req.ParentTaskID,
		CallerAgentID:  req.CallerAgentID,
		TargetAgentID:  req.TargetAgentID,
		Description:    req.Description,
		Priority:       prio,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.orch.TaskStatus(r.Context(), t.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// =============================================================================
// TASKS
// =============================================================================

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.tasks.List(tasks.ListFilter{
		Status:         tasks.TaskStatus(q.Get("status")),
		ConversationID: q.Get("conversation_id"),
		AgentID:        q.Get("agent_id"),
		ParentID:       q.Get("parent_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

type taskDetail struct {
	Task        *tasks.Task        `json:"task"`
	View        tasks.StatusView   `json:"view"`
	Transitions []tasks.Transition `json:"transitions"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.tasks.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.orch.TaskStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	transitions, err := s.tasks.LoadTransitions(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: t, View: view, Transitions: transitions})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.CancelTask(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// AGENTS
// =============================================================================

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	views, err := s.orch.ActiveAgents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSeedAgents(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	var body struct {
		Agents []agents.Definition `json:"agents"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	for _, d := range body.Agents {
		if d.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent definition without name"})
			return
		}
	}
	created, err := agents.Seed(s.agents, conv, body.Agents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
