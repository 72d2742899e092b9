package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swarmgate/swarmgate/pkg/agent"
	"github.com/swarmgate/swarmgate/pkg/engine"
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/recovery"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOptional decodes a JSON body, treating an empty body as zero values.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// backendStatus decorates registry info with the router's live view.
type backendStatus struct {
	llms.BackendInfo
	Failures    int  `json:"failures"`
	CircuitOpen bool `json:"circuit_open"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	infos := s.backends.List()
	out := make([]backendStatus, 0, len(infos))
	for _, info := range infos {
		failures, open := s.router.State(info.Name)
		out = append(out, backendStatus{BackendInfo: info, Failures: failures, CircuitOpen: open})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": out})
}

type registerRequest struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}
	if req.Role == "" {
		req.Role = string(tools.RoleWorker)
	}

	now := time.Now()
	s.mu.Lock()
	s.agents[req.ID] = &RegisteredAgent{
		ID:            req.ID,
		Role:          req.Role,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "role": req.Role})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	a, ok := s.agents[id]
	if ok {
		a.LastHeartbeat = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent '%s'", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	SessionID    string   `json:"session_id,omitempty"`
	Message      string   `json:"message"`
	Images       []string `json:"images,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Role         string   `json:"role,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Stateless    bool     `json:"stateless,omitempty"`
}

// handleChat streams agent events over SSE until the turn ends.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}

	session, err := s.resolveSession(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", session.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	parts := []llms.ContentPart{{Type: llms.ContentPartTypeText, Text: req.Message}}
	for _, img := range req.Images {
		parts = append(parts, llms.ContentPart{Type: llms.ContentPartTypeImageURL, URL: img})
	}

	session.ResetCancel()
	for event := range s.driver.Run(r.Context(), session, parts) {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) resolveSession(req *chatRequest) (*agent.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.SessionID != "" {
		session, ok := s.sessions[req.SessionID]
		if !ok {
			return nil, fmt.Errorf("unknown session '%s'", req.SessionID)
		}
		return session, nil
	}

	mode, err := tools.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	role := tools.RoleWorker
	switch req.Role {
	case "", string(tools.RoleWorker):
	case string(tools.RoleLeader):
		role = tools.RoleLeader
	default:
		return nil, fmt.Errorf("unknown agent role '%s'", req.Role)
	}

	session := agent.NewSession(req.SystemPrompt, mode, role)
	session.Stateless = req.Stateless
	s.sessions[session.ID] = session
	return session, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")

	s.mu.Lock()
	session, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session '%s'", id))
		return
	}
	session.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var report engine.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	feedback, err := s.engine.HandleReport(r.Context(), report)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, feedback)
}

type interruptAnswer struct {
	Value string `json:"value"`
}

func (s *Server) handleInterruptAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req interruptAnswer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.broker.Answer(id, req.Value); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type pauseRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// parsePauseReason enforces the closed reason set; empty means user_request.
func parsePauseReason(s string) (recovery.PauseReason, error) {
	switch recovery.PauseReason(s) {
	case "":
		return recovery.ReasonUserRequest, nil
	case recovery.ReasonUserRequest, recovery.ReasonErrorThreshold, recovery.ReasonRateLimit,
		recovery.ReasonManualReview, recovery.ReasonDependencyBlocked, recovery.ReasonSystemMaintenance:
		return recovery.PauseReason(s), nil
	default:
		return "", fmt.Errorf("unknown pause reason '%s'", s)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pauseRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	reason, err := parsePauseReason(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := s.recovery.Pause(id, reason, req.Message)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.recovery.Resume(id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	reason, err := parsePauseReason(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	count := s.recovery.PauseAll(reason, req.Message)
	writeJSON(w, http.StatusOK, map[string]int{"paused": count})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	count := s.recovery.ResumeAll()
	writeJSON(w, http.StatusOK, map[string]int{"resumed": count})
}

type checkpointRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req checkpointRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	cp, err := s.recovery.Checkpoint(id, "admin", req.Reason)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	checkpointID := chi.URLParam(r, "checkpoint")

	if err := s.recovery.Restore(taskID, checkpointID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "checkpoint": checkpointID})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	subtaskID := chi.URLParam(r, "subtask")

	if err := s.recovery.RollbackSubtask(taskID, subtaskID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "subtask": subtaskID})
}

type invalidateRequest struct {
	Backend string `json:"backend,omitempty"`
}

func (s *Server) handleInvalidateHealth(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if req.Backend == "" {
		s.router.InvalidateAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "scope": "all"})
		return
	}
	s.router.Invalidate(req.Backend)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "scope": req.Backend})
}
