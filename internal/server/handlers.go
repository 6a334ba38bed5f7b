package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"memscreen/internal/core"
	"memscreen/internal/memerr"
	"memscreen/internal/memory"
)

type addRequest struct {
	Messages   []memory.Message `json:"messages"`
	UserID     string           `json:"user_id"`
	AgentID    string           `json:"agent_id"`
	RunID      string           `json:"run_id"`
	ActorID    string           `json:"actor_id"`
	Category   string           `json:"category"`
	Metadata   map[string]any   `json:"metadata"`
	Infer      *bool            `json:"infer"`
	MemoryType string           `json:"memory_type"`
}

type searchRequest struct {
	Query     string         `json:"query"`
	ImagePath string         `json:"image_path"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id"`
	RunID     string         `json:"run_id"`
	Filters   map[string]any `json:"filters"`
	Limit     int            `json:"limit"`
}

type updateRequest struct {
	Data    string `json:"data"`
	ActorID string `json:"actor_id"`
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	RunID   string `json:"run_id"`
}

// chatChunk is one line of the streaming chat response. The final line
// carries done=true; an error line precedes it when the stream fails.
type chatChunk struct {
	Chunk string `json:"chunk,omitempty"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}

	opts := []memory.Option{
		memory.WithScope(core.ScopeIDs{UserID: req.UserID, AgentID: req.AgentID, RunID: req.RunID}),
		memory.WithActorID(req.ActorID),
		memory.WithCategory(core.Category(req.Category)),
		memory.WithMetadata(req.Metadata),
		memory.WithMemoryType(req.MemoryType),
	}
	if req.Infer != nil {
		opts = append(opts, memory.WithInfer(*req.Infer))
	}

	res, err := s.engine.Add(r.Context(), req.Messages, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}

	items, err := s.engine.Search(r.Context(), req.Query,
		memory.WithScope(core.ScopeIDs{UserID: req.UserID, AgentID: req.AgentID, RunID: req.RunID}),
		memory.WithFilters(core.Filters(req.Filters)),
		memory.WithLimit(req.Limit),
		memory.WithImagePath(req.ImagePath))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := s.engine.GetAll(r.Context(),
		memory.WithScope(scopeFromQuery(r)),
		memory.WithLimit(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}

	rec, err := s.engine.Update(r.Context(), chi.URLParam(r, "id"), req.Data,
		memory.WithActorID(req.ActorID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.DeleteAll(r.Context(), memory.WithScope(scopeFromQuery(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}

// handleChat streams the answer as line-delimited JSON. Validation happens
// before the first byte goes out; past that point failures ride an error
// line instead of a status code.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	scope := core.ScopeIDs{UserID: req.UserID, AgentID: req.AgentID, RunID: req.RunID}
	if scope.Empty() {
		s.badRequest(w, "at least one of user_id, agent_id, run_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.badRequest(w, "message is required")
		return
	}

	chunks, errs := s.engine.ChatStream(r.Context(), req.Message, memory.WithScope(scope))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for chunk := range chunks {
		_ = enc.Encode(chatChunk{Chunk: chunk})
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := <-errs; err != nil {
		_ = enc.Encode(chatChunk{Error: err.Error()})
	}
	_ = enc.Encode(chatChunk{Done: true})
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func scopeFromQuery(r *http.Request) core.ScopeIDs {
	q := r.URL.Query()
	return core.ScopeIDs{
		UserID:  q.Get("user_id"),
		AgentID: q.Get("agent_id"),
		RunID:   q.Get("run_id"),
	}
}

// statusFor maps error kinds onto HTTP status codes: caller mistakes are
// 4xx, backend trouble is 502/503, anything else is a 500.
func statusFor(err error) int {
	switch {
	case memerr.IsScope(err) || memerr.IsConfig(err):
		return http.StatusBadRequest
	case memerr.IsNotFound(err):
		return http.StatusNotFound
	case memerr.IsUpstream(err) || memerr.IsDimension(err):
		return http.StatusBadGateway
	case memerr.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
