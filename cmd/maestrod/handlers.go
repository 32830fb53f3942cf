package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/maestro/internal/engine"
	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/internal/quota"
	"github.com/haasonsaas/maestro/internal/rag"
	"github.com/haasonsaas/maestro/internal/skills"
	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/pkg/models"
)

const maxRequestBody = 1 << 20

// defaultOwnerID applies when a request carries no X-Owner-ID header.
const defaultOwnerID int64 = 1

type apiServer struct {
	engine    *engine.Engine
	store     store.Store
	skills    *skills.Service
	retriever *rag.Retriever
	gate      *quota.Gate
	recorder  *observability.Recorder
	logger    *observability.Logger
}

func newAPIServer(
	eng *engine.Engine,
	st store.Store,
	skillService *skills.Service,
	retriever *rag.Retriever,
	gate *quota.Gate,
	recorder *observability.Recorder,
	logger *observability.Logger,
) *apiServer {
	return &apiServer{
		engine:    eng,
		store:     st,
		skills:    skillService,
		retriever: retriever,
		gate:      gate,
		recorder:  recorder,
		logger:    logger,
	}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /v1/skills", s.handleListSkills)
	mux.HandleFunc("PUT /v1/skills", s.handleUpsertSkill)

	mux.HandleFunc("GET /v1/tool-servers", s.handleListToolServers)
	mux.HandleFunc("PUT /v1/tool-servers", s.handleUpsertToolServer)

	mux.HandleFunc("POST /v1/documents", s.handleIngestDocument)
	mux.HandleFunc("GET /v1/documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)

	mux.HandleFunc("GET /v1/quota", s.handleQuotaSnapshot)
	mux.HandleFunc("GET /v1/metrics/recent", s.handleRecentMetrics)
	mux.HandleFunc("GET /v1/metrics/summary", s.handleMetricsSummary)

	return mux
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req engine.ChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	resp, err := s.engine.Chat(r.Context(), ownerID(r), req)
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *apiServer) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req engine.ChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	events := s.engine.ChatStream(r.Context(), ownerID(r), req)
	sse := engine.NewSSEWriter(w)
	for event := range events {
		if err := sse.Send(event); err != nil {
			s.logger.Warn(r.Context(), "sse write failed", "error", err.Error())
			for range events {
			}
			return
		}
	}
}

func (s *apiServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	convs, err := s.store.ListConversations(r.Context(), ownerID(r), limit)
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *apiServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := ownerID(r)

	conv, err := s.store.GetConversation(r.Context(), owner, id)
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), owner, id, intQuery(r, "limit", 200))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (s *apiServer) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), ownerID(r), r.PathValue("id")); err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *apiServer) handleListSkills(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.skills.List(r.Context(), ownerID(r))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"skills": profiles})
}

func (s *apiServer) handleUpsertSkill(w http.ResponseWriter, r *http.Request) {
	var skill models.Skill
	if !s.decodeBody(w, r, &skill) {
		return
	}
	if strings.TrimSpace(skill.Name) == "" {
		s.jsonError(w, http.StatusBadRequest, "skill name is required")
		return
	}
	skill.OwnerID = ownerID(r)

	if err := s.store.UpsertSkill(r.Context(), &skill); err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, &skill)
}

func (s *apiServer) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListToolServers(r.Context(), ownerID(r))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tool_servers": servers})
}

func (s *apiServer) handleUpsertToolServer(w http.ResponseWriter, r *http.Request) {
	var server models.ToolServer
	if !s.decodeBody(w, r, &server) {
		return
	}
	if strings.TrimSpace(server.ServerID) == "" {
		s.jsonError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	server.OwnerID = ownerID(r)

	if err := s.store.UpsertToolServer(r.Context(), &server); err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, &server)
}

type ingestRequest struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *apiServer) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "retrieval is not configured (set rag.embedding_provider)")
		return
	}

	var req ingestRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	doc, err := s.retriever.Ingest(r.Context(), ownerID(r), req.Title, req.Content, req.Metadata)
	if err != nil {
		status := statusForError(err)
		if errors.Is(err, rag.ErrTooManyChunks) {
			status = http.StatusBadRequest
		}
		s.jsonError(w, status, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, doc)
}

func (s *apiServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context(), ownerID(r), intQuery(r, "limit", 100))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *apiServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "retrieval is not configured (set rag.embedding_provider)")
		return
	}
	if err := s.retriever.RemoveDocument(r.Context(), ownerID(r), r.PathValue("id")); err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *apiServer) handleQuotaSnapshot(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	s.jsonResponse(w, http.StatusOK, s.gate.Snapshot(r.Context(), ownerID(r), provider, model))
}

func (s *apiServer) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.recorder.Recent(r.Context(), ownerID(r), intQuery(r, "limit", 50))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"metrics": metrics})
}

func (s *apiServer) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.recorder.Summarize(r.Context(), ownerID(r), intQuery(r, "days", 7))
	if err != nil {
		s.jsonError(w, statusForError(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

// ownerID reads the tenant from X-Owner-ID, falling back to the default
// tenant when absent or malformed.
func ownerID(r *http.Request) int64 {
	raw := r.Header.Get("X-Owner-ID")
	if raw == "" {
		return defaultOwnerID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return defaultOwnerID
	}
	return id
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *apiServer) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) jsonResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn(context.Background(), "encode response", "error", err.Error())
	}
}

func (s *apiServer) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// statusForError maps domain errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, quota.ErrRateLimited), errors.Is(err, quota.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, skills.ErrUnknownSkill), errors.Is(err, engine.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrNoProviderAvailable),
		errors.Is(err, llm.ErrProviderCall),
		errors.Is(err, llm.ErrProviderStream):
		return http.StatusBadGateway
	case errors.Is(err, llm.ErrUnsupportedProvider),
		errors.Is(err, llm.ErrMissingCredential),
		errors.Is(err, llm.ErrMissingEndpoint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
