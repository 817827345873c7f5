package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"sibyl"
	"sibyl/chat"
	"sibyl/embed"
	"sibyl/extract"
	"sibyl/ingest"
	"sibyl/llm"
	"sibyl/metastore"
	"sibyl/vectorstore"
)

type handler struct {
	cfg      sibyl.Config
	vec      vectorstore.Store
	meta     *metastore.Store
	pipeline *ingest.Pipeline
	jobs     *ingest.JobStore
	orch     *chat.Orchestrator
	router   *llm.Router
	fetcher  *extract.URLFetcher
}

func newHandler(cfg sibyl.Config, vec vectorstore.Store, meta *metastore.Store,
	pipeline *ingest.Pipeline, jobs *ingest.JobStore, orch *chat.Orchestrator,
	router *llm.Router, fetcher *extract.URLFetcher) *handler {
	return &handler{
		cfg:      cfg,
		vec:      vec,
		meta:     meta,
		pipeline: pipeline,
		jobs:     jobs,
		orch:     orch,
		router:   router,
		fetcher:  fetcher,
	}
}

// routes builds the full API surface with the middleware chain applied.
func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/verify", h.handleAuthVerify)

	mux.HandleFunc("POST /api/v1/documents/upload", h.handleUpload)
	mux.HandleFunc("POST /api/v1/documents/upload-batch", h.handleUploadBatch)
	mux.HandleFunc("POST /api/v1/documents/upload-url", h.handleUploadURL)
	mux.HandleFunc("GET /api/v1/documents/jobs/{id}", h.handleJobStatus)
	mux.HandleFunc("GET /api/v1/documents/jobs", h.handleListJobs)

	mux.HandleFunc("GET /api/v1/collections", h.handleListCollections)
	mux.HandleFunc("POST /api/v1/collections", h.handleCreateCollection)
	mux.HandleFunc("DELETE /api/v1/collections/{name}", h.handleDeleteCollection)
	mux.HandleFunc("GET /api/v1/collections/{name}/documents/{id}/chunks", h.handleDocumentChunks)
	mux.HandleFunc("POST /api/v1/collections/{name}/cleanup", h.handleCleanup)

	mux.HandleFunc("GET /api/v1/collections/{name}/folders", h.handleListFolders)
	mux.HandleFunc("POST /api/v1/collections/{name}/folders", h.handleCreateFolder)
	mux.HandleFunc("PATCH /api/v1/collections/{name}/folders/{id}", h.handleUpdateFolder)
	mux.HandleFunc("DELETE /api/v1/collections/{name}/folders/{id}", h.handleDeleteFolder)
	mux.HandleFunc("GET /api/v1/collections/{name}/folders/{id}/documents", h.handleFolderDocuments)
	mux.HandleFunc("PUT /api/v1/collections/{name}/documents/{id}/folder", h.handleAssignFolder)

	mux.HandleFunc("POST /api/v1/agents", h.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/agents", h.handleListAgents)
	mux.HandleFunc("PUT /api/v1/agents/{id}", h.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", h.handleDeleteAgent)

	mux.HandleFunc("POST /api/v1/chat/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/v1/chat/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/v1/chat/sessions/search", h.handleSearchSessions)
	mux.HandleFunc("GET /api/v1/chat/sessions/{id}/messages", h.handleListMessages)
	mux.HandleFunc("DELETE /api/v1/chat/sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/chat/sessions/{id}/messages", h.handleMessage)
	mux.HandleFunc("POST /api/v1/chat/sessions/{id}/messages/stream", h.handleMessageStream)
	mux.HandleFunc("POST /api/v1/chat/sessions/{id}/attachments", h.handleAttachment)
	mux.HandleFunc("POST /api/v1/chat/feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/v1/chat/analytics", h.handleAnalytics)
	mux.HandleFunc("GET /api/v1/usage", h.handleUsage)

	// Middleware chain, outermost first:
	// recovery -> security headers -> cors -> rate limit -> auth -> logging
	var hd http.Handler = mux
	hd = logMiddleware(hd)
	hd = authMiddleware(h.cfg.AuthEnabled, h.cfg.APIToken, hd)
	hd = rateLimitMiddleware(newRateLimiter(), hd)
	hd = corsMiddleware(h.cfg.CORSOrigins, hd)
	hd = securityHeadersMiddleware(hd)
	hd = recoveryMiddleware(hd)
	return hd
}

// GET /api/v1/health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{}
	status := "ok"

	if err := h.meta.Ping(r.Context()); err != nil {
		components["metadata_store"] = "down"
		status = "degraded"
	} else {
		components["metadata_store"] = "ok"
	}

	if _, err := h.vec.ListCollections(r.Context()); err != nil {
		components["vector_store"] = "down"
		status = "degraded"
	} else {
		components["vector_store"] = "ok"
	}

	components["providers"] = h.router.Health()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": components,
	})
}

// POST /api/v1/auth/verify
func (h *handler) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthEnabled {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !tokenMatches(r, h.cfg.APIToken) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps package sentinel errors onto the HTTP taxonomy.
// Anything unmapped is a 500 with a generic body; detail stays in the log.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metastore.ErrSessionNotFound),
		errors.Is(err, metastore.ErrMessageNotFound),
		errors.Is(err, metastore.ErrAgentNotFound),
		errors.Is(err, metastore.ErrFolderNotFound),
		errors.Is(err, ingest.ErrJobNotFound),
		errors.Is(err, vectorstore.ErrCollectionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metastore.ErrInvalidFeedback),
		errors.Is(err, metastore.ErrFolderCycle),
		errors.Is(err, vectorstore.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, llm.ErrExhausted),
		errors.Is(err, embed.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// requireCollection validates a collection path or form value.
func requireCollection(w http.ResponseWriter, name string) bool {
	if name == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return false
	}
	if !vectorstore.ValidCollectionName(name) {
		writeError(w, http.StatusBadRequest, "invalid collection name")
		return false
	}
	return true
}

// mustExistCollection confirms the collection exists, answering 404
// otherwise.
func (h *handler) mustExistCollection(ctx context.Context, w http.ResponseWriter, name string) bool {
	ok, err := h.vec.HasCollection(ctx, name)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return false
	}
	return true
}
