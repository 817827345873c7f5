package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sibyl/chat"
	"sibyl/ingest"
)

// POST /api/v1/chat/sessions
func (h *handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string `json:"collection"`
		AgentID    string `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Collection != "" && !requireCollection(w, req.Collection) {
		return
	}

	sess, err := h.meta.CreateSession(r.Context(), req.Collection, req.AgentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GET /api/v1/chat/sessions?limit
func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.meta.ListSessions(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GET /api/v1/chat/sessions/search?q&limit
func (h *handler) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	sessions, err := h.meta.SearchSessions(r.Context(), q, queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GET /api/v1/chat/sessions/{id}/messages
func (h *handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.meta.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// DELETE /api/v1/chat/sessions/{id}
// Removes the session, its messages, and any attachment collection bound
// to it.
func (h *handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attachments, err := h.meta.DeleteSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if attachments != "" {
		if err := h.vec.DeleteCollection(r.Context(), attachments); err != nil {
			slog.Warn("deleting attachment collection", "collection", attachments, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// POST /api/v1/chat/sessions/{id}/messages
// Buffered chat turn: the full answer in one response.
func (h *handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	message, ok := readMessage(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := h.orch.Turn(ctx, r.PathValue("id"), message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/chat/sessions/{id}/messages/stream
// SSE chat turn: status, sources, incremental content, then done.
func (h *handler) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	message, ok := readMessage(w, r)
	if !ok {
		return
	}

	events, err := h.orch.StreamTurn(r.Context(), r.PathValue("id"), message)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	hd := w.Header()
	hd.Set("Content-Type", "text/event-stream")
	hd.Set("Cache-Control", "no-cache")
	hd.Set("Connection", "keep-alive")
	hd.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			// Client gone; drain so the turn can settle its bookkeeping.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

// writeSSE emits one event in `event: <name>\ndata: <JSON>\n\n` framing.
func writeSSE(w http.ResponseWriter, ev chat.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// POST /api/v1/chat/sessions/{id}/attachments
// Uploads a file into the session's private collection, creating it on
// first use.
func (h *handler) handleAttachment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := h.meta.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if !h.boundUpload(w, r) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if !h.pipeline.Supported(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	collection := sess.Meta.AttachmentCollection
	if collection == "" {
		collection = attachmentCollection(sessionID)
		meta := sess.Meta
		meta.AttachmentCollection = collection
		if err := h.meta.UpdateSessionMeta(r.Context(), sessionID, meta); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	// Attachments ingest synchronously so the next question can use them.
	staged := filepath.Join(h.cfg.ResolveUploadDir(), collection+"_"+filepath.Base(header.Filename))
	if err := saveFile(file, staged); err != nil {
		slog.Error("staging attachment", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	defer os.Remove(staged)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	res := h.pipeline.IngestFile(ctx, staged, collection)
	res.Filename = filepath.Base(header.Filename)
	if res.Status == ingest.StatusError {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/chat/feedback
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		Feedback  string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if err := h.meta.SetFeedback(r.Context(), req.MessageID, req.Feedback); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// GET /api/v1/chat/analytics
func (h *handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.meta.ChatAnalytics(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// GET /api/v1/usage?days
func (h *handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days <= 0 || days > 365 {
		days = 30
	}
	usage, err := h.meta.UsageByDay(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage, "days": days})
}

// attachmentCollection derives the session-scoped collection name.
func attachmentCollection(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "chatfiles-" + short
}

func readMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return "", false
	}
	return req.Message, true
}

func saveFile(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}
