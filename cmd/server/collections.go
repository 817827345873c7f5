package main

import (
	"log/slog"
	"net/http"
	"sort"

	"sibyl/metastore"
	"sibyl/vectorstore"
)

// GET /api/v1/collections
func (h *handler) handleListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.vec.ListCollections(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": infos})
}

// POST /api/v1/collections
func (h *handler) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !requireCollection(w, req.Name) {
		return
	}

	if _, err := h.vec.GetOrCreateCollection(r.Context(), req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "status": "created"})
}

// DELETE /api/v1/collections/{name}
// Removes the collection's chunks and its folder tree.
func (h *handler) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}
	if !h.mustExistCollection(r.Context(), w, name) {
		return
	}

	if err := h.vec.DeleteCollection(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}

	// Folder rows are metadata-side; remove the roots and let the FK
	// cascade take the subtrees.
	folders, err := h.meta.ListFolders(r.Context(), name)
	if err == nil {
		for _, f := range folders {
			if f.ParentID == "" {
				if err := h.meta.DeleteFolder(r.Context(), f.ID); err != nil {
					slog.Warn("deleting collection folder", "folder", f.ID, "error", err)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

// GET /api/v1/collections/{name}/documents/{id}/chunks?limit
// Document preview: chunks in chunk_index order.
func (h *handler) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}
	if !h.mustExistCollection(r.Context(), w, name) {
		return
	}

	col, err := h.vec.GetOrCreateCollection(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	docID := r.PathValue("id")
	recs, err := col.Get(r.Context(), vectorstore.Filter{
		vectorstore.KeyDocumentID: vectorstore.S(docID),
	}, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Meta.ChunkIndex() < recs[j].Meta.ChunkIndex()
	})

	chunks := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		chunks = append(chunks, map[string]any{
			"id":       rec.ID,
			"content":  rec.Content,
			"metadata": rec.Meta.Plain(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": docID,
		"chunks":      chunks,
	})
}

// POST /api/v1/collections/{name}/cleanup?min_chars
// Deletes every chunk shorter than the threshold.
func (h *handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}
	if !h.mustExistCollection(r.Context(), w, name) {
		return
	}

	minChars := queryInt(r, "min_chars", h.cfg.MinChunkChars)
	if minChars <= 0 {
		writeError(w, http.StatusBadRequest, "min_chars must be positive")
		return
	}

	col, err := h.vec.GetOrCreateCollection(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recs, err := col.Get(r.Context(), nil, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var ids []string
	for _, rec := range recs {
		if len(rec.Content) < minChars {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) > 0 {
		if err := col.DeleteIDs(r.Context(), ids); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	slog.Info("collection cleanup", "collection", name, "min_chars", minChars, "deleted", len(ids))
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": name,
		"deleted":    len(ids),
	})
}

// GET /api/v1/collections/{name}/folders
func (h *handler) handleListFolders(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}

	folders, err := h.meta.ListFolders(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// POST /api/v1/collections/{name}/folders
func (h *handler) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}

	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	folder, err := h.meta.CreateFolder(r.Context(), name, req.Name, req.ParentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

// PATCH /api/v1/collections/{name}/folders/{id}
// Renames and/or moves a folder. Moves that would create a cycle fail.
func (h *handler) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == nil && req.ParentID == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	id := r.PathValue("id")
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		if err := h.meta.RenameFolder(r.Context(), id, *req.Name); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.ParentID != nil {
		if err := h.meta.MoveFolder(r.Context(), id, *req.ParentID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	folder, err := h.meta.GetFolder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// DELETE /api/v1/collections/{name}/folders/{id}
func (h *handler) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.meta.GetFolder(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.meta.DeleteFolder(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// GET /api/v1/collections/{name}/folders/{id}/documents
func (h *handler) handleFolderDocuments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.meta.GetFolder(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	docs, err := h.meta.FolderDocuments(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// PUT /api/v1/collections/{name}/documents/{id}/folder
// Assigns a document to a folder; an empty folder_id moves it back to
// the collection root.
func (h *handler) handleAssignFolder(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !requireCollection(w, name) {
		return
	}

	var req struct {
		FolderID string `json:"folder_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	docID := r.PathValue("id")
	if err := h.meta.AssignDocument(r.Context(), name, docID, req.FolderID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"document_id": docID,
		"folder_id":   req.FolderID,
	})
}

// POST /api/v1/agents
func (h *handler) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent metastore.Agent
	if err := decodeJSON(r, &agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if agent.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := h.meta.CreateAgent(r.Context(), agent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GET /api/v1/agents
func (h *handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.meta.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// PUT /api/v1/agents/{id}
func (h *handler) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var agent metastore.Agent
	if err := decodeJSON(r, &agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	agent.ID = r.PathValue("id")
	if agent.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.meta.UpdateAgent(r.Context(), agent); err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := h.meta.GetAgent(r.Context(), agent.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /api/v1/agents/{id}
func (h *handler) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.meta.GetAgent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.meta.DeleteAgent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
