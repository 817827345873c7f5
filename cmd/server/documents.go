package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sibyl/extract"
	"sibyl/ingest"
)

const (
	maxBatchFiles = 20

	// ingestTimeout bounds one background ingestion end to end.
	ingestTimeout = 30 * time.Minute
)

// POST /api/v1/documents/upload
// Multipart upload; ingestion runs in the background and the response
// carries a job ID to poll.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !h.boundUpload(w, r) {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	collection := r.FormValue("collection")
	if collection == "" {
		collection = "default"
	}
	if !requireCollection(w, collection) {
		return
	}
	if !h.pipeline.Supported(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	job, err := h.startIngestJob(file, header.Filename, collection)
	if err != nil {
		slog.Error("staging upload", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"filename":   job.Filename,
		"collection": job.Collection,
	})
}

// POST /api/v1/documents/upload-batch
// Up to 20 files per call; each file gets its own job and a failing file
// never blocks its siblings.
func (h *handler) handleUploadBatch(w http.ResponseWriter, r *http.Request) {
	if !h.boundUpload(w, r) {
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > maxBatchFiles {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many files: %d (max %d)", len(headers), maxBatchFiles))
		return
	}

	collection := r.FormValue("collection")
	if collection == "" {
		collection = "default"
	}
	if !requireCollection(w, collection) {
		return
	}

	jobs := make([]map[string]any, 0, len(headers))
	for _, hdr := range headers {
		entry := map[string]any{"filename": hdr.Filename, "collection": collection}

		if !h.pipeline.Supported(hdr.Filename) {
			entry["error"] = "unsupported file type"
			jobs = append(jobs, entry)
			continue
		}
		file, err := hdr.Open()
		if err != nil {
			entry["error"] = "unreadable file"
			jobs = append(jobs, entry)
			continue
		}
		job, err := h.startIngestJob(file, hdr.Filename, collection)
		file.Close()
		if err != nil {
			slog.Error("staging batch upload", "filename", hdr.Filename, "error", err)
			entry["error"] = "failed to stage upload"
			jobs = append(jobs, entry)
			continue
		}
		entry["job_id"] = job.ID
		entry["status"] = job.Status
		jobs = append(jobs, entry)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

// POST /api/v1/documents/upload-url
// URL ingestion is synchronous: fetch, convert, ingest, respond.
func (h *handler) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL        string `json:"url"`
		Collection string `json:"collection"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Collection == "" {
		req.Collection = "default"
	}
	if !requireCollection(w, req.Collection) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	page, err := h.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		slog.Warn("url fetch failed", "url", req.URL, "error", err)
		if errors.Is(err, extract.ErrBlockedURL) {
			writeError(w, http.StatusBadRequest, "url refused: non-public address")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "url could not be fetched")
		return
	}

	source := page.FinalURL
	if source == "" {
		source = req.URL
	}
	res := h.pipeline.IngestBlocks(ctx, page.Blocks, source, req.Collection)
	writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/documents/jobs/{id}
func (h *handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /api/v1/documents/jobs
func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.jobs.List()})
}

// boundUpload enforces the upload size cap, by Content-Length first and
// by actual read second, then parses the multipart form.
func (h *handler) boundUpload(w http.ResponseWriter, r *http.Request) bool {
	maxBytes := h.cfg.MaxUploadBytes
	if r.ContentLength > maxBytes {
		writeError(w, http.StatusBadRequest, "upload too large")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return false
	}
	return true
}

// startIngestJob stages the uploaded file on disk, registers a job, and
// kicks off the background pipeline run. The staged file is removed when
// the run finishes.
func (h *handler) startIngestJob(file multipart.File, filename, collection string) (ingest.Job, error) {
	job := h.jobs.Create(filepath.Base(filename), collection)

	staged := filepath.Join(h.cfg.ResolveUploadDir(), job.ID+"_"+filepath.Base(filename))
	dst, err := os.Create(staged)
	if err != nil {
		h.jobs.Fail(job.ID, "failed to stage upload")
		return ingest.Job{}, err
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(staged)
		h.jobs.Fail(job.ID, "failed to stage upload")
		return ingest.Job{}, err
	}
	dst.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		defer os.Remove(staged)

		res := h.pipeline.IngestFile(ctx, staged, collection)
		res.Filename = filepath.Base(filename)
		h.jobs.Complete(job.ID, res)
	}()

	return job, nil
}
