//go:build cgo

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibyl"
	"sibyl/chat"
	"sibyl/extract"
	"sibyl/ingest"
	"sibyl/llm"
	"sibyl/metastore"
	"sibyl/retrieve"
	"sibyl/vectorstore"
)

const testToken = "test-token"

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()

	vec, err := vectorstore.NewSQLite(filepath.Join(dir, "vectors.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { vec.Close() })

	meta, err := metastore.New(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	router := llm.NewRouter([]llm.Provider{llm.NewGroq(llm.Config{})}, meta)
	retriever := retrieve.New(vec, stubEmbedder{}, nil, nil, retrieve.Config{})
	pipeline := ingest.NewPipeline(vec, extract.NewRegistry(), stubEmbedder{})
	orch := chat.New(meta, retriever, router, chat.Config{})

	cfg := sibyl.DefaultConfig()
	cfg.DataDir = dir
	cfg.Embedding.Dim = 4
	cfg.APIToken = testToken
	cfg.AuthEnabled = true
	require.NoError(t, os.MkdirAll(cfg.ResolveUploadDir(), 0o755))

	h := newHandler(cfg, vec, meta, pipeline, ingest.NewJobStore(), orch, router,
		extract.NewURLFetcher())
	return h.routes()
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Components["metadata_store"])
	assert.Contains(t, body.Components, "providers")
}

func TestAuthVerify(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/verify", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/auth/verify", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/collections", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCollectionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/collections", map[string]string{"name": "kb"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/collections", map[string]string{"name": "bad name!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/collections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Collections []vectorstore.CollectionInfo `json:"collections"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Collections, 1)
	assert.Equal(t, "kb", list.Collections[0].Name)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/collections/kb", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/collections/kb", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func multipartUpload(t *testing.T, field, filename, content string, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAndJobLifecycle(t *testing.T) {
	srv := newTestServer(t)

	content := strings.Repeat("Grounded answers need well-chunked source text. ", 20)
	body, ctype := multipartUpload(t, "file", "notes.txt", content, map[string]string{"collection": "kb"})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", body)
	r.Header.Set("Authorization", "Bearer "+testToken)
	r.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decodeBody(t, w, &accepted)
	require.NotEmpty(t, accepted.JobID)
	assert.Equal(t, "processing", accepted.Status)

	// Ingestion runs in the background; poll until it settles.
	var job ingest.Job
	deadline := time.Now().Add(5 * time.Second)
	for {
		w = doJSON(t, srv, http.MethodGet, "/api/v1/documents/jobs/"+accepted.JobID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeBody(t, w, &job)
		if job.Status != ingest.StatusProcessing {
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not settle")
		time.Sleep(100 * time.Millisecond)
	}

	require.Equal(t, ingest.StatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "notes.txt", job.Result.Filename)
	assert.Greater(t, job.Result.ChunksCreated, 0)

	// The document preview lists chunks in index order.
	path := fmt.Sprintf("/api/v1/collections/kb/documents/%s/chunks", job.Result.DocumentID)
	w = doJSON(t, srv, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var preview struct {
		Chunks []struct {
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata"`
		} `json:"chunks"`
	}
	decodeBody(t, w, &preview)
	require.NotEmpty(t, preview.Chunks)
	for i, c := range preview.Chunks {
		assert.EqualValues(t, i, c.Metadata["chunk_index"])
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	srv := newTestServer(t)

	body, ctype := multipartUpload(t, "file", "binary.xyz", "data", nil)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", body)
	r.Header.Set("Authorization", "Bearer "+testToken)
	r.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported")
}

func TestUploadURLRefusesNonPublicTarget(t *testing.T) {
	srv := newTestServer(t)

	for _, target := range []string{
		"http://169.254.169.254/latest/meta-data/",
		"http://localhost/admin",
		"http://10.0.0.5/secrets",
	} {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/documents/upload-url",
			map[string]string{"url": target, "collection": "default"})
		assert.Equal(t, http.StatusBadRequest, w.Code, "target %s", target)
		assert.Contains(t, w.Body.String(), "refused", "target %s", target)
	}
}

func TestJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/v1/documents/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/chat/sessions", map[string]string{"collection": "kb"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sess metastore.Session
	decodeBody(t, w, &sess)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "kb", sess.Collection)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/chat/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []metastore.Session `json:"sessions"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.Sessions, 1)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/chat/sessions/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "search requires q")

	w = doJSON(t, srv, http.MethodGet, "/api/v1/chat/sessions/"+sess.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/chat/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/chat/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownSessionRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/chat/sessions/nope/messages",
		map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/chat/sessions/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFeedbackValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/chat/feedback",
		map[string]string{"message_id": "m1", "feedback": "meh"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/chat/feedback",
		map[string]string{"message_id": "m1", "feedback": "positive"})
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown message")
}

func TestFolderRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/collections/kb/folders",
		map[string]string{"name": "research"})
	require.Equal(t, http.StatusCreated, w.Code)
	var parent metastore.Folder
	decodeBody(t, w, &parent)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/collections/kb/folders",
		map[string]string{"name": "papers", "parent_id": parent.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	var child metastore.Folder
	decodeBody(t, w, &child)

	// Moving the parent under its own child must fail.
	w = doJSON(t, srv, http.MethodPatch, "/api/v1/collections/kb/folders/"+parent.ID,
		map[string]string{"parent_id": child.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPatch, "/api/v1/collections/kb/folders/"+child.ID,
		map[string]string{"name": "articles"})
	require.Equal(t, http.StatusOK, w.Code)
	var renamed metastore.Folder
	decodeBody(t, w, &renamed)
	assert.Equal(t, "articles", renamed.Name)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/collections/kb/folders/"+parent.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/collections/kb/folders/"+child.ID+"/documents", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "cascade removed the child")
}

func TestAnalyticsAndUsage(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/chat/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var analytics metastore.Analytics
	decodeBody(t, w, &analytics)
	assert.Equal(t, 0, analytics.Sessions)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Days int `json:"days"`
	}
	decodeBody(t, w, &usage)
	assert.Equal(t, 30, usage.Days)
}
