package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sibyl/extract"
	"sibyl/vectorstore"
)

// memCollection is an in-memory vectorstore.Collection for pipeline tests.
type memCollection struct {
	name string
	recs []vectorstore.Record
}

func (m *memCollection) Name() string { return m.name }

func (m *memCollection) Add(ctx context.Context, recs []vectorstore.Record) error {
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memCollection) Query(ctx context.Context, embedding []float32, n int) ([]vectorstore.Result, error) {
	return nil, nil
}

func (m *memCollection) Get(ctx context.Context, filter vectorstore.Filter, limit int) ([]vectorstore.Record, error) {
	var out []vectorstore.Record
	for _, r := range m.recs {
		match := true
		for k, want := range filter {
			if got, ok := r.Meta[k]; !ok || got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memCollection) Count(ctx context.Context) (int, error) { return len(m.recs), nil }

func (m *memCollection) DeleteIDs(ctx context.Context, ids []string) error { return nil }

type memStore struct {
	collections map[string]*memCollection
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string]*memCollection)}
}

func (m *memStore) GetOrCreateCollection(ctx context.Context, name string) (vectorstore.Collection, error) {
	if c, ok := m.collections[name]; ok {
		return c, nil
	}
	c := &memCollection{name: name}
	m.collections[name] = c
	return c, nil
}

func (m *memStore) HasCollection(ctx context.Context, name string) (bool, error) {
	_, ok := m.collections[name]
	return ok, nil
}

func (m *memStore) ListCollections(ctx context.Context) ([]vectorstore.CollectionInfo, error) {
	return nil, nil
}

func (m *memStore) DeleteCollection(ctx context.Context, name string) error {
	delete(m.collections, name)
	return nil
}

func (m *memStore) Close() error { return nil }

// fixedEmbedder returns a constant small vector per input.
type fixedEmbedder struct {
	calls int
	fail  error
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newTestPipeline() (*Pipeline, *memStore, *fixedEmbedder) {
	store := newMemStore()
	emb := &fixedEmbedder{}
	return NewPipeline(store, extract.NewRegistry(), emb), store, emb
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

var sampleText = strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)

func TestIngestFileSuccess(t *testing.T) {
	p, store, _ := newTestPipeline()
	path := writeTempFile(t, "notes.txt", sampleText)

	res := p.IngestFile(context.Background(), path, "kb")
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q (%s), want success", res.Status, res.Error)
	}
	if res.DocumentID == "" || res.ContentHash == "" {
		t.Error("expected document id and content hash")
	}
	if res.ChunksCreated < 1 {
		t.Fatalf("ChunksCreated = %d, want >= 1", res.ChunksCreated)
	}

	col := store.collections["kb"]
	if len(col.recs) != res.ChunksCreated {
		t.Fatalf("stored %d records, result says %d", len(col.recs), res.ChunksCreated)
	}

	// chunk_index values form 0..n-1 and total_chunks is n on every chunk.
	seen := make(map[int]bool)
	for _, r := range col.recs {
		idx := r.Meta.ChunkIndex()
		if idx < 0 || idx >= res.ChunksCreated {
			t.Errorf("chunk_index %d out of range", idx)
		}
		seen[idx] = true
		if r.Meta.TotalChunks() != res.ChunksCreated {
			t.Errorf("total_chunks = %d, want %d", r.Meta.TotalChunks(), res.ChunksCreated)
		}
		if want := fmt.Sprintf("%s_chunk_%d", res.DocumentID, idx); r.ID != want {
			t.Errorf("ID = %q, want %q", r.ID, want)
		}
		if len(r.Content) < 50 {
			t.Errorf("stored chunk below minimum size: %d chars", len(r.Content))
		}
	}
	if len(seen) != res.ChunksCreated {
		t.Errorf("chunk_index values = %d distinct, want %d", len(seen), res.ChunksCreated)
	}
}

func TestIngestFileDuplicate(t *testing.T) {
	p, _, emb := newTestPipeline()
	path := writeTempFile(t, "notes.txt", sampleText)

	first := p.IngestFile(context.Background(), path, "kb")
	if first.Status != StatusSuccess {
		t.Fatalf("first Status = %q, want success", first.Status)
	}
	embedCalls := emb.calls

	second := p.IngestFile(context.Background(), path, "kb")
	if second.Status != StatusDuplicate {
		t.Fatalf("second Status = %q, want duplicate", second.Status)
	}
	if second.DocumentID != first.DocumentID {
		t.Errorf("duplicate DocumentID = %q, want %q", second.DocumentID, first.DocumentID)
	}
	if second.ChunksCreated != 0 {
		t.Errorf("duplicate ChunksCreated = %d, want 0", second.ChunksCreated)
	}
	if emb.calls != embedCalls {
		t.Error("duplicate ingestion reached the embedder")
	}
}

func TestIngestFileEmpty(t *testing.T) {
	p, store, _ := newTestPipeline()
	path := writeTempFile(t, "empty.txt", "   \n")

	res := p.IngestFile(context.Background(), path, "kb")
	if res.Status != StatusEmpty {
		t.Fatalf("Status = %q, want empty", res.Status)
	}
	if n, _ := store.collections["kb"].Count(context.Background()); n != 0 {
		t.Errorf("empty ingestion wrote %d records", n)
	}
}

func TestIngestFileUnsupported(t *testing.T) {
	p, _, _ := newTestPipeline()
	path := writeTempFile(t, "image.xyz", "binary-ish")

	res := p.IngestFile(context.Background(), path, "kb")
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestIngestFileEmbedderDown(t *testing.T) {
	p, _, emb := newTestPipeline()
	emb.fail = fmt.Errorf("connection refused")
	path := writeTempFile(t, "notes.txt", sampleText)

	res := p.IngestFile(context.Background(), path, "kb")
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
}

func TestIngestBlocks(t *testing.T) {
	p, store, _ := newTestPipeline()
	blocks := []extract.Block{
		{Text: sampleText, Meta: map[string]any{"file_type": "url", "title": "Fox Facts"}},
	}

	res := p.IngestBlocks(context.Background(), blocks, "https://example.com/foxes", "kb")
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q (%s), want success", res.Status, res.Error)
	}
	if res.FileType != "url" {
		t.Errorf("FileType = %q, want url", res.FileType)
	}

	for _, r := range store.collections["kb"].recs {
		if r.Meta.SourceFile() != "https://example.com/foxes" {
			t.Errorf("source_file = %q", r.Meta.SourceFile())
		}
	}

	// Same blocks again dedupe by concatenated-text hash.
	again := p.IngestBlocks(context.Background(), blocks, "https://example.com/foxes", "kb")
	if again.Status != StatusDuplicate {
		t.Errorf("second Status = %q, want duplicate", again.Status)
	}
}

func TestEnrichHeaderIsNotStored(t *testing.T) {
	p, store, _ := newTestPipeline()
	path := writeTempFile(t, "notes.txt", sampleText)

	if res := p.IngestFile(context.Background(), path, "kb"); res.Status != StatusSuccess {
		t.Fatalf("Status = %q", res.Status)
	}
	for _, r := range store.collections["kb"].recs {
		if strings.HasPrefix(r.Content, "source:") {
			t.Errorf("stored content carries the embedding header: %q", r.Content[:40])
		}
	}
}
