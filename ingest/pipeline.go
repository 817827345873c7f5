// Package ingest turns files and pre-extracted text blocks into chunked,
// embedded, content-addressed records in a vector collection.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"sibyl/chunker"
	"sibyl/extract"
	"sibyl/vectorstore"
)

// Status is the outcome of one ingestion.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusDuplicate Status = "duplicate"
	StatusEmpty     Status = "empty"
	StatusError     Status = "error"
)

// Result describes what one ingestion did. Error outcomes are part of the
// result, not a Go error: a failing file in a batch never aborts its
// siblings.
type Result struct {
	DocumentID    string `json:"document_id,omitempty"`
	Filename      string `json:"filename"`
	FileType      string `json:"file_type,omitempty"`
	ChunksCreated int    `json:"chunks_created"`
	Collection    string `json:"collection"`
	ContentHash   string `json:"content_hash,omitempty"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
}

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline wires extractors, chunkers, the embedder, and the vector
// store into the ingestion flow.
type Pipeline struct {
	store    vectorstore.Store
	registry *extract.Registry
	embedder Embedder
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(store vectorstore.Store, registry *extract.Registry, embedder Embedder) *Pipeline {
	return &Pipeline{store: store, registry: registry, embedder: embedder}
}

// Supported reports whether an extractor is registered for the file's
// extension.
func (p *Pipeline) Supported(path string) bool {
	return p.registry.Supported(path)
}

// IngestFile runs the full pipeline for one file: hash, duplicate check,
// extract, chunk, embed, store.
func (p *Pipeline) IngestFile(ctx context.Context, path, collection string) Result {
	filename := filepath.Base(path)
	fileType := extract.NormalizeExt(path)
	res := Result{Filename: filename, FileType: fileType, Collection: collection}

	raw, err := os.ReadFile(path)
	if err != nil {
		return res.fail(fmt.Errorf("reading file: %w", err))
	}
	res.ContentHash = hashBytes(raw)

	col, dup, err := p.dedup(ctx, collection, res.ContentHash)
	if err != nil {
		return res.fail(err)
	}
	if dup != "" {
		res.Status = StatusDuplicate
		res.DocumentID = dup
		return res
	}

	extractor, err := p.registry.ForPath(path)
	if err != nil {
		return res.fail(err)
	}
	blocks, err := extractor.Extract(ctx, path)
	if err != nil {
		return res.fail(fmt.Errorf("extracting %s: %w", filename, err))
	}

	return p.finish(ctx, res, col, blocks, filename)
}

// IngestBlocks runs the pipeline for pre-extracted sources (URL pages,
// transcripts). The content hash covers the concatenated block text.
func (p *Pipeline) IngestBlocks(ctx context.Context, blocks []extract.Block, sourceName, collection string) Result {
	res := Result{Filename: sourceName, FileType: "text", Collection: collection}
	if len(blocks) > 0 {
		if ft, ok := blocks[0].Meta["file_type"].(string); ok && ft != "" {
			res.FileType = ft
		}
	}

	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	res.ContentHash = hashBytes([]byte(sb.String()))

	col, dup, err := p.dedup(ctx, collection, res.ContentHash)
	if err != nil {
		return res.fail(err)
	}
	if dup != "" {
		res.Status = StatusDuplicate
		res.DocumentID = dup
		return res
	}

	return p.finish(ctx, res, col, blocks, sourceName)
}

// dedup ensures the collection exists and looks for an ingestion with the
// same content hash. It returns the existing document ID, or "".
func (p *Pipeline) dedup(ctx context.Context, collection, hash string) (vectorstore.Collection, string, error) {
	col, err := p.store.GetOrCreateCollection(ctx, collection)
	if err != nil {
		return nil, "", err
	}

	existing, err := col.Get(ctx, vectorstore.Filter{
		vectorstore.KeyContentHash: vectorstore.S(hash),
	}, 1)
	if err != nil {
		return nil, "", fmt.Errorf("duplicate check: %w", err)
	}
	if len(existing) > 0 {
		return col, existing[0].Meta.DocumentID(), nil
	}
	return col, "", nil
}

// chunkedBlock is one chunk plus the metadata inherited from its block.
type chunkedBlock struct {
	content string
	page    int
	meta    map[string]any
}

// finish runs the shared tail of both entry points: chunk, enrich, embed,
// store.
func (p *Pipeline) finish(ctx context.Context, res Result, col vectorstore.Collection, blocks []extract.Block, sourceName string) Result {
	start := time.Now()

	chunks := chunkBlocks(blocks)
	if len(chunks) == 0 {
		res.Status = StatusEmpty
		return res
	}

	documentID := uuid.NewString()
	enriched := make([]string, len(chunks))
	for i, c := range chunks {
		enriched[i] = enrich(c, sourceName)
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, enriched)
	if err != nil {
		return res.fail(fmt.Errorf("embedding: %w", err))
	}

	recs := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		meta := vectorstore.Sanitize(c.meta)
		meta[vectorstore.KeyDocumentID] = vectorstore.S(documentID)
		meta[vectorstore.KeySourceFile] = vectorstore.S(sourceName)
		meta[vectorstore.KeyContentHash] = vectorstore.S(res.ContentHash)
		meta[vectorstore.KeyChunkIndex] = vectorstore.I(int64(i))
		meta[vectorstore.KeyTotalChunks] = vectorstore.I(int64(len(chunks)))
		if c.page > 0 {
			meta[vectorstore.KeyPageNumber] = vectorstore.I(int64(c.page))
		}
		recs[i] = vectorstore.Record{
			ID:        fmt.Sprintf("%s_chunk_%d", documentID, i),
			Content:   c.content,
			Embedding: embeddings[i],
			Meta:      meta,
		}
	}

	if err := col.Add(ctx, recs); err != nil {
		return res.fail(fmt.Errorf("storing chunks: %w", err))
	}

	slog.Info("ingest: document stored",
		"source", sourceName,
		"collection", res.Collection,
		"chunks", len(chunks),
		"elapsed", time.Since(start))

	res.Status = StatusSuccess
	res.DocumentID = documentID
	res.ChunksCreated = len(chunks)
	return res
}

// chunkBlocks runs the format-appropriate chunker over each block and
// flattens the results with contiguous indices across the document.
func chunkBlocks(blocks []extract.Block) []chunkedBlock {
	var out []chunkedBlock
	for _, b := range blocks {
		c := profileFor(b.Meta)
		pieces := c.Split(b.Text)

		var pages []int
		if truthy(b.Meta["paged"]) {
			pages = chunker.AssignPages(pieces, b.Text)
		}

		for i, piece := range pieces {
			cb := chunkedBlock{
				content: chunker.StripPageMarkers(piece),
				meta:    b.Meta,
			}
			if pages != nil {
				cb.page = pages[i]
			}
			if len(strings.TrimSpace(cb.content)) < chunker.MinChunkChars {
				continue
			}
			out = append(out, cb)
		}
	}
	return out
}

// profileFor picks a chunker profile from block metadata.
func profileFor(meta map[string]any) *chunker.Chunker {
	switch {
	case truthy(meta["tabular"]):
		return chunker.Tabular()
	case truthy(meta["code"]):
		return chunker.Code()
	default:
		return chunker.General()
	}
}

// enrich builds the embedding-only text: a source/section/title/page
// header prepended to the chunk. The plain content is what gets stored.
func enrich(c chunkedBlock, sourceName string) string {
	parts := []string{"source: " + sourceName}
	if section, ok := c.meta["section_header"].(string); ok && section != "" {
		parts = append(parts, "section: "+section)
	}
	if title, ok := c.meta["title"].(string); ok && title != "" {
		parts = append(parts, "title: "+title)
	}
	if c.page > 0 {
		parts = append(parts, fmt.Sprintf("page: %d", c.page))
	}
	return strings.Join(parts, " | ") + "\n" + c.content
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (r Result) fail(err error) Result {
	slog.Error("ingest: pipeline failed", "source", r.Filename, "collection", r.Collection, "error", err)
	r.Status = StatusError
	r.Error = err.Error()
	return r
}
