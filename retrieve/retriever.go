// Package retrieve implements the hybrid retrieval pipeline: dense ANN
// search, sparse BM25 scoring, Reciprocal Rank Fusion, cross-encoder
// reranking, and neighbor expansion.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"sibyl/llm"
	"sibyl/vectorstore"
)

const (
	// dedupPrefix keys candidate deduplication across query variants and
	// retrieval methods.
	dedupPrefix = 200

	// expandTop is how many leading chunks get neighbor expansion.
	expandTop = 5
)

// Chunk is one retrieval result. Score is on a lower-is-better scale.
type Chunk struct {
	Content    string                `json:"content"`
	Meta       vectorstore.Metadata  `json:"-"`
	Score      float64               `json:"relevance_score"`
	SourceFile string                `json:"source_file"`
}

// candidate carries a chunk through the pipeline along with the
// collection it came from, needed later for neighbor expansion.
type candidate struct {
	Chunk
	collection string
}

// Options configures one retrieval.
type Options struct {
	// Collections is the explicit target list. Empty means all
	// collections in the store.
	Collections []string
	TopK        int
	MultiQuery  bool
	Hybrid      bool
}

// Config holds the retriever's tuning knobs.
type Config struct {
	TopK                int
	MaxContextChunks    int
	SimilarityThreshold float64
	MaxRerankCandidates int
	NeighborWindow      int
}

// Embedder is the slice of the embedding client the retriever needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces text for query expansion; the LLM router satisfies
// it. Nil disables multi-query.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, preferred string) (*llm.Response, string, error)
}

// Retriever runs the hybrid pipeline over a vector store.
type Retriever struct {
	store    vectorstore.Store
	embedder Embedder
	expander Generator
	reranker *Reranker
	cfg      Config
}

// New creates a retriever. expander and reranker may be nil, disabling
// multi-query expansion and cross-encoder reranking respectively.
func New(store vectorstore.Store, embedder Embedder, expander Generator, reranker *Reranker, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MaxContextChunks <= 0 {
		cfg.MaxContextChunks = 50
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.65
	}
	if cfg.MaxRerankCandidates <= 0 {
		cfg.MaxRerankCandidates = 30
	}
	if cfg.NeighborWindow <= 0 {
		cfg.NeighborWindow = 1
	}
	return &Retriever{store: store, embedder: embedder, expander: expander, reranker: reranker, cfg: cfg}
}

// Retrieve runs the full pipeline and returns up to topK ranked chunks,
// neighbor-expanded. It returns empty (never an error) when the target
// collections hold no candidates.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Chunk, error) {
	start := time.Now()

	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	collections, err := r.resolveCollections(ctx, opts.Collections)
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return nil, nil
	}

	variants := []string{query}
	if opts.MultiQuery {
		variants = append(variants, r.expandQuery(ctx, query)...)
	}

	dense, err := r.denseSearch(ctx, variants, collections)
	if err != nil {
		return nil, err
	}

	var sparse []candidate
	if opts.Hybrid {
		sparse = r.sparseSearch(ctx, query, collections)
	}

	fused := dense
	if len(sparse) > 0 {
		fused = fuseRRF(dense, sparse, r.cfg.MaxContextChunks)
	}
	if len(fused) == 0 {
		return nil, nil
	}

	// Threshold filter with a floor: retrieval never returns empty when
	// any candidate exists.
	kept := make([]candidate, 0, len(fused))
	for _, c := range fused {
		if c.Score <= r.cfg.SimilarityThreshold {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		n := 3
		if len(fused) < n {
			n = len(fused)
		}
		kept = fused[:n]
	}

	if r.reranker != nil {
		n := r.cfg.MaxRerankCandidates
		if len(kept) < n {
			n = len(kept)
		}
		reranked := r.reranker.Rerank(ctx, query, kept[:n])
		kept = append(reranked, kept[n:]...)
	}

	if len(kept) > topK {
		kept = kept[:topK]
	}

	out := r.expandNeighbors(ctx, kept)

	slog.Debug("retrieve: pipeline complete",
		"query_len", len(query),
		"collections", len(collections),
		"variants", len(variants),
		"dense", len(dense),
		"sparse", len(sparse),
		"returned", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return out, nil
}

// resolveCollections maps the option list (or "all") to names that
// actually exist, skipping unknown ones with a log line.
func (r *Retriever) resolveCollections(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		infos, err := r.store.ListCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing collections: %w", err)
		}
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Name
		}
		return names, nil
	}

	var names []string
	for _, name := range requested {
		ok, err := r.store.HasCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Warn("retrieve: skipping unknown collection", "collection", name)
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// expandQuery asks the LLM for three alternative phrasings. Failure
// degrades to the original query only.
func (r *Retriever) expandQuery(ctx context.Context, query string) []string {
	if r.expander == nil {
		return nil
	}

	resp, _, err := r.expander.Generate(ctx, llm.Request{
		System: "You rephrase search queries. Reply with exactly three alternative phrasings of the query, one per line, no numbering.",
		Prompt: query,
	}, "")
	if err != nil {
		slog.Warn("retrieve: query expansion failed, using original only", "error", err)
		return nil
	}

	var variants []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != query {
			variants = append(variants, line)
		}
		if len(variants) == 3 {
			break
		}
	}
	return variants
}

// denseSearch embeds all variants in one batch and runs ANN queries per
// variant and collection, deduplicating by content prefix with the best
// distance winning.
func (r *Retriever) denseSearch(ctx context.Context, variants, collections []string) ([]candidate, error) {
	embeddings, err := r.embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	best := make(map[string]candidate)
	for _, emb := range embeddings {
		for _, name := range collections {
			col, err := r.store.GetOrCreateCollection(ctx, name)
			if err != nil {
				return nil, err
			}
			results, err := col.Query(ctx, emb, r.cfg.MaxContextChunks)
			if err != nil {
				return nil, fmt.Errorf("querying %s: %w", name, err)
			}
			for _, res := range results {
				key := contentKey(res.Content, dedupPrefix)
				if prev, ok := best[key]; ok && prev.Score <= res.Distance {
					continue
				}
				best[key] = candidate{
					Chunk: Chunk{
						Content:    res.Content,
						Meta:       res.Meta,
						Score:      res.Distance,
						SourceFile: res.Meta.SourceFile(),
					},
					collection: name,
				}
			}
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

// sparseSearch builds a throwaway BM25 index over the target
// collections' chunks (bounded at maxCorpusDocs) and scores them against
// the query. Failures degrade to dense-only retrieval.
func (r *Retriever) sparseSearch(ctx context.Context, query string, collections []string) []candidate {
	var corpus []candidate
	for _, name := range collections {
		if len(corpus) >= maxCorpusDocs {
			break
		}
		col, err := r.store.GetOrCreateCollection(ctx, name)
		if err != nil {
			slog.Warn("retrieve: sparse search skipping collection", "collection", name, "error", err)
			continue
		}
		recs, err := col.Get(ctx, nil, maxCorpusDocs-len(corpus))
		if err != nil {
			slog.Warn("retrieve: sparse scan failed", "collection", name, "error", err)
			continue
		}
		for _, rec := range recs {
			corpus = append(corpus, candidate{
				Chunk: Chunk{
					Content:    rec.Content,
					Meta:       rec.Meta,
					SourceFile: rec.Meta.SourceFile(),
				},
				collection: name,
			})
		}
	}
	if len(corpus) == 0 {
		return nil
	}

	docs := make([]string, len(corpus))
	for i, c := range corpus {
		docs[i] = c.Content
	}
	idx := newBM25(docs)
	queryTokens := tokenize(query)

	type scored struct {
		i     int
		score float64
	}
	var hits []scored
	for i := range corpus {
		if s := idx.Score(i, queryTokens); s > 0 {
			hits = append(hits, scored{i, s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > r.cfg.MaxContextChunks {
		hits = hits[:r.cfg.MaxContextChunks]
	}

	out := make([]candidate, len(hits))
	for i, h := range hits {
		out[i] = corpus[h.i]
		out[i].Score = normalizeSparse(h.score)
	}
	return out
}
