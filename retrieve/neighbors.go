package retrieve

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"sibyl/vectorstore"
)

// neighborDedupPrefix keys splice deduplication; shorter than the
// candidate key because adjacent chunks share overlap text.
const neighborDedupPrefix = 100

// expandNeighbors splices sibling chunks (chunk_index ± window within the
// same document) around the top candidates. The spliced leaders come
// first, then the remaining chunks, all deduplicated by content prefix so
// chunk overlap never repeats text.
func (r *Retriever) expandNeighbors(ctx context.Context, cands []candidate) []Chunk {
	n := expandTop
	if len(cands) < n {
		n = len(cands)
	}

	seen := make(map[string]bool)
	out := make([]Chunk, 0, len(cands))

	for _, c := range cands[:n] {
		merged := r.spliceNeighbors(ctx, c, seen)
		if merged == "" {
			continue
		}
		chunk := c.Chunk
		chunk.Content = merged
		out = append(out, chunk)
	}

	for _, c := range cands[n:] {
		key := contentKey(c.Content, neighborDedupPrefix)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.Chunk)
	}
	return out
}

// spliceNeighbors builds the merged content for one candidate: previous,
// self, next in chunk_index order, skipping pieces whose prefix was
// already emitted. Lookup failures degrade to the unexpanded chunk.
func (r *Retriever) spliceNeighbors(ctx context.Context, c candidate, seen map[string]bool) string {
	docID := c.Meta.DocumentID()
	idx := c.Meta.ChunkIndex()
	if docID == "" || idx < 0 {
		return takeUnseen(c.Content, seen)
	}

	col, err := r.store.GetOrCreateCollection(ctx, c.collection)
	if err != nil {
		slog.Warn("retrieve: neighbor lookup failed", "collection", c.collection, "error", err)
		return takeUnseen(c.Content, seen)
	}
	siblings, err := col.Get(ctx, vectorstore.Filter{
		vectorstore.KeyDocumentID: vectorstore.S(docID),
	}, 0)
	if err != nil {
		slog.Warn("retrieve: neighbor lookup failed", "document", docID, "error", err)
		return takeUnseen(c.Content, seen)
	}

	window := r.cfg.NeighborWindow
	type piece struct {
		idx     int
		content string
	}
	pieces := []piece{{idx, c.Content}}
	for _, sib := range siblings {
		si := sib.Meta.ChunkIndex()
		if si == idx || si < idx-window || si > idx+window {
			continue
		}
		pieces = append(pieces, piece{si, sib.Content})
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].idx < pieces[j].idx })

	var parts []string
	for _, p := range pieces {
		if s := takeUnseen(p.content, seen); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// takeUnseen returns content if its dedup prefix is new, marking it seen.
func takeUnseen(content string, seen map[string]bool) string {
	key := contentKey(content, neighborDedupPrefix)
	if seen[key] {
		return ""
	}
	seen[key] = true
	return content
}
