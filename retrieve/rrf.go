package retrieve

import (
	"math"
	"sort"
)

const rrfK = 60 // RRF constant (standard value from literature)

// fuseRRF implements Reciprocal Rank Fusion over the dense and sparse
// candidate lists. Each list contributes 1/(k + rank + 1) per chunk,
// keyed by content prefix so the same passage found by both methods
// accumulates. The fused ordering is descending RRF; each survivor's
// score becomes the better of its original score and its fused-rank
// position, keeping the lower-is-better scale for the threshold step.
func fuseRRF(dense, sparse []candidate, maxResults int) []candidate {
	type fusedEntry struct {
		cand  candidate
		score float64
	}

	fused := make(map[string]*fusedEntry)

	for rank, c := range dense {
		key := contentKey(c.Content, dedupPrefix)
		entry, ok := fused[key]
		if !ok {
			entry = &fusedEntry{cand: c}
			fused[key] = entry
		}
		entry.score += 1 / float64(rrfK+rank+1)
	}

	for rank, c := range sparse {
		key := contentKey(c.Content, dedupPrefix)
		entry, ok := fused[key]
		if !ok {
			entry = &fusedEntry{cand: c}
			fused[key] = entry
		}
		entry.score += 1 / float64(rrfK+rank+1)
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	n := float64(len(entries))
	out := make([]candidate, len(entries))
	for i, e := range entries {
		out[i] = e.cand
		out[i].Score = math.Min(e.cand.Score, float64(i)/n)
	}
	return out
}

// contentKey returns the dedup key for a chunk: its first n characters.
func contentKey(content string, n int) string {
	if len(content) > n {
		return content[:n]
	}
	return content
}
