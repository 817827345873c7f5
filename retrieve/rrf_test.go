package retrieve

import (
	"math"
	"strings"
	"testing"
)

func cand(content string, score float64) candidate {
	return candidate{Chunk: Chunk{Content: content, Score: score}, collection: "kb"}
}

func TestFuseRRFSingleListKeepsOrder(t *testing.T) {
	dense := []candidate{
		cand("first passage about tides", 0.1),
		cand("second passage about moons", 0.2),
		cand("third passage about orbits", 0.3),
	}

	fused := fuseRRF(dense, nil, 10)
	if len(fused) != 3 {
		t.Fatalf("len = %d, want 3", len(fused))
	}
	for i, want := range []string{"first", "second", "third"} {
		if !strings.HasPrefix(fused[i].Content, want) {
			t.Errorf("fused[%d] = %q, want prefix %q", i, fused[i].Content, want)
		}
	}
}

func TestFuseRRFPromotesSharedChunk(t *testing.T) {
	shared := cand("appears in both rankings", 0.5)
	dense := []candidate{cand("dense only", 0.1), shared}
	sparse := []candidate{shared, cand("sparse only", 0.4)}

	fused := fuseRRF(dense, sparse, 10)
	if len(fused) != 3 {
		t.Fatalf("len = %d, want 3", len(fused))
	}
	if fused[0].Content != shared.Content {
		t.Errorf("fused[0] = %q, want the doubly-ranked chunk", fused[0].Content)
	}
}

func TestFuseRRFScoreBlend(t *testing.T) {
	dense := []candidate{cand("alpha", 0.9), cand("beta", 0.1)}

	fused := fuseRRF(dense, nil, 10)
	// Rank 0 of 2 gives 0/2 = 0, below the original 0.9.
	if fused[0].Score != 0 {
		t.Errorf("fused[0].Score = %v, want 0", fused[0].Score)
	}
	// Rank 1 of 2 gives 0.5; the original 0.1 is better and wins.
	if fused[1].Score != 0.1 {
		t.Errorf("fused[1].Score = %v, want 0.1", fused[1].Score)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Quick-brown FOX, v2!")
	want := []string{"the", "quick", "brown", "fox", "v2"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBM25RanksMatchingDocHigher(t *testing.T) {
	docs := []string{
		"zebras have black and white stripes",
		"capacitors store electric charge",
		"the striped zebra lives in the savanna",
	}
	idx := newBM25(docs)
	q := tokenize("zebra stripes")

	if idx.Score(1, q) != 0 {
		t.Errorf("unrelated doc scored %v, want 0", idx.Score(1, q))
	}
	if idx.Score(2, q) <= 0 {
		t.Errorf("matching doc scored %v, want > 0", idx.Score(2, q))
	}
}

func TestNormalizeSparse(t *testing.T) {
	tests := []struct {
		score float64
		want  float64
	}{
		{0, 1},
		{10, 0.5},
		{20, 0},
		{100, 0}, // clipped
	}
	for _, tt := range tests {
		if got := normalizeSparse(tt.score); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("normalizeSparse(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestNormalizeLogit(t *testing.T) {
	tests := []struct {
		logit float64
		want  float64
	}{
		{-10, 1},
		{0, 0.5},
		{10, 0},
		{50, 0}, // clipped
	}
	for _, tt := range tests {
		if got := normalizeLogit(tt.logit); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("normalizeLogit(%v) = %v, want %v", tt.logit, got, tt.want)
		}
	}
}
