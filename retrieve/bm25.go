package retrieve

import (
	"math"
	"regexp"
	"strings"
)

// Okapi BM25 parameters (standard values from literature).
const (
	bm25K1 = 1.5
	bm25B  = 0.75

	// maxCorpusDocs bounds the number of chunks pulled into the
	// per-query index so sparse search stays in memory budget.
	maxCorpusDocs = 10000
)

var tokenRE = regexp.MustCompile(`\w+`)

// tokenize lowercases and splits on word characters.
func tokenize(s string) []string {
	return tokenRE.FindAllString(strings.ToLower(s), -1)
}

// bm25Index is a throwaway sparse index built per query over the target
// collections' chunks.
type bm25Index struct {
	termFreqs []map[string]int // per document
	docLens   []int
	df        map[string]int // document frequency per term
	avgLen    float64
}

// newBM25 indexes the tokenized documents.
func newBM25(docs []string) *bm25Index {
	idx := &bm25Index{
		termFreqs: make([]map[string]int, len(docs)),
		docLens:   make([]int, len(docs)),
		df:        make(map[string]int),
	}

	var total int
	for i, doc := range docs {
		tokens := tokenize(doc)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.termFreqs[i] = tf
		idx.docLens[i] = len(tokens)
		total += len(tokens)
		for tok := range tf {
			idx.df[tok]++
		}
	}
	if len(docs) > 0 {
		idx.avgLen = float64(total) / float64(len(docs))
	}
	return idx
}

// Score computes the BM25 score of document i against the query tokens.
func (idx *bm25Index) Score(i int, queryTokens []string) float64 {
	n := float64(len(idx.termFreqs))
	if n == 0 {
		return 0
	}

	var score float64
	dl := float64(idx.docLens[i])
	for _, tok := range queryTokens {
		tf := float64(idx.termFreqs[i][tok])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[tok])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*dl/idx.avgLen))
	}
	return score
}

// normalizeSparse maps a raw BM25 score onto the lower-is-better scale
// shared with cosine distances.
func normalizeSparse(score float64) float64 {
	return math.Max(0, 1-math.Min(score/20, 1))
}
