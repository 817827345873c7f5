package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"
)

// rerankSnippet caps the passage length sent to the cross-encoder.
const rerankSnippet = 512

// Reranker scores (query, passage) pairs against a cross-encoder served
// over HTTP (text-embeddings-inference style /rerank endpoint).
type Reranker struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewReranker creates a reranker client. An empty baseURL disables it.
func NewReranker(baseURL, model string, timeout time.Duration) *Reranker {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reranker{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
	Raw   bool     `json:"raw_scores"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank reorders candidates by cross-encoder relevance. The raw logit
// is mapped to the shared lower-is-better scale. Any failure leaves the
// input order untouched.
func (r *Reranker) Rerank(ctx context.Context, query string, cands []candidate) []candidate {
	if r == nil || len(cands) == 0 {
		return cands
	}

	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = contentKey(c.Content, rerankSnippet)
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Model: r.model, Raw: true})
	if err != nil {
		return cands
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return cands
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return cands
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return cands
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return cands
	}
	if len(results) != len(cands) {
		return cands
	}

	out := make([]candidate, len(cands))
	for i, res := range results {
		if res.Index < 0 || res.Index >= len(cands) {
			return cands
		}
		out[i] = cands[res.Index]
		out[i].Score = normalizeLogit(res.Score)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// normalizeLogit maps a cross-encoder logit onto [0, ...) with lower
// meaning more relevant. Out-of-band logits clip at zero.
func normalizeLogit(logit float64) float64 {
	return math.Max(0, 1-(logit+10)/20)
}

// Healthy probes the reranker endpoint.
func (r *Reranker) Healthy(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("reranker disabled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reranker health: status %d", resp.StatusCode)
	}
	return nil
}
