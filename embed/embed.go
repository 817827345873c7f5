// Package embed wraps the embedding endpoint with batching, retry, and a
// strict dimension policy: the deployment declares one expected dimension
// and the client never falls back to a different model, because dimension
// drift would corrupt the vector store.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when the embedding service cannot be reached
// after retries.
var ErrUnavailable = errors.New("embed: embedding service unavailable")

const (
	// maxBatchSize caps inputs per upstream call.
	maxBatchSize = 50
	// maxRetries per batch, with 1s/2s/4s backoff between attempts.
	maxRetries     = 3
	baseRetryDelay = time.Second
)

// Config configures the embedding client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// Client is the embedding client. Both entry points are synchronous and
// idempotent.
type Client struct {
	api   *openai.Client
	model string
	dim   int
}

// New creates an embedding client for an OpenAI-compatible endpoint.
func New(cfg Config) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:   openai.NewClientWithConfig(apiCfg),
		model: cfg.Model,
		dim:   cfg.Dim,
	}
}

// Dim returns the expected embedding dimension.
func (c *Client) Dim() int { return c.dim }

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per input, in input order. Inputs are
// sent upstream in batches of at most 50; each batch is retried up to 3
// times with exponential backoff on transport failure.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1) // 1s, 2s, 4s
			slog.Warn("embed: retrying batch", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
		}

		vecs := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return nil, fmt.Errorf("embed: embedding index %d out of range", d.Index)
			}
			if len(d.Embedding) != c.dim {
				return nil, fmt.Errorf("embed: model returned dimension %d, expected %d: %w",
					len(d.Embedding), c.dim, ErrUnavailable)
			}
			vecs[d.Index] = d.Embedding
		}
		return vecs, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
