package sibyl

import (
	"fmt"
	"path/filepath"
)

// Config holds all configuration for the Sibyl service.
type Config struct {
	// DataDir is where the vector store and metadata databases live.
	// Defaults to "./data".
	DataDir string `json:"data_dir"`

	// UploadDir is the staging directory for multipart uploads. Files are
	// removed once ingestion completes. Defaults to DataDir/uploads.
	UploadDir string `json:"upload_dir"`

	// LLM providers in failover order.
	Groq       ProviderConfig `json:"groq"`
	Cerebras   ProviderConfig `json:"cerebras"`
	OpenRouter ProviderConfig `json:"openrouter"`

	// Embedding configures the embedding endpoint.
	Embedding EmbeddingConfig `json:"embedding"`

	// Reranker configures the optional cross-encoder endpoint.
	// Reranking is disabled when BaseURL is empty.
	Reranker RerankerConfig `json:"reranker"`

	// Retrieval tuning.
	TopK                int     `json:"top_k"`
	MaxContextChunks    int     `json:"max_context_chunks"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxRerankCandidates int     `json:"max_rerank_candidates"`
	NeighborWindow      int     `json:"neighbor_window"`

	// Chunking.
	MinChunkChars int `json:"min_chunk_chars"`

	// Chat history compression.
	SummarizeAfter     int `json:"summarize_after_messages"`
	SummaryReuseWindow int `json:"summary_reuse_window"`
	VerbatimTail       int `json:"verbatim_tail"`

	// Server.
	Addr           string   `json:"addr"`
	APIToken       string   `json:"api_token"`
	AuthEnabled    bool     `json:"auth_enabled"`
	CORSOrigins    []string `json:"cors_origins"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
}

// ProviderConfig configures a single LLM provider endpoint. A provider is
// enabled iff APIKey is non-empty.
type ProviderConfig struct {
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EmbeddingConfig configures the embedding endpoint.
type EmbeddingConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	Dim            int    `json:"dim"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RerankerConfig configures the cross-encoder scoring endpoint.
type RerankerConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: "data",
		Groq: ProviderConfig{
			Model:          "llama-3.3-70b-versatile",
			BaseURL:        "https://api.groq.com/openai/v1",
			TimeoutSeconds: 60,
		},
		Cerebras: ProviderConfig{
			Model:          "llama-3.3-70b",
			BaseURL:        "https://api.cerebras.ai/v1",
			TimeoutSeconds: 60,
		},
		OpenRouter: ProviderConfig{
			Model:          "meta-llama/llama-3.3-70b-instruct",
			BaseURL:        "https://openrouter.ai/api/v1",
			TimeoutSeconds: 90,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "nomic-embed-text",
			Dim:            768,
			TimeoutSeconds: 60,
		},
		TopK:                8,
		MaxContextChunks:    50,
		SimilarityThreshold: 0.65,
		MaxRerankCandidates: 30,
		NeighborWindow:      1,
		MinChunkChars:       50,
		SummarizeAfter:      20,
		SummaryReuseWindow:  10,
		VerbatimTail:        6,
		Addr:                ":8080",
		AuthEnabled:         true,
		MaxUploadBytes:      50 << 20,
	}
}

// Validate checks the configuration for fatal problems. The server refuses
// to start when auth is enabled but no token is configured.
func (c *Config) Validate() error {
	if c.AuthEnabled && c.APIToken == "" {
		return fmt.Errorf("%w: auth enabled but api_token is empty", ErrInvalidConfig)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("%w: embedding dim must be positive", ErrInvalidConfig)
	}
	return nil
}

// VectorDBPath returns the path of the vector store database file.
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.DataDir, "vectors.db")
}

// MetaDBPath returns the path of the metadata database file.
func (c *Config) MetaDBPath() string {
	return filepath.Join(c.DataDir, "sibyl.db")
}

// ResolveUploadDir returns the upload staging directory.
func (c *Config) ResolveUploadDir() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}
