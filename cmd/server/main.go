package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sibyl"
	"sibyl/chat"
	"sibyl/embed"
	"sibyl/extract"
	"sibyl/ingest"
	"sibyl/llm"
	"sibyl/metastore"
	"sibyl/retrieve"
	"sibyl/vectorstore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := sibyl.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	applyEnv(&cfg)
	if *addr != "" {
		cfg.Addr = *addr
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.DataDir, cfg.ResolveUploadDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("creating directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	vec, err := vectorstore.NewSQLite(cfg.VectorDBPath(), cfg.Embedding.Dim)
	if err != nil {
		slog.Error("opening vector store", "error", err)
		os.Exit(1)
	}
	defer vec.Close()

	meta, err := metastore.New(cfg.MetaDBPath())
	if err != nil {
		slog.Error("opening metadata store", "error", err)
		os.Exit(1)
	}
	defer meta.Close()

	embedder := embed.New(embed.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Dim:     cfg.Embedding.Dim,
		Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})

	router := llm.NewRouter([]llm.Provider{
		llm.NewGroq(providerConfig(cfg.Groq)),
		llm.NewCerebras(providerConfig(cfg.Cerebras)),
		llm.NewOpenRouter(providerConfig(cfg.OpenRouter)),
	}, meta)

	reranker := retrieve.NewReranker(cfg.Reranker.BaseURL, cfg.Reranker.Model,
		time.Duration(cfg.Reranker.TimeoutSeconds)*time.Second)

	retriever := retrieve.New(vec, embedder, router, reranker, retrieve.Config{
		TopK:                cfg.TopK,
		MaxContextChunks:    cfg.MaxContextChunks,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxRerankCandidates: cfg.MaxRerankCandidates,
		NeighborWindow:      cfg.NeighborWindow,
	})

	pipeline := ingest.NewPipeline(vec, extract.NewRegistry(), embedder)

	orch := chat.New(meta, retriever, router, chat.Config{
		TopK:               cfg.TopK,
		SummarizeAfter:     cfg.SummarizeAfter,
		SummaryReuseWindow: cfg.SummaryReuseWindow,
		VerbatimTail:       cfg.VerbatimTail,
	})

	h := newHandler(cfg, vec, meta, pipeline, ingest.NewJobStore(), orch, router,
		extract.NewURLFetcher())

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      h.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr, "auth", cfg.AuthEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func providerConfig(pc sibyl.ProviderConfig) llm.Config {
	return llm.Config{
		APIKey:  pc.APIKey,
		Model:   pc.Model,
		BaseURL: pc.BaseURL,
		Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
	}
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *sibyl.Config) {
	if v := os.Getenv("SIBYL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SIBYL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SIBYL_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("SIBYL_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("SIBYL_AUTH_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AuthEnabled = !b
		}
	}
	if v := os.Getenv("SIBYL_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitTrim(v)
	}

	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		cfg.Groq.APIKey = v
	}
	if v := os.Getenv("CEREBRAS_API_KEY"); v != "" {
		cfg.Cerebras.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouter.APIKey = v
	}
	if v := os.Getenv("SIBYL_GROQ_MODEL"); v != "" {
		cfg.Groq.Model = v
	}
	if v := os.Getenv("SIBYL_CEREBRAS_MODEL"); v != "" {
		cfg.Cerebras.Model = v
	}
	if v := os.Getenv("SIBYL_OPENROUTER_MODEL"); v != "" {
		cfg.OpenRouter.Model = v
	}

	if v := os.Getenv("SIBYL_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("SIBYL_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("SIBYL_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("SIBYL_EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dim = n
		}
	}

	if v := os.Getenv("SIBYL_RERANK_BASE_URL"); v != "" {
		cfg.Reranker.BaseURL = v
	}
	if v := os.Getenv("SIBYL_RERANK_MODEL"); v != "" {
		cfg.Reranker.Model = v
	}
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
