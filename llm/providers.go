package llm

// NewGroq creates a provider for Groq's inference API. Groq speaks the
// OpenAI-compatible dialect and is the fastest of the chain, so it is the
// default primary.
func NewGroq(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.3-70b-versatile"
	}
	return newOpenAICompat("groq", cfg)
}

// NewCerebras creates a provider for the Cerebras inference API.
func NewCerebras(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cerebras.ai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.3-70b"
	}
	return newOpenAICompat("cerebras", cfg)
}

// NewOpenRouter creates a provider for OpenRouter, the catch-all fallback.
func NewOpenRouter(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "meta-llama/llama-3.3-70b-instruct"
	}
	return newOpenAICompat("openrouter", cfg)
}
