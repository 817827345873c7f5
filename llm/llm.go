// Package llm routes chat generation across an ordered chain of
// OpenAI-compatible providers with per-provider circuit breakers,
// streaming, and usage accounting.
package llm

import (
	"context"
	"errors"
)

// ErrExhausted is returned when every provider failed or was skipped.
var ErrExhausted = errors.New("llm: all providers are temporarily unavailable")

// Request is a chat generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// Estimated is true when the upstream did not report usage and the
	// counts were derived from character lengths.
	Estimated bool
}

// Response is a completed (non-streaming) generation.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is a single LLM endpoint.
type Provider interface {
	// Name returns the provider label ("groq", "cerebras", ...).
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Enabled reports whether a credential is configured.
	Enabled() bool

	// Generate runs a buffered chat completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream starts a streaming chat completion. The returned
	// Stream's channel yields tokens until the upstream finishes; Err and
	// FinalUsage are valid once the channel is closed.
	GenerateStream(ctx context.Context, req Request) (*Stream, error)

	// Healthy probes the provider's models-list endpoint. The probe never
	// consumes chat quota.
	Healthy(ctx context.Context) error
}

// Stream is a finite lazy token sequence from one provider.
type Stream struct {
	// C yields tokens in order and is closed when the stream ends.
	C <-chan string

	done  <-chan struct{}
	err   *error
	usage *Usage
}

// Err returns the terminal stream error, valid after C is closed.
func (s *Stream) Err() error {
	<-s.done
	return *s.err
}

// FinalUsage returns the stream's usage, valid after C is closed.
func (s *Stream) FinalUsage() Usage {
	<-s.done
	return *s.usage
}

// NewStaticStream returns an already-completed stream yielding the given
// tokens, with usage estimated from their length.
func NewStaticStream(tokens []string) *Stream {
	ch := make(chan string, len(tokens))
	var chars int
	for _, t := range tokens {
		ch <- t
		chars += len(t)
	}
	close(ch)

	done := make(chan struct{})
	close(done)

	var err error
	out := chars / 4
	usage := Usage{OutputTokens: out, TotalTokens: out, Estimated: true}
	return &Stream{C: ch, done: done, err: &err, usage: &usage}
}

// UsageRecord is one row of provider usage accounting.
type UsageRecord struct {
	Provider     string
	Model        string
	CallType     string // "chat" or "whisper"
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Cost         float64
}

// UsageSink receives usage rows. Sink failures never fail a user request.
type UsageSink interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// estimateTokens approximates token count as chars/4, the fallback when a
// provider's stream does not report usage.
func estimateTokens(text string) int {
	return len(text) / 4
}
