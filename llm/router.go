package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ProviderInfo is a mutable handle the router fills with the label of the
// provider that actually served a streaming request.
type ProviderInfo struct {
	Label string
}

// costPerMTok is a rough USD price per million tokens (input, output),
// used only for the estimated-cost column of usage rows.
var costPerMTok = map[string][2]float64{
	"groq":       {0.59, 0.79},
	"cerebras":   {0.85, 1.20},
	"openrouter": {0.90, 0.90},
}

// Router walks an ordered provider chain with per-provider circuit
// breakers. A session's preferred provider is tried first; the rest follow
// in declared order. Streaming and non-streaming calls share breaker state.
type Router struct {
	providers []Provider
	breakers  map[string]*breaker
	sink      UsageSink
}

// NewRouter creates a router over providers in failover order. sink may be
// nil to disable usage accounting.
func NewRouter(providers []Provider, sink UsageSink) *Router {
	breakers := make(map[string]*breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker()
	}
	return &Router{providers: providers, breakers: breakers, sink: sink}
}

// ordered returns the provider chain with the preferred provider moved to
// the front. An empty or unknown preference keeps the declared order.
func (r *Router) ordered(preferred string) []Provider {
	if preferred == "" {
		return r.providers
	}
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Name() == preferred {
			out = append(out, p)
		}
	}
	for _, p := range r.providers {
		if p.Name() != preferred {
			out = append(out, p)
		}
	}
	return out
}

// Generate runs a buffered completion against the first available
// provider. Returns the response and the serving provider's label.
func (r *Router) Generate(ctx context.Context, req Request, preferred string) (*Response, string, error) {
	for _, p := range r.ordered(preferred) {
		br := r.breakers[p.Name()]
		if !p.Enabled() || !br.Allow() {
			continue
		}

		resp, err := p.Generate(ctx, req)
		if err != nil {
			br.Failure()
			slog.Warn("llm: provider failed, trying next", "provider", p.Name(), "error", err)
			continue
		}

		br.Success()
		r.account(ctx, p, resp.Usage)
		return resp, Label(p), nil
	}
	return nil, "", ErrExhausted
}

// GenerateStream starts a stream on the first available provider and
// fills info with its label. Breaker success is recorded only when the
// stream completes cleanly; usage is accounted at that point too.
func (r *Router) GenerateStream(ctx context.Context, req Request, preferred string, info *ProviderInfo) (*Stream, error) {
	for _, p := range r.ordered(preferred) {
		br := r.breakers[p.Name()]
		if !p.Enabled() || !br.Allow() {
			continue
		}

		upstream, err := p.GenerateStream(ctx, req)
		if err != nil {
			br.Failure()
			slog.Warn("llm: provider stream failed to start, trying next", "provider", p.Name(), "error", err)
			continue
		}

		if info != nil {
			info.Label = Label(p)
		}
		return r.wrapStream(ctx, p, br, upstream), nil
	}
	return nil, ErrExhausted
}

// wrapStream forwards tokens and settles breaker state and usage
// accounting once the upstream finishes.
func (r *Router) wrapStream(ctx context.Context, p Provider, br *breaker, upstream *Stream) *Stream {
	tokens := make(chan string)
	done := make(chan struct{})
	var (
		streamErr error
		usage     Usage
	)

	go func() {
		defer close(done)
		defer close(tokens)

		for token := range upstream.C {
			select {
			case tokens <- token:
			case <-ctx.Done():
				// Reader went away; drain the upstream goroutine.
				// Not a provider fault, so the breaker is untouched.
				for range upstream.C {
				}
				streamErr = ctx.Err()
				return
			}
		}

		streamErr = upstream.Err()
		usage = upstream.FinalUsage()
		if streamErr != nil {
			if !errors.Is(streamErr, context.Canceled) {
				br.Failure()
			}
			return
		}
		br.Success()
		r.account(ctx, p, usage)
	}()

	return &Stream{C: tokens, done: done, err: &streamErr, usage: &usage}
}

// account appends a usage row. Failures are swallowed with a debug log so
// accounting can never fail a user request.
func (r *Router) account(ctx context.Context, p Provider, usage Usage) {
	if r.sink == nil {
		return
	}
	prices := costPerMTok[p.Name()]
	cost := float64(usage.InputTokens)*prices[0]/1e6 + float64(usage.OutputTokens)*prices[1]/1e6

	rec := UsageRecord{
		Provider:     p.Name(),
		Model:        p.Model(),
		CallType:     "chat",
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		Cost:         cost,
	}
	if err := r.sink.RecordUsage(ctx, rec); err != nil {
		slog.Debug("llm: usage accounting failed", "provider", p.Name(), "error", err)
	}
}

// Health reports each provider's availability for the health endpoint:
// "ok", "open" (breaker tripped), or "disabled" (no credential).
func (r *Router) Health() map[string]string {
	out := make(map[string]string, len(r.providers))
	for _, p := range r.providers {
		switch {
		case !p.Enabled():
			out[p.Name()] = "disabled"
		case r.breakers[p.Name()].Open():
			out[p.Name()] = "open"
		default:
			out[p.Name()] = "ok"
		}
	}
	return out
}

// Probe issues a zero-cost health check against every enabled provider.
func (r *Router) Probe(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.providers))
	for _, p := range r.providers {
		if !p.Enabled() {
			out[p.Name()] = fmt.Errorf("disabled")
			continue
		}
		out[p.Name()] = p.Healthy(ctx)
	}
	return out
}
