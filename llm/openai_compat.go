package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openAICompat is the shared base for all providers: Groq, Cerebras, and
// OpenRouter all speak the OpenAI chat-completions dialect.
type openAICompat struct {
	name   string
	model  string
	apiKey string
	client *openai.Client
}

// Config configures a single provider endpoint.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func newOpenAICompat(name string, cfg Config) *openAICompat {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &openAICompat{
		name:   name,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		client: openai.NewClientWithConfig(apiCfg),
	}
}

func (p *openAICompat) Name() string  { return p.name }
func (p *openAICompat) Model() string { return p.model }
func (p *openAICompat) Enabled() bool { return p.apiKey != "" }

// Label renders "name (model)" for user-visible provider attribution.
func Label(p Provider) string {
	return fmt.Sprintf("%s (%s)", p.Name(), p.Model())
}

func (p *openAICompat) chatRequest(req Request) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
}

func (p *openAICompat) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices in response", p.name)
	}

	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *openAICompat) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	chatReq := p.chatRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	upstream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: starting stream: %w", p.name, err)
	}

	tokens := make(chan string)
	done := make(chan struct{})
	var (
		streamErr error
		usage     Usage
	)

	go func() {
		defer close(done)
		defer close(tokens)
		defer upstream.Close()

		outputChars := 0
		for {
			chunk, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				streamErr = fmt.Errorf("%s: stream: %w", p.name, err)
				break
			}

			// The final usage chunk arrives with no choices.
			if chunk.Usage != nil {
				usage = Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			outputChars += len(token)

			select {
			case tokens <- token:
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			}
		}

		if usage.TotalTokens == 0 {
			// Upstream sent no usage chunk; estimate chars/4 for prompt
			// plus system as input and the accumulated output.
			usage = Usage{
				InputTokens:  estimateTokens(req.Prompt) + estimateTokens(req.System),
				OutputTokens: outputChars / 4,
				Estimated:    true,
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		}
	}()

	return &Stream{C: tokens, done: done, err: &streamErr, usage: &usage}, nil
}

// Healthy lists the provider's models. Zero-cost probe.
func (p *openAICompat) Healthy(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("%s: health probe: %w", p.name, err)
	}
	return nil
}
