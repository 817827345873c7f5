// Package chat orchestrates conversation turns: history compression,
// attachment-aware retrieval, grounded prompt assembly, and incremental
// cleanup of the streamed answer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sibyl/llm"
	"sibyl/metastore"
	"sibyl/retrieve"
)

// EventType names the SSE event kinds a turn emits, in producer order:
// status* -> sources -> status -> content* -> done (or error).
type EventType string

const (
	EventStatus  EventType = "status"
	EventSources EventType = "sources"
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one item of a turn's output stream. The error payload shown
// to clients is generic; the underlying cause travels unexported so the
// buffered path can map it to a status code.
type Event struct {
	Type    EventType
	Payload any

	err error
}

// Source is one citation entry of the sources event.
type Source struct {
	Filename       string         `json:"filename"`
	ChunkText      string         `json:"chunk_text"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Done is the payload of the terminal done event.
type Done struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	ModelUsed string `json:"model_used"`
	Answer    string `json:"answer"`
}

// Store is the slice of the metadata store the orchestrator needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*metastore.Session, error)
	GetAgent(ctx context.Context, id string) (*metastore.Agent, error)
	ListMessages(ctx context.Context, sessionID string) ([]metastore.Message, error)
	AddMessage(ctx context.Context, sessionID, role, content, sources string) (*metastore.Message, error)
	UpdateSessionMeta(ctx context.Context, id string, meta metastore.SessionMeta) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
}

// Searcher is the retrieval entry point.
type Searcher interface {
	Retrieve(ctx context.Context, query string, opts retrieve.Options) ([]retrieve.Chunk, error)
}

// LLM is the slice of the provider router the orchestrator needs.
type LLM interface {
	Generate(ctx context.Context, req llm.Request, preferred string) (*llm.Response, string, error)
	GenerateStream(ctx context.Context, req llm.Request, preferred string, info *llm.ProviderInfo) (*llm.Stream, error)
}

// Config tunes history compression and retrieval budgets.
type Config struct {
	TopK               int
	SummarizeAfter     int
	SummaryReuseWindow int
	VerbatimTail       int
	Temperature        float64
}

// Orchestrator runs chat turns over the store, retriever, and router.
type Orchestrator struct {
	store     Store
	retriever Searcher
	llm       LLM
	cfg       Config
}

// New creates an orchestrator, filling config defaults.
func New(store Store, retriever Searcher, router LLM, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.SummarizeAfter <= 0 {
		cfg.SummarizeAfter = 20
	}
	if cfg.SummaryReuseWindow <= 0 {
		cfg.SummaryReuseWindow = 10
	}
	if cfg.VerbatimTail <= 0 {
		cfg.VerbatimTail = 6
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &Orchestrator{store: store, retriever: retriever, llm: router, cfg: cfg}
}

// StreamTurn runs one turn and emits events on the returned channel. The
// channel closes after the terminal done or error event. Session lookup
// failures are returned synchronously so handlers can map them to 404.
func (o *Orchestrator) StreamTurn(ctx context.Context, sessionID, message string) (<-chan Event, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		o.runTurn(ctx, sess, message, events)
	}()
	return events, nil
}

// TurnResult is the buffered (non-streaming) outcome of a turn.
type TurnResult struct {
	Answer    string   `json:"answer"`
	MessageID string   `json:"message_id"`
	ModelUsed string   `json:"model_used"`
	Sources   []Source `json:"sources"`
}

// Turn is the buffered degenerate case of StreamTurn: it drains the
// event stream and returns the terminal state.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, message string) (*TurnResult, error) {
	events, err := o.StreamTurn(ctx, sessionID, message)
	if err != nil {
		return nil, err
	}

	res := &TurnResult{}
	for ev := range events {
		switch ev.Type {
		case EventSources:
			if srcs, ok := ev.Payload.([]Source); ok {
				res.Sources = srcs
			}
		case EventDone:
			if done, ok := ev.Payload.(Done); ok {
				res.Answer = done.Answer
				res.MessageID = done.MessageID
				res.ModelUsed = done.ModelUsed
			}
		case EventError:
			if ev.err != nil {
				return nil, ev.err
			}
			return nil, errors.New("chat: turn failed")
		}
	}
	return res, nil
}

// runTurn runs one turn end to end: history, retrieval, prompt, stream,
// persist.
func (o *Orchestrator) runTurn(ctx context.Context, sess *metastore.Session, message string, events chan<- Event) {
	agent := o.loadAgent(ctx, sess)

	msgs, err := o.store.ListMessages(ctx, sess.ID)
	if err != nil {
		events <- errEvent(err)
		return
	}
	firstTurn := len(msgs) == 0

	history := o.historySection(ctx, sess, msgs)

	events <- Event{Type: EventStatus, Payload: "searching documents"}

	query := searchQuery(message, priorUserContents(msgs))
	chunks, err := o.retrieveScoped(ctx, query, sess, agent)
	if err != nil {
		events <- errEvent(err)
		return
	}

	events <- Event{Type: EventStatus, Payload: resultStatus(chunks)}
	events <- Event{Type: EventSources, Payload: sourcesFor(chunks)}

	system := defaultSystemPrompt
	temperature := o.cfg.Temperature
	if agent != nil {
		if agent.SystemPrompt != "" {
			system = agent.SystemPrompt
		}
		if agent.Temperature > 0 {
			temperature = agent.Temperature
		}
	}

	var info llm.ProviderInfo
	stream, err := o.llm.GenerateStream(ctx, llm.Request{
		System:      system,
		Prompt:      buildUserPrompt(chunks, history, message),
		Temperature: temperature,
	}, sess.Meta.LLMProvider, &info)
	if err != nil {
		events <- errEvent(err)
		return
	}

	answer := o.relayTokens(stream, events)
	if err := stream.Err(); err != nil {
		events <- errEvent(err)
		return
	}

	// Persist user then assistant only after the stream completed; a
	// mid-stream disconnect loses the turn.
	if _, err := o.store.AddMessage(ctx, sess.ID, "user", message, ""); err != nil {
		events <- errEvent(err)
		return
	}
	assistant, err := o.store.AddMessage(ctx, sess.ID, "assistant", answer, encodeSources(chunks))
	if err != nil {
		events <- errEvent(err)
		return
	}

	if firstTurn {
		title := o.generateTitle(ctx, message)
		if err := o.store.UpdateSessionTitle(ctx, sess.ID, title); err != nil {
			slog.Warn("chat: storing title failed", "session", sess.ID, "error", err)
		}
	}

	events <- Event{Type: EventDone, Payload: Done{
		SessionID: sess.ID,
		MessageID: assistant.ID,
		ModelUsed: info.Label,
		Answer:    answer,
	}}
}

// relayTokens drains the provider stream, emitting a content event with
// the full cleaned text every few tokens or at sentence boundaries, and
// only when the cleaned text actually changed.
func (o *Orchestrator) relayTokens(stream *llm.Stream, events chan<- Event) string {
	var (
		raw       strings.Builder
		lastClean string
		pending   int
	)

	flush := func() {
		cleaned := Clean(TrimIncompleteTag(raw.String()))
		if cleaned != lastClean && cleaned != "" {
			lastClean = cleaned
			events <- Event{Type: EventContent, Payload: cleaned}
		}
		pending = 0
	}

	for token := range stream.C {
		raw.WriteString(token)
		pending++
		if pending >= 3 || endsSentence(token) {
			flush()
		}
	}
	if pending > 0 {
		flush()
	}
	return Clean(raw.String())
}

// endsSentence reports whether a token closes a sentence or line.
func endsSentence(token string) bool {
	if token == "" {
		return false
	}
	switch token[len(token)-1] {
	case '\n', '.', '!', '?':
		return true
	}
	return false
}

// retrieveScoped runs retrieval for the session: the attachment
// collection first with a generous budget, then the session's regular
// scope. Attachments lead so they get the lower citation indices.
func (o *Orchestrator) retrieveScoped(ctx context.Context, query string, sess *metastore.Session, agent *metastore.Agent) ([]retrieve.Chunk, error) {
	topK := o.cfg.TopK
	multiQuery := false
	var collections []string
	if agent != nil {
		if agent.TopK > 0 {
			topK = agent.TopK
		}
		multiQuery = agent.MultiQuery
		collections = agent.Collections
	}
	if len(collections) == 0 && sess.Collection != "" {
		collections = []string{sess.Collection}
	}

	var out []retrieve.Chunk
	if att := sess.Meta.AttachmentCollection; att != "" {
		budget := 2 * topK
		if budget > 30 {
			budget = 30
		}
		attChunks, err := o.retriever.Retrieve(ctx, query, retrieve.Options{
			Collections: []string{att},
			TopK:        budget,
			Hybrid:      true,
		})
		if err != nil {
			return nil, err
		}
		out = attChunks
	}

	chunks, err := o.retriever.Retrieve(ctx, query, retrieve.Options{
		Collections: collections,
		TopK:        topK,
		MultiQuery:  multiQuery,
		Hybrid:      true,
	})
	if err != nil {
		return nil, err
	}
	return append(out, chunks...), nil
}

// loadAgent resolves the session's agent; a deleted agent degrades to
// defaults.
func (o *Orchestrator) loadAgent(ctx context.Context, sess *metastore.Session) *metastore.Agent {
	if sess.AgentID == "" {
		return nil
	}
	agent, err := o.store.GetAgent(ctx, sess.AgentID)
	if err != nil {
		if !errors.Is(err, metastore.ErrAgentNotFound) {
			slog.Warn("chat: agent lookup failed", "agent", sess.AgentID, "error", err)
		}
		return nil
	}
	return agent
}

// resultStatus summarises the retrieval outcome for the status event.
func resultStatus(chunks []retrieve.Chunk) string {
	if len(chunks) == 0 {
		return "no relevant documents found; answering from conversation context only"
	}

	files := make(map[string]bool)
	var displayTotal float64
	for _, c := range chunks {
		files[c.SourceFile] = true
		displayTotal += 1 - c.Score
	}
	status := fmt.Sprintf("found %d passages across %d files", len(chunks), len(files))
	if displayTotal/float64(len(chunks)) < 0.4 {
		status += "; relevance is low, the answer may be incomplete"
	}
	return status
}

// sourcesFor builds the deduplicated citation list.
func sourcesFor(chunks []retrieve.Chunk) []Source {
	seen := make(map[string]bool)
	out := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		preview := c.Content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		key := c.SourceFile + "\x00" + preview
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Source{
			Filename:       c.SourceFile,
			ChunkText:      preview,
			RelevanceScore: clamp01(1 - c.Score),
			Metadata:       c.Meta.Plain(),
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// encodeSources serializes the citation list for message persistence.
func encodeSources(chunks []retrieve.Chunk) string {
	srcs := sourcesFor(chunks)
	if len(srcs) == 0 {
		return ""
	}
	b, err := json.Marshal(srcs)
	if err != nil {
		return ""
	}
	return string(b)
}

func errEvent(err error) Event {
	slog.Error("chat: turn failed", "error", err)
	return Event{
		Type:    EventError,
		Payload: map[string]string{"detail": "temporarily unavailable"},
		err:     err,
	}
}
