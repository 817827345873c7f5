package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"sibyl/llm"
	"sibyl/metastore"
	"sibyl/retrieve"
	"sibyl/vectorstore"
)

// fakeChatStore is an in-memory Store for orchestrator tests.
type fakeChatStore struct {
	sessions map[string]*metastore.Session
	agents   map[string]*metastore.Agent
	messages map[string][]metastore.Message
	nextID   int
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		sessions: make(map[string]*metastore.Session),
		agents:   make(map[string]*metastore.Agent),
		messages: make(map[string][]metastore.Message),
	}
}

func (f *fakeChatStore) addSession(id string, meta metastore.SessionMeta) *metastore.Session {
	s := &metastore.Session{ID: id, Meta: meta}
	f.sessions[id] = s
	return s
}

func (f *fakeChatStore) GetSession(ctx context.Context, id string) (*metastore.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, metastore.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeChatStore) GetAgent(ctx context.Context, id string) (*metastore.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, metastore.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeChatStore) ListMessages(ctx context.Context, sessionID string) ([]metastore.Message, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, metastore.ErrSessionNotFound
	}
	return append([]metastore.Message(nil), f.messages[sessionID]...), nil
}

func (f *fakeChatStore) AddMessage(ctx context.Context, sessionID, role, content, sources string) (*metastore.Message, error) {
	f.nextID++
	m := metastore.Message{
		ID:        fmt.Sprintf("m%d", f.nextID),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sources:   sources,
	}
	f.messages[sessionID] = append(f.messages[sessionID], m)
	return &m, nil
}

func (f *fakeChatStore) UpdateSessionMeta(ctx context.Context, id string, meta metastore.SessionMeta) error {
	s, ok := f.sessions[id]
	if !ok {
		return metastore.ErrSessionNotFound
	}
	s.Meta = meta
	return nil
}

func (f *fakeChatStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	s, ok := f.sessions[id]
	if !ok {
		return metastore.ErrSessionNotFound
	}
	s.Title = title
	return nil
}

// fakeSearcher returns canned chunks and records the options it saw.
type fakeSearcher struct {
	chunks []retrieve.Chunk
	calls  []retrieve.Options
}

func (f *fakeSearcher) Retrieve(ctx context.Context, query string, opts retrieve.Options) ([]retrieve.Chunk, error) {
	f.calls = append(f.calls, opts)
	return f.chunks, nil
}

// fakeLLM streams scripted tokens and answers Generate with a fixed
// reply.
type fakeLLM struct {
	tokens    []string
	reply     string
	label     string
	generated []llm.Request
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request, preferred string) (*llm.Response, string, error) {
	f.generated = append(f.generated, req)
	return &llm.Response{Text: f.reply, Model: "fake"}, f.label, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.Request, preferred string, info *llm.ProviderInfo) (*llm.Stream, error) {
	if info != nil {
		info.Label = f.label
	}
	return llm.NewStaticStream(f.tokens), nil
}

func chunkFor(content, file string, score float64) retrieve.Chunk {
	return retrieve.Chunk{
		Content:    content,
		SourceFile: file,
		Score:      score,
		Meta: vectorstore.Metadata{
			vectorstore.KeySourceFile: vectorstore.S(file),
		},
	}
}

func newTestOrchestrator(store Store, search Searcher, router LLM) *Orchestrator {
	return New(store, search, router, Config{})
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTurnEventOrdering(t *testing.T) {
	store := newFakeChatStore()
	store.addSession("s1", metastore.SessionMeta{})
	search := &fakeSearcher{chunks: []retrieve.Chunk{chunkFor("tides are caused by the moon", "tides.md", 0.2)}}
	router := &fakeLLM{
		tokens: []string{"The ", "moon ", "causes ", "tides.", " [1]"},
		label:  "groq (llama-3.3-70b-versatile)",
	}
	o := newTestOrchestrator(store, search, router)

	events, err := o.StreamTurn(context.Background(), "s1", "What causes tides?")
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}
	got := drain(t, events)

	var sourcesAt, firstContentAt, doneAt int = -1, -1, -1
	for i, ev := range got {
		switch ev.Type {
		case EventSources:
			sourcesAt = i
		case EventContent:
			if firstContentAt < 0 {
				firstContentAt = i
			}
		case EventDone:
			doneAt = i
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Payload)
		}
	}
	if sourcesAt < 0 || firstContentAt < 0 || doneAt < 0 {
		t.Fatalf("missing events: sources=%d content=%d done=%d", sourcesAt, firstContentAt, doneAt)
	}
	if !(sourcesAt < firstContentAt && firstContentAt < doneAt) {
		t.Errorf("event order sources=%d content=%d done=%d", sourcesAt, firstContentAt, doneAt)
	}
	if got[len(got)-1].Type != EventDone {
		t.Errorf("last event = %s, want done", got[len(got)-1].Type)
	}

	done := got[doneAt].Payload.(Done)
	if done.ModelUsed != "groq (llama-3.3-70b-versatile)" {
		t.Errorf("ModelUsed = %q", done.ModelUsed)
	}
	if done.Answer != "The moon causes tides. [1]" {
		t.Errorf("Answer = %q", done.Answer)
	}
}

func TestStreamTurnPersistsUserThenAssistant(t *testing.T) {
	store := newFakeChatStore()
	store.addSession("s1", metastore.SessionMeta{})
	search := &fakeSearcher{chunks: []retrieve.Chunk{chunkFor("context passage text", "doc.md", 0.3)}}
	router := &fakeLLM{tokens: []string{"Answer."}, label: "groq (m)"}
	o := newTestOrchestrator(store, search, router)

	events, err := o.StreamTurn(context.Background(), "s1", "question?")
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}
	drain(t, events)

	msgs := store.messages["s1"]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s; want user, assistant", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Sources == "" {
		t.Error("assistant message missing sources")
	}
}

func TestStreamTurnFirstTurnSetsTitle(t *testing.T) {
	store := newFakeChatStore()
	store.addSession("s1", metastore.SessionMeta{})
	search := &fakeSearcher{}
	router := &fakeLLM{tokens: []string{"Answer."}, reply: "Tides And The Moon", label: "groq (m)"}
	o := newTestOrchestrator(store, search, router)

	events, _ := o.StreamTurn(context.Background(), "s1", "What causes tides?")
	drain(t, events)

	if store.sessions["s1"].Title != "Tides And The Moon" {
		t.Errorf("Title = %q", store.sessions["s1"].Title)
	}

	// A second turn must not touch the title.
	router.reply = "Different Title"
	events, _ = o.StreamTurn(context.Background(), "s1", "And the sun?")
	drain(t, events)
	if store.sessions["s1"].Title != "Tides And The Moon" {
		t.Errorf("Title changed on second turn: %q", store.sessions["s1"].Title)
	}
}

func TestStreamTurnUnknownSession(t *testing.T) {
	o := newTestOrchestrator(newFakeChatStore(), &fakeSearcher{}, &fakeLLM{})
	_, err := o.StreamTurn(context.Background(), "nope", "hi")
	if !errors.Is(err, metastore.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestStreamTurnAttachmentsRetrievedFirst(t *testing.T) {
	store := newFakeChatStore()
	store.addSession("s1", metastore.SessionMeta{AttachmentCollection: "chatfiles-abcd1234"})
	search := &fakeSearcher{}
	router := &fakeLLM{tokens: []string{"ok"}, label: "groq (m)"}
	o := newTestOrchestrator(store, search, router)

	events, _ := o.StreamTurn(context.Background(), "s1", "q")
	drain(t, events)

	if len(search.calls) != 2 {
		t.Fatalf("retrieval calls = %d, want 2", len(search.calls))
	}
	att := search.calls[0]
	if len(att.Collections) != 1 || att.Collections[0] != "chatfiles-abcd1234" {
		t.Errorf("first retrieval targets %v, want the attachment collection", att.Collections)
	}
	if want := 16; att.TopK != want { // min(2*8, 30)
		t.Errorf("attachment TopK = %d, want %d", att.TopK, want)
	}
}

func TestSearchQueryUsesLastThreeUserMessages(t *testing.T) {
	prior := []string{"q1", "q2", "q3", "q4"}
	got := searchQuery("current", prior)
	if strings.Contains(got, "q1") {
		t.Errorf("query includes stale message: %q", got)
	}
	for _, want := range []string{"q2", "q3", "q4", "current"} {
		if !strings.Contains(got, want) {
			t.Errorf("query missing %q: %q", want, got)
		}
	}
	if !strings.HasSuffix(got, "current") {
		t.Errorf("current message not last: %q", got)
	}
}

func TestClipTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Short Title", "Short Title"},
		{`"Quoted Title"`, "Quoted Title"},
		{"one two three four five six seven eight", "one two three four five six"},
		{strings.Repeat("x", 80), strings.Repeat("x", 60)},
	}
	for _, tt := range tests {
		if got := clipTitle(tt.in); got != tt.want {
			t.Errorf("clipTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
