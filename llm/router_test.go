package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeProvider is a scriptable provider for router tests.
type fakeProvider struct {
	name    string
	model   string
	enabled bool
	err     error // returned by Generate/GenerateStream when set
	endErr  error // terminal stream error reported after tokens
	text    string
	calls   int
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return f.model }
func (f *fakeProvider) Enabled() bool { return f.enabled }

func (f *fakeProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{
		Text:  f.text,
		Model: f.model,
		Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeProvider) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan string, 2)
	ch <- f.text
	close(ch)
	done := make(chan struct{})
	close(done)
	streamErr := f.endErr
	usage := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	return &Stream{C: ch, done: done, err: &streamErr, usage: &usage}, nil
}

func (f *fakeProvider) Healthy(ctx context.Context) error { return f.err }

// memSink records usage rows in memory.
type memSink struct {
	mu   sync.Mutex
	rows []UsageRecord
}

func (m *memSink) RecordUsage(ctx context.Context, rec UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rec)
	return nil
}

func (m *memSink) records() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageRecord(nil), m.rows...)
}

func TestRouterUsesFirstProvider(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "llama-3.3-70b-versatile", enabled: true, text: "hi"}
	b := &fakeProvider{name: "cerebras", model: "llama-3.3-70b", enabled: true, text: "hi"}
	r := NewRouter([]Provider{a, b}, nil)

	resp, label, err := r.Generate(context.Background(), Request{Prompt: "q"}, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "hi" {
		t.Errorf("Text = %q, want %q", resp.Text, "hi")
	}
	if label != "groq (llama-3.3-70b-versatile)" {
		t.Errorf("label = %q, want %q", label, "groq (llama-3.3-70b-versatile)")
	}
	if b.calls != 0 {
		t.Errorf("second provider called %d times, want 0", b.calls)
	}
}

func TestRouterFailsOver(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, err: errors.New("upstream 500")}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: true, text: "from b"}
	r := NewRouter([]Provider{a, b}, nil)

	resp, label, err := r.Generate(context.Background(), Request{Prompt: "q"}, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "from b" {
		t.Errorf("Text = %q, want %q", resp.Text, "from b")
	}
	if label != "cerebras (m2)" {
		t.Errorf("label = %q, want %q", label, "cerebras (m2)")
	}
}

func TestRouterSkipsDisabled(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: false, text: "nope"}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: true, text: "yes"}
	r := NewRouter([]Provider{a, b}, nil)

	resp, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "yes" {
		t.Errorf("Text = %q, want %q", resp.Text, "yes")
	}
	if a.calls != 0 {
		t.Errorf("disabled provider called %d times, want 0", a.calls)
	}
}

func TestRouterExhausted(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, err: errors.New("down")}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: false}
	r := NewRouter([]Provider{a, b}, nil)

	_, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, "")
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Generate() error = %v, want ErrExhausted", err)
	}
}

func TestRouterPreferredFirst(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, text: "a"}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: true, text: "b"}
	r := NewRouter([]Provider{a, b}, nil)

	resp, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, "cerebras")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "b" {
		t.Errorf("Text = %q, want preferred provider's %q", resp.Text, "b")
	}
	if a.calls != 0 {
		t.Errorf("non-preferred provider called %d times, want 0", a.calls)
	}
}

func TestRouterBreakerSkipsAfterRepeatedFailures(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, err: errors.New("500")}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: true, text: "backup"}
	r := NewRouter([]Provider{a, b}, nil)

	for i := 0; i < breakerThreshold; i++ {
		if _, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, ""); err != nil {
			t.Fatalf("Generate() error = %v on attempt %d", err, i+1)
		}
	}
	if a.calls != breakerThreshold {
		t.Fatalf("failing provider called %d times, want %d", a.calls, breakerThreshold)
	}

	// Breaker is now open; the failing provider must be skipped entirely.
	if _, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, ""); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a.calls != breakerThreshold {
		t.Errorf("failing provider called %d times after breaker opened, want %d", a.calls, breakerThreshold)
	}
}

func TestRouterStreamFailover(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, err: errors.New("refused")}
	b := &fakeProvider{name: "cerebras", model: "llama-3.3-70b", enabled: true, text: "streamed"}
	sink := &memSink{}
	r := NewRouter([]Provider{a, b}, sink)

	var info ProviderInfo
	s, err := r.GenerateStream(context.Background(), Request{Prompt: "q"}, "", &info)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	if info.Label != "cerebras (llama-3.3-70b)" {
		t.Errorf("info.Label = %q, want %q", info.Label, "cerebras (llama-3.3-70b)")
	}

	var got string
	for tok := range s.C {
		got += tok
	}
	if got != "streamed" {
		t.Errorf("streamed text = %q, want %q", got, "streamed")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if u := s.FinalUsage(); u.TotalTokens != 15 {
		t.Errorf("FinalUsage().TotalTokens = %d, want 15", u.TotalTokens)
	}

	rows := sink.records()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].Provider != "cerebras" || rows[0].CallType != "chat" || rows[0].TotalTokens != 15 {
		t.Errorf("usage row = %+v, want cerebras chat with 15 tokens", rows[0])
	}
}

func TestRouterStreamClientCancelKeepsBreakerClosed(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, text: "tok"}
	r := NewRouter([]Provider{a}, nil)

	for i := 0; i < breakerThreshold; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := r.GenerateStream(ctx, Request{Prompt: "q"}, "", nil)
		if err != nil {
			t.Fatalf("GenerateStream() error = %v on attempt %d", err, i+1)
		}
		// Abandon the stream without reading, as a disconnected client
		// does.
		cancel()
		if err := s.Err(); !errors.Is(err, context.Canceled) {
			t.Fatalf("Err() = %v, want context.Canceled", err)
		}
	}

	if r.breakers["groq"].Open() {
		t.Fatal("breaker opened after client-side cancellations")
	}

	s, err := r.GenerateStream(context.Background(), Request{Prompt: "q"}, "", nil)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v after cancellations", err)
	}
	var got string
	for tok := range s.C {
		got += tok
	}
	if got != "tok" {
		t.Errorf("streamed text = %q, want %q", got, "tok")
	}
}

func TestRouterStreamCanceledUpstreamNotAFailure(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, text: "partial", endErr: context.Canceled}
	r := NewRouter([]Provider{a}, nil)

	for i := 0; i < breakerThreshold; i++ {
		s, err := r.GenerateStream(context.Background(), Request{Prompt: "q"}, "", nil)
		if err != nil {
			t.Fatalf("GenerateStream() error = %v on attempt %d", err, i+1)
		}
		for range s.C {
		}
		if err := s.Err(); !errors.Is(err, context.Canceled) {
			t.Fatalf("Err() = %v, want context.Canceled", err)
		}
	}

	if r.breakers["groq"].Open() {
		t.Error("breaker opened on canceled streams")
	}
}

func TestRouterStreamMidStreamErrorTripsBreaker(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, text: "partial", endErr: errors.New("connection reset")}
	r := NewRouter([]Provider{a}, nil)

	for i := 0; i < breakerThreshold; i++ {
		s, err := r.GenerateStream(context.Background(), Request{Prompt: "q"}, "", nil)
		if err != nil {
			t.Fatalf("GenerateStream() error = %v on attempt %d", err, i+1)
		}
		for range s.C {
		}
		if s.Err() == nil {
			t.Fatal("Err() = nil, want mid-stream error")
		}
	}

	if !r.breakers["groq"].Open() {
		t.Error("breaker still closed after repeated mid-stream errors")
	}
}

func TestRouterUsageCost(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, text: "x"}
	sink := &memSink{}
	r := NewRouter([]Provider{a}, sink)

	if _, _, err := r.Generate(context.Background(), Request{Prompt: "q"}, ""); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	rows := sink.records()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	want := 10*0.59/1e6 + 5*0.79/1e6
	if diff := rows[0].Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Cost = %v, want %v", rows[0].Cost, want)
	}
}

func TestRouterHealth(t *testing.T) {
	a := &fakeProvider{name: "groq", model: "m1", enabled: true, err: errors.New("500")}
	b := &fakeProvider{name: "cerebras", model: "m2", enabled: false}
	c := &fakeProvider{name: "openrouter", model: "m3", enabled: true, text: "ok"}
	r := NewRouter([]Provider{a, b, c}, nil)

	for i := 0; i < breakerThreshold; i++ {
		r.Generate(context.Background(), Request{Prompt: "q"}, "")
	}

	h := r.Health()
	want := map[string]string{"groq": "open", "cerebras": "disabled", "openrouter": "ok"}
	for name, state := range want {
		if h[name] != state {
			t.Errorf("Health()[%s] = %q, want %q", name, h[name], state)
		}
	}
}

func TestLabel(t *testing.T) {
	p := &fakeProvider{name: "groq", model: "llama-3.3-70b-versatile"}
	if got := Label(p); got != fmt.Sprintf("%s (%s)", p.name, p.model) {
		t.Errorf("Label() = %q", got)
	}
}
