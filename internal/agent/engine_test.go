package agent

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/internal/memory"
	"github.com/clawlite/clawlite/internal/providers"
	"github.com/clawlite/clawlite/internal/sessions"
	"github.com/clawlite/clawlite/internal/tools"
)

// scriptProvider replays canned responses in order.
type scriptProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     int
	block     chan struct{} // when set, Chat blocks until closed or ctx done
}

func (p *scriptProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.SessionCancelled, ctx.Err(), "chat aborted")
		}
	}
	return p.responses[idx], nil
}

func (p *scriptProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && resp.Content != "" && onChunk != nil {
		onChunk(providers.StreamChunk{Content: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, err
}

func (p *scriptProvider) DefaultModel() string { return "test-model" }
func (p *scriptProvider) Name() string         { return "script" }

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeChain struct{ p providers.Provider }

func (c *fakeChain) Call(ctx context.Context, fn func(p providers.Provider, model string) (*providers.ChatResponse, error)) (*providers.ChainResult, error) {
	resp, err := fn(c.p, "test-model")
	if err != nil {
		return nil, err
	}
	return &providers.ChainResult{Response: resp, Model: "test-model", Provider: "script", Mode: providers.ModeOnline}, nil
}

type recordTool struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (t *recordTool) Name() string        { return "note" }
func (t *recordTool) Description() string { return "record a note" }
func (t *recordTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"text"},
	}
}
func (t *recordTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	return tools.SilentResult("noted")
}

func newTestEngine(t *testing.T, p providers.Provider) (*Engine, *sessions.Store, *recordTool) {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg := tools.NewRegistry()
	rec := &recordTool{}
	if err := reg.Register(rec); err != nil {
		t.Fatal(err)
	}

	e := New(&fakeChain{p: p}, reg, store, nil, nil, nil, t.TempDir(), Options{})
	return e, store, rec
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: text, FinishReason: "stop", Usage: &providers.Usage{TotalTokens: 10}}
}

func toolResponse(name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: "tc1", Name: name, Arguments: args}},
		Usage:        &providers.Usage{TotalTokens: 5},
	}
}

func TestRunPlainReply(t *testing.T) {
	e, store, _ := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{
		textResponse("hello back"),
	}})

	res, err := e.Run(context.Background(), "cli:local", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello back" || res.Meta.Turns != 1 || res.Meta.Mode != providers.ModeOnline {
		t.Errorf("result = %+v", res)
	}

	msgs := store.All("cli:local")
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("session log = %+v", msgs)
	}
}

func TestRunToolLoop(t *testing.T) {
	e, store, rec := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{
		toolResponse("note", map[string]any{"text": "remember milk"}),
		textResponse("done, noted"),
	}})

	res, err := e.Run(context.Background(), "cli:local", "note milk")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "done, noted" || res.Meta.Turns != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(rec.calls) != 1 || rec.calls[0]["text"] != "remember milk" {
		t.Errorf("tool calls = %+v", rec.calls)
	}

	var sawTool bool
	for _, m := range store.All("cli:local") {
		if m.Role == "tool" && m.ToolName == "note" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Error("tool record missing from session log")
	}
}

func TestRunBoundedByMaxTurns(t *testing.T) {
	p := &scriptProvider{responses: []*providers.ChatResponse{
		toolResponse("note", map[string]any{"text": "again"}),
	}}
	e, _, _ := newTestEngine(t, p)

	res, err := e.Run(context.Background(), "cli:local", "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.Turns != defaultMaxTurns {
		t.Errorf("turns = %d, want %d", res.Meta.Turns, defaultMaxTurns)
	}
	if p.callCount() != defaultMaxTurns {
		t.Errorf("provider calls = %d", p.callCount())
	}
	if res.Text == "" {
		t.Error("no fallback text at turn limit")
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	e, _, _ := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{textResponse("x")}})
	res, err := e.Run(context.Background(), "cli:local", "/stop")
	if err != nil || res.Text != nothingToStop {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestStopCancelsInFlightRun(t *testing.T) {
	p := &scriptProvider{
		responses: []*providers.ChatResponse{textResponse("never")},
		block:     make(chan struct{}),
	}
	e, _, _ := newTestEngine(t, p)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "telegram:42", "long task")
		errCh <- err
	}()

	waitFor(t, func() bool { return p.callCount() >= 0 && len(e.ActiveSessions()) == 1 })

	res, err := e.Run(context.Background(), "telegram:42", "/stop")
	if err != nil || res.Text != stoppedReply {
		t.Fatalf("stop = %+v, %v", res, err)
	}

	select {
	case runErr := <-errCh:
		if !errs.Is(runErr, errs.SessionCancelled) {
			t.Errorf("run err = %v, want session_cancelled", runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run never returned")
	}
}

type stubSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (s *stubSummarizer) Summarize(ctx context.Context, prompt, transcript string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return "talked about the garden", nil
}

func (s *stubSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestConsolidationTriggersOnStopNotOnRunEnd(t *testing.T) {
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	index, err := memory.Open(filepath.Join(t.TempDir(), "memory.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	summ := &stubSummarizer{}
	consol := memory.NewConsolidator(index, store, summ)

	p := &scriptProvider{responses: []*providers.ChatResponse{textResponse("hello back")}}
	e := New(&fakeChain{p: p}, tools.NewRegistry(), store, index, consol, nil, t.TempDir(), Options{})

	if _, err := e.Run(context.Background(), "cli:local", "hello"); err != nil {
		t.Fatal(err)
	}
	if summ.count() != 0 {
		t.Fatalf("run completion consolidated: %d summaries", summ.count())
	}

	res, err := e.Run(context.Background(), "cli:local", "/stop")
	if err != nil || res.Text != nothingToStop {
		t.Fatalf("stop = %+v, %v", res, err)
	}
	if summ.count() != 1 {
		t.Fatalf("stop did not consolidate: %d summaries", summ.count())
	}
	if !index.HasSourceTag("session:cli:local") {
		t.Error("summary not tagged with session source")
	}
}

type progressTool struct{}

func (t *progressTool) Name() string        { return "progress" }
func (t *progressTool) Description() string { return "report progress" }
func (t *progressTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *progressTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return &tools.Result{ForLLM: "sent", ForUser: "Working on it."}
}

func TestToolForUserSurfacesOnBus(t *testing.T) {
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg := tools.NewRegistry()
	if err := reg.Register(&progressTool{}); err != nil {
		t.Fatal(err)
	}

	p := &scriptProvider{responses: []*providers.ChatResponse{
		toolResponse("progress", map[string]any{}),
		textResponse("done"),
	}}
	e := New(&fakeChain{p: p}, reg, store, nil, nil, nil, t.TempDir(), Options{})

	b := bus.New(10, 0)
	defer b.Close()
	e.AttachBus(b)

	ctx := tools.WithReply(context.Background(), bus.ReplyHandle{Channel: "telegram", ChatID: "42"})
	if _, err := e.Run(ctx, "telegram:42", "do it"); err != nil {
		t.Fatal(err)
	}

	msg, ok := b.TakeOutbound(context.Background())
	if !ok || msg.Text != "Working on it." || msg.SessionID != "telegram:42" {
		t.Fatalf("interim message = %+v ok=%v", msg, ok)
	}
	if msg.Reply.Channel != "telegram" || msg.Reply.ChatID != "42" {
		t.Errorf("reply = %+v", msg.Reply)
	}
}

func TestDefaultConcurrencyTracksCPUCount(t *testing.T) {
	e, _, _ := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{textResponse("x")}})
	if got, want := cap(e.sem), runtime.NumCPU()*2; got != want {
		t.Errorf("default concurrency = %d, want %d", got, want)
	}
}

func TestPerSessionSerialization(t *testing.T) {
	p := &scriptProvider{
		responses: []*providers.ChatResponse{textResponse("ok")},
		block:     make(chan struct{}),
	}
	e, _, _ := newTestEngine(t, p)

	var order []string
	var mu sync.Mutex
	record := func(tag string) {
		mu.Lock()
		order = append(order, tag)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Run(context.Background(), "telegram:1", "first")
		record("first done")
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		e.Run(context.Background(), "telegram:1", "second")
		record("second done")
	}()

	time.Sleep(50 * time.Millisecond)
	if p.callCount() != 1 {
		t.Errorf("second run started while first in flight: calls = %d", p.callCount())
	}

	close(p.block)
	wg.Wait()
	if len(order) != 2 || order[0] != "first done" {
		t.Errorf("order = %v", order)
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{textResponse("child done")}})

	child, err := e.Spawn(context.Background(), "telegram:1", "level one")
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := e.Spawn(context.Background(), child, "level two")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spawn(context.Background(), grandchild, "level three"); err == nil {
		t.Error("depth limit not enforced")
	}
	e.Wait()
}

func TestSubagentResultDeliveredToParent(t *testing.T) {
	e, store, _ := newTestEngine(t, &scriptProvider{responses: []*providers.ChatResponse{textResponse("researched it")}})

	if _, err := e.Spawn(context.Background(), "telegram:7", "research"); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	var delivered bool
	for _, m := range store.All("telegram:7") {
		if strings.Contains(m.Text, "researched it") {
			delivered = true
		}
	}
	if !delivered {
		t.Error("subagent result not appended to parent session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
