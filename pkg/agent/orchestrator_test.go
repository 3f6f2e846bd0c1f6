package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kestrelhq/kestrel/pkg/fastpath"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/mcp"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

type fakeTool struct {
	name string
	run  func(ctx context.Context, args map[string]any) (string, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "test tool" }
func (f *fakeTool) ActivityHint() string       { return "" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (f *fakeTool) Run(ctx context.Context, args map[string]any, ambient tools.Ambient) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.run(ctx, args)
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSkillRunner struct {
	run func(ctx context.Context, name string, emit func(Event)) (string, error)
}

func (f *fakeSkillRunner) RunSkill(ctx context.Context, name string, args map[string]any, transcript *Transcript, ambient tools.Ambient, emit func(Event)) (string, error) {
	return f.run(ctx, name, emit)
}

func newTestOrchestrator(t *testing.T, llm llms.Client, registry *tools.Registry, skills SkillRunner, opts ...Option) *Orchestrator {
	t.Helper()

	pl := planner.New(llm, 0, 0)
	checker := func(name string, kind planner.ExecutorKind) bool {
		if kind == planner.ExecutorSkill {
			return skills != nil
		}
		_, err := registry.GetTool(name)
		return err == nil
	}
	planSup := planner.NewSupervisor(checker)
	executor := NewStepExecutor(registry, llm, skills, 0)
	stepSup := NewStepSupervisor(llm)

	o := New(Config{RequestTimeout: 5 * time.Second}, llm, registry, pl, planSup, executor, stepSup, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not terminate, got %d events", len(events))
		}
	}
}

func terminalOf(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Contains(t, []EventType{EventDone, EventError}, last.Type)
	for _, ev := range events[:len(events)-1] {
		assert.NotContains(t, []EventType{EventDone, EventError}, ev.Type, "terminal event before end of stream")
	}
	return last
}

func planJSON(steps string) string {
	return fmt.Sprintf(`{"description": "test plan", "steps": [%s]}`, steps)
}

func TestStreamChatRoute(t *testing.T) {
	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "Hi there!", Usage: protocol.TokenUsage{InputTokens: 3, OutputTokens: 4}})

	o := newTestOrchestrator(t, llm, tools.NewRegistry(0), nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "hello!"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, "Hi there!", terminal.Final)
	assert.Equal(t, 7, terminal.Usage.Total())

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, "Hi there!", events[0].Token)

	// A chat prompt never reaches the planner.
	require.Len(t, llm.Calls(), 1)
	assert.Nil(t, llm.Calls()[0].Structured)
}

func TestStreamFastPathRoute(t *testing.T) {
	homey := &fakeTool{name: "homey", run: func(ctx context.Context, args map[string]any) (string, error) {
		return "kitchen light is now on", nil
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(homey))

	router := fastpath.NewRouter()
	require.NoError(t, fastpath.RegisterBuiltins(router))

	llm := llms.NewScriptedClient()
	o := newTestOrchestrator(t, llm, registry, nil, WithFastPaths(router))

	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "turn on the kitchen lights"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, "kitchen light is now on", terminal.Final)

	require.Equal(t, 1, homey.callCount())
	assert.Equal(t, "control_device", homey.calls[0]["action"])
	assert.Equal(t, true, homey.calls[0]["value"])

	// No planner, no synthesis.
	assert.Empty(t, llm.Calls())
}

func TestStreamAgenticTwoStepSuccess(t *testing.T) {
	var mu sync.Mutex
	var order []string
	search := &fakeTool{name: "web_fetch", run: func(ctx context.Context, args map[string]any) (string, error) {
		mu.Lock()
		order = append(order, "fetch")
		mu.Unlock()
		return "page content", nil
	}}
	email := &fakeTool{name: "send_email", run: func(ctx context.Context, args map[string]any) (string, error) {
		mu.Lock()
		order = append(order, "email")
		mu.Unlock()
		return "sent", nil
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(search))
	require.NoError(t, registry.RegisterNative(email))

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: planJSON(`
		{"id": "1", "label": "fetch the page", "executor": "tool", "tool": "web_fetch", "args": {"url": "https://example.com"}},
		{"id": "2", "label": "email the summary", "executor": "tool", "tool": "send_email", "depends_on": ["1"]}`)})
	llm.Enqueue(llms.Response{Text: "Done, I emailed you the summary.", Usage: protocol.TokenUsage{OutputTokens: 8}})

	o := newTestOrchestrator(t, llm, registry, nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "summarize example.com and email it to me"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	require.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, "Done, I emailed you the summary.", terminal.Final)

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventPlan)
	assert.Contains(t, types, EventToolStarted)
	assert.Contains(t, types, EventToolFinished)

	// depends_on forces the email after the fetch.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"fetch", "email"}, order)
}

func TestStreamAgenticRetryThenSuccess(t *testing.T) {
	attempts := 0
	flaky := &fakeTool{name: "web_fetch", run: func(ctx context.Context, args map[string]any) (string, error) {
		attempts++
		if attempts == 1 {
			return "", fmt.Errorf("connection reset")
		}
		return "page content", nil
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(flaky))

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: planJSON(`{"id": "1", "label": "fetch", "executor": "tool", "tool": "web_fetch"}`)})
	llm.Enqueue(llms.Response{Text: "Here is the page."})

	o := newTestOrchestrator(t, llm, registry, nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "fetch example.com please and thanks"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, 2, attempts)
}

func TestStreamReplanLoopEscalatesToPlanInvalid(t *testing.T) {
	broken := &fakeTool{name: "remote_search", run: func(ctx context.Context, args map[string]any) (string, error) {
		return "", fmt.Errorf("%w: server down", mcp.ErrUnavailable)
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(broken))

	llm := llms.NewScriptedClient()
	samePlan := planJSON(`{"id": "1", "label": "search", "executor": "tool", "tool": "remote_search"}`)
	for i := 0; i < 3; i++ {
		llm.Enqueue(llms.Response{Text: samePlan})
	}

	o := newTestOrchestrator(t, llm, registry, nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "search the remote index for apples"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	require.Equal(t, EventError, terminal.Type)
	assert.Equal(t, KindPlanInvalid, terminal.Err.Kind)
	assert.Contains(t, terminal.Err.Message, "looping")

	// One plan per round, no synthesis call.
	assert.Len(t, llm.Calls(), 3)
}

func TestStreamUnknownToolFailsClosed(t *testing.T) {
	registry := tools.NewRegistry(0)

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: planJSON(`{"id": "1", "label": "use ghost", "executor": "tool", "tool": "ghost_tool"}`)})

	o := newTestOrchestrator(t, llm, registry, nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "do the thing with the ghost tool"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	require.Equal(t, EventError, terminal.Type)
	assert.Equal(t, KindPlanInvalid, terminal.Err.Kind)
}

func TestStreamHitlSuspension(t *testing.T) {
	skills := &fakeSkillRunner{run: func(ctx context.Context, name string, emit func(Event)) (string, error) {
		emit(Event{Type: EventHitlPending, Hitl: &HitlRequest{
			ID:       "hitl-1",
			SkillID:  name,
			ToolName: "send_email",
			Question: "Send this email?",
		}})
		return "", ErrHitlSuspended
	}}

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: planJSON(`{"id": "1", "label": "run the email skill", "executor": "skill", "tool": "email_digest"}`)})

	o := newTestOrchestrator(t, llm, tools.NewRegistry(0), skills)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "send my weekly digest email to the team"}, tools.Ambient{}))

	terminal := terminalOf(t, events)
	require.Equal(t, EventDone, terminal.Type)
	assert.Contains(t, terminal.Final, "confirmation")

	var sawHitl bool
	for _, ev := range events {
		if ev.Type == EventHitlPending {
			sawHitl = true
			assert.Equal(t, "hitl-1", ev.Hitl.ID)
		}
	}
	assert.True(t, sawHitl, "expected a hitl_pending event before the stream ended")
}

func TestStreamRouteOverride(t *testing.T) {
	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "Chatting as told."})

	o := newTestOrchestrator(t, llm, tools.NewRegistry(0), nil)
	req := &Request{
		Prompt:   "summarize https://example.com and email it, twice, carefully",
		Metadata: map[string]string{MetaRoute: RouteChat},
	}
	events := collect(t, o.Stream(context.Background(), req, tools.Ambient{}))

	terminal := terminalOf(t, events)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, "Chatting as told.", terminal.Final)
	require.Len(t, llm.Calls(), 1)
	assert.Nil(t, llm.Calls()[0].Structured)
}

type recordingPersister struct {
	mu     sync.Mutex
	saved  []string
	status []string
	traces []string
	fail   int
}

func (p *recordingPersister) PersistOutcome(ctx context.Context, conversationID string, userMsg, assistantMsg protocol.Message, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return fmt.Errorf("db locked")
	}
	p.saved = append(p.saved, assistantMsg.Content)
	p.status = append(p.status, status)
	p.traces = append(p.traces, assistantMsg.TraceID)
	return nil
}

func TestStreamPersistsOutcomeWithOneRetry(t *testing.T) {
	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "Hello back."})

	persister := &recordingPersister{fail: 1}
	o := newTestOrchestrator(t, llm, tools.NewRegistry(0), nil, WithPersister(persister))

	req := &Request{Prompt: "hi", ConversationID: "conv-1"}
	events := collect(t, o.Stream(context.Background(), req, tools.Ambient{}))

	terminal := terminalOf(t, events)
	assert.Equal(t, EventDone, terminal.Type)

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.saved, 1)
	assert.Equal(t, "Hello back.", persister.saved[0])
	assert.Equal(t, "completed", persister.status[0])
}

func TestStreamTerminalSurvivesCancelledContext(t *testing.T) {
	// A request whose context is already gone must still end its stream
	// with exactly one terminal event. Repeated because the old failure
	// mode was a racy drop, not a deterministic one.
	for i := 0; i < 50; i++ {
		llm := llms.NewScriptedClient()
		llm.Enqueue(llms.Response{Text: "too late but still terminal"})
		o := newTestOrchestrator(t, llm, tools.NewRegistry(0), nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		events := collect(t, o.Stream(ctx, &Request{Prompt: "hello!"}, tools.Ambient{}))
		terminal := terminalOf(t, events)
		assert.Contains(t, []EventType{EventDone, EventError}, terminal.Type)
	}
}

func TestStreamReplanWinsOverWaveCancellation(t *testing.T) {
	broken := &fakeTool{name: "remote_search", run: func(ctx context.Context, args map[string]any) (string, error) {
		return "", fmt.Errorf("%w: server down", mcp.ErrUnavailable)
	}}
	// Blocks until the wave is cancelled, then surfaces the cancellation.
	slow := &fakeTool{name: "web_fetch", run: func(ctx context.Context, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	email := &fakeTool{name: "send_email", run: func(ctx context.Context, args map[string]any) (string, error) {
		return "sent", nil
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(broken))
	require.NoError(t, registry.RegisterNative(slow))
	require.NoError(t, registry.RegisterNative(email))

	llm := llms.NewScriptedClient()
	// First plan fans out two independent steps; the dead server forces
	// a replan that cancels the in-flight fetch sibling.
	llm.Enqueue(llms.Response{Text: planJSON(`
		{"id": "1", "label": "search", "executor": "tool", "tool": "remote_search"},
		{"id": "2", "label": "fetch", "executor": "tool", "tool": "web_fetch"}`)})
	llm.Enqueue(llms.Response{Text: planJSON(`{"id": "1", "label": "email instead", "executor": "tool", "tool": "send_email"}`)})
	llm.Enqueue(llms.Response{Text: "Routed around the dead server."})

	o := newTestOrchestrator(t, llm, registry, nil)
	events := collect(t, o.Stream(context.Background(), &Request{Prompt: "search the index and fetch the page"}, tools.Ambient{}))

	// The cancelled sibling must not masquerade as the request outcome;
	// the replan proceeds and the second plan succeeds.
	terminal := terminalOf(t, events)
	require.Equal(t, EventDone, terminal.Type, "terminal: %+v", terminal)
	assert.Equal(t, "Routed around the dead server.", terminal.Final)
	assert.Equal(t, 1, email.callCount())
}

func TestStreamDoneCarriesTraceID(t *testing.T) {
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "Hello back."})

	persister := &recordingPersister{}
	o := newTestOrchestrator(t, llm, tools.NewRegistry(0), nil, WithPersister(persister))

	req := &Request{Prompt: "hi", ConversationID: "conv-1"}
	events := collect(t, o.Stream(context.Background(), req, tools.Ambient{}))

	terminal := terminalOf(t, events)
	require.Equal(t, EventDone, terminal.Type)
	require.Len(t, terminal.TraceID, 32, "done event carries the hex trace id")

	// The persisted assistant message correlates with the same trace.
	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.traces, 1)
	assert.Equal(t, terminal.TraceID, persister.traces[0])
}

type recordingMemory struct {
	mu      sync.Mutex
	upserts []string
	done    chan struct{}
}

func (m *recordingMemory) Upsert(ctx context.Context, contextID, content string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	m.upserts = append(m.upserts, content)
	m.mu.Unlock()
	close(m.done)
	return "mem-1", nil
}

func TestStreamWritesMemoryInBackground(t *testing.T) {
	tool := &fakeTool{name: "web_fetch", run: func(ctx context.Context, args map[string]any) (string, error) {
		return "content", nil
	}}
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(tool))

	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: planJSON(`{"id": "1", "label": "fetch", "executor": "tool", "tool": "web_fetch"}`)})
	llm.Enqueue(llms.Response{Text: "All done."})

	memory := &recordingMemory{done: make(chan struct{})}
	o := newTestOrchestrator(t, llm, registry, nil, WithMemory(memory))

	req := &Request{Prompt: "fetch example.com for me right now", ContextID: "ctx-1"}
	events := collect(t, o.Stream(context.Background(), req, tools.Ambient{}))
	terminal := terminalOf(t, events)
	require.Equal(t, EventDone, terminal.Type)

	select {
	case <-memory.done:
	case <-time.After(2 * time.Second):
		t.Fatal("memory write never happened")
	}
	memory.mu.Lock()
	defer memory.mu.Unlock()
	require.Len(t, memory.upserts, 1)
	assert.Contains(t, memory.upserts[0], "fetch example.com")
}
