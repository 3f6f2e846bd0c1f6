package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

func collectEmitted() (func(Event), *[]Event) {
	var events []Event
	return func(ev Event) { events = append(events, ev) }, &events
}

func TestExecutorRunsToolAndEmitsLifecycle(t *testing.T) {
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(&fakeTool{
		name: "web_fetch",
		run: func(ctx context.Context, args map[string]any) (string, error) {
			return "page content", nil
		},
	}))

	e := NewStepExecutor(registry, llms.NewScriptedClient(), nil, 0)
	emit, events := collectEmitted()

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorTool, Target: "web_fetch",
		Args: map[string]any{"url": "https://example.com"},
	}, NewTranscript(0), tools.Ambient{}, emit)

	require.Nil(t, result.Err)
	assert.Equal(t, "page content", result.Output)

	require.Len(t, *events, 2)
	assert.Equal(t, EventToolStarted, (*events)[0].Type)
	assert.Equal(t, EventToolFinished, (*events)[1].Type)
	assert.Equal(t, "page content", (*events)[1].Output)
}

func TestExecutorUnknownToolIsNotFound(t *testing.T) {
	e := NewStepExecutor(tools.NewRegistry(0), llms.NewScriptedClient(), nil, 0)
	emit, _ := collectEmitted()

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorTool, Target: "frobnicator",
	}, NewTranscript(0), tools.Ambient{}, emit)

	require.NotNil(t, result.Err)
	assert.Equal(t, KindToolNotFound, result.Err.Kind)
}

func TestExecutorGenericToolErrorIsToolFailed(t *testing.T) {
	registry := tools.NewRegistry(0)
	require.NoError(t, registry.RegisterNative(&fakeTool{
		name: "web_fetch",
		run: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("connection reset")
		},
	}))

	e := NewStepExecutor(registry, llms.NewScriptedClient(), nil, 0)
	emit, _ := collectEmitted()

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorTool, Target: "web_fetch",
	}, NewTranscript(0), tools.Ambient{}, emit)

	require.NotNil(t, result.Err)
	assert.Equal(t, KindToolFailed, result.Err.Kind)
	assert.Contains(t, result.Err.Message, "connection reset")
}

func TestExecutorSkillSuspension(t *testing.T) {
	skills := &fakeSkillRunner{
		run: func(ctx context.Context, name string, emit func(Event)) (string, error) {
			return "", fmt.Errorf("awaiting confirmation: %w", ErrHitlSuspended)
		},
	}
	e := NewStepExecutor(tools.NewRegistry(0), llms.NewScriptedClient(), skills, 0)
	emit, _ := collectEmitted()

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorSkill, Target: "email_digest",
	}, NewTranscript(0), tools.Ambient{}, emit)

	assert.True(t, result.Suspended)
	assert.Nil(t, result.Err)
}

func TestExecutorSkillWithoutEngine(t *testing.T) {
	e := NewStepExecutor(tools.NewRegistry(0), llms.NewScriptedClient(), nil, 0)
	emit, _ := collectEmitted()

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorSkill, Target: "email_digest",
	}, NewTranscript(0), tools.Ambient{}, emit)

	require.NotNil(t, result.Err)
	assert.Equal(t, KindToolNotFound, result.Err.Kind)
}

func TestExecutorCompletionStripsThinking(t *testing.T) {
	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "<think>secret scratchpad</think>The answer is 4."})

	e := NewStepExecutor(tools.NewRegistry(0), llm, nil, 0)
	emit, _ := collectEmitted()

	transcript := NewTranscript(0)
	transcript.Append(protocol.UserMessage("what is 2+2?"))

	result := e.Run(context.Background(), &planner.PlanStep{
		ID: "s1", Executor: planner.ExecutorCompletion,
	}, transcript, tools.Ambient{}, emit)

	require.Nil(t, result.Err)
	assert.Equal(t, "The answer is 4.", result.Output)
	assert.NotContains(t, result.Output, "scratchpad")
}
