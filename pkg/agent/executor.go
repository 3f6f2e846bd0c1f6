// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// SkillRunner executes one skill invocation. Implemented by the skill
// engine; the indirection keeps the dependency pointing one way.
type SkillRunner interface {
	RunSkill(ctx context.Context, name string, args map[string]any, transcript *Transcript, ambient tools.Ambient, emit func(Event)) (string, error)
}

// StepResult is what one step execution produced. Suspended marks a
// step that parked the request for human confirmation.
type StepResult struct {
	Output    string
	Err       *Error
	Suspended bool
}

// StepExecutor runs a single plan step and forwards its lifecycle as
// events. It owns error translation: whatever a tool, skill, or LLM
// throws, the orchestrator sees a classified Error.
type StepExecutor struct {
	registry *tools.Registry
	llm      llms.Client
	skills   SkillRunner

	toolBudget int
}

func NewStepExecutor(registry *tools.Registry, llm llms.Client, skills SkillRunner, toolBudget int) *StepExecutor {
	return &StepExecutor{
		registry:   registry,
		llm:        llm,
		skills:     skills,
		toolBudget: toolBudget,
	}
}

// Run executes the step. Events stream through emit; the returned
// result is never accompanied by a raw error.
func (e *StepExecutor) Run(ctx context.Context, step *planner.PlanStep, transcript *Transcript, ambient tools.Ambient, emit func(Event)) StepResult {
	tracer := observability.GetTracer("kestrel.agent")
	ctx, span := tracer.Start(ctx, observability.SpanStepExecute,
		trace.WithAttributes(
			attribute.String(observability.AttrStepID, step.ID),
			attribute.String("step.executor", string(step.Executor)),
		),
	)
	defer span.End()

	var result StepResult
	switch step.Executor {
	case planner.ExecutorTool:
		result = e.runTool(ctx, step, ambient, emit)
	case planner.ExecutorSkill:
		result = e.runSkill(ctx, step, transcript, ambient, emit)
	case planner.ExecutorCompletion:
		result = e.runCompletion(ctx, step, transcript)
	default:
		result = StepResult{Err: NewError(KindInternal, fmt.Sprintf("unknown executor %q", step.Executor))}
	}

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Message)
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(result.Err.Kind)))
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	return result
}

func (e *StepExecutor) runTool(ctx context.Context, step *planner.PlanStep, ambient tools.Ambient, emit func(Event)) StepResult {
	emit(Event{Type: EventToolStarted, StepID: step.ID, ToolName: step.Target})

	if tool, err := e.registry.GetTool(step.Target); err == nil {
		if hint := tools.RenderActivityHint(tool.ActivityHint(), step.Args); hint != "" {
			emit(Event{Type: EventToolActivity, StepID: step.ID, ToolName: step.Target, Activity: hint})
		}
	}

	limiter := tools.NewCallLimiter(e.toolBudget)
	output, err := e.registry.Execute(ctx, step.Target, step.Args, ambient, limiter)

	emit(Event{Type: EventToolFinished, StepID: step.ID, ToolName: step.Target, Output: output})

	if err != nil {
		classified := Classify(err)
		if classified.Kind == KindInternal {
			// A tool error with no finer classification is TOOL_FAILED.
			classified = WrapError(KindToolFailed, err.Error(), err)
		}
		return StepResult{Output: output, Err: classified}
	}
	return StepResult{Output: output}
}

func (e *StepExecutor) runSkill(ctx context.Context, step *planner.PlanStep, transcript *Transcript, ambient tools.Ambient, emit func(Event)) StepResult {
	if e.skills == nil {
		return StepResult{Err: NewError(KindToolNotFound, fmt.Sprintf("no skill engine bound, cannot run %q", step.Target))}
	}

	output, err := e.skills.RunSkill(ctx, step.Target, step.Args, transcript, ambient, emit)
	if errors.Is(err, ErrHitlSuspended) {
		return StepResult{Output: output, Suspended: true}
	}
	if err != nil {
		return StepResult{Output: output, Err: Classify(err)}
	}
	return StepResult{Output: output}
}

func (e *StepExecutor) runCompletion(ctx context.Context, step *planner.PlanStep, transcript *Transcript) StepResult {
	messages := transcript.Messages()
	if step.RetryFeedback != "" {
		messages = append(messages, protocol.UserMessage("Note from review: "+step.RetryFeedback))
	}

	resp, err := e.llm.Chat(ctx, llms.Request{Messages: messages})
	if err != nil {
		classified := Classify(err)
		if classified.Kind == KindInternal {
			classified = WrapError(KindLLMFailed, err.Error(), err)
		}
		return StepResult{Err: classified}
	}

	transcript.AddUsage(resp.Usage)
	return StepResult{Output: llms.StripThinking(resp.Text)}
}
