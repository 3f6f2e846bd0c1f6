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

package skills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// Suspension is the state parked on a Conversation while a skill
// waits for human confirmation: the pending tool call plus the
// messages needed to rebuild the loop on resume.
type Suspension struct {
	ID        string             `json:"id"`
	SkillName string             `json:"skill_name"`
	ToolName  string             `json:"tool_name"`
	ToolCall  protocol.ToolCall  `json:"tool_call"`
	Question  string             `json:"question"`
	Messages  []protocol.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
}

// HitlStore persists suspensions on the Conversation record.
type HitlStore interface {
	SaveSuspension(ctx context.Context, conversationID string, s *Suspension) error
	LoadSuspension(ctx context.Context, conversationID string) (*Suspension, error)
	ClearSuspension(ctx context.Context, conversationID string) error
}

// Engine runs skills as bounded tool-calling loops. It implements
// agent.SkillRunner.
type Engine struct {
	llm      llms.Client
	template *tools.Registry
	registry *Registry

	hitl    HitlStore
	hitlTTL time.Duration

	toolBudget int
}

func NewEngine(llm llms.Client, template *tools.Registry, registry *Registry, hitl HitlStore, hitlTTL time.Duration, toolBudget int) *Engine {
	if hitlTTL <= 0 {
		hitlTTL = time.Hour
	}
	return &Engine{
		llm:        llm,
		template:   template,
		registry:   registry,
		hitl:       hitl,
		hitlTTL:    hitlTTL,
		toolBudget: toolBudget,
	}
}

var _ agent.SkillRunner = (*Engine)(nil)

// RunSkill executes one skill invocation. It returns the skill's
// final text, or agent.ErrHitlSuspended when a confirmation-gated
// tool call parked the request.
func (e *Engine) RunSkill(ctx context.Context, name string, args map[string]any, transcript *agent.Transcript, ambient tools.Ambient, emit func(agent.Event)) (string, error) {
	skill, ok := e.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: skill %q", tools.ErrNotFound, name)
	}
	if err := checkOwnership(skill, ambient); err != nil {
		return "", err
	}

	tracer := observability.GetTracer("kestrel.skills")
	ctx, span := tracer.Start(ctx, observability.SpanSkillExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrSkillName, skill.Name),
			attribute.String(observability.AttrContextID, ambient.ContextID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, skill.Timeout)
	defer cancel()

	messages := []protocol.Message{
		{Role: protocol.RoleSystem, Content: skill.SystemPrompt},
		protocol.UserMessage(promptFromArgs(args, transcript)),
	}

	return e.loop(ctx, skill, messages, transcript, ambient, emit)
}

// Resume continues a suspended skill. Approved resumes execute the
// pending tool call and rejoin the loop; denials clear the state and
// return a short acknowledgement. Expired suspensions are dropped.
func (e *Engine) Resume(ctx context.Context, conversationID string, approved bool, transcript *agent.Transcript, ambient tools.Ambient, emit func(agent.Event)) (string, error) {
	if e.hitl == nil {
		return "", fmt.Errorf("no suspension store configured")
	}

	suspension, err := e.hitl.LoadSuspension(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("loading suspension: %w", err)
	}
	if suspension == nil {
		return "", fmt.Errorf("nothing to resume on conversation %s", conversationID)
	}

	if time.Since(suspension.CreatedAt) > e.hitlTTL {
		slog.Info("Hitl suspension expired", "conversation_id", conversationID, "age", time.Since(suspension.CreatedAt))
		trace.SpanFromContext(ctx).AddEvent(observability.EventHitlExpired, trace.WithAttributes(
			attribute.String(observability.AttrConversationID, conversationID),
		))
		_ = e.hitl.ClearSuspension(ctx, conversationID)
		return "That confirmation has expired. Ask again if you still want it done.", nil
	}

	if err := e.hitl.ClearSuspension(ctx, conversationID); err != nil {
		return "", fmt.Errorf("clearing suspension: %w", err)
	}

	skill, ok := e.registry.Get(suspension.SkillName)
	if !ok {
		return "", fmt.Errorf("%w: suspended skill %q is no longer loaded", tools.ErrNotFound, suspension.SkillName)
	}

	if !approved {
		return "Okay, I won't do that.", nil
	}

	ctx, cancel := context.WithTimeout(ctx, skill.Timeout)
	defer cancel()

	messages := suspension.Messages
	scoped := e.scopedFor(skill)
	limiter := tools.NewCallLimiter(e.toolBudget)

	output := e.callTool(ctx, skill, scoped, suspension.ToolCall, ambient, limiter, emit)
	messages = append(messages, protocol.ToolMessage(suspension.ToolCall.ID, output))

	return e.loopFrom(ctx, skill, scoped, messages, transcript, ambient, limiter, "", emit)
}

func (e *Engine) loop(ctx context.Context, skill *Skill, messages []protocol.Message, transcript *agent.Transcript, ambient tools.Ambient, emit func(agent.Event)) (string, error) {
	scoped := e.scopedFor(skill)
	limiter := tools.NewCallLimiter(e.toolBudget)
	return e.loopFrom(ctx, skill, scoped, messages, transcript, ambient, limiter, ambient.ConversationID, emit)
}

// loopFrom is the shared LLM <-> tool iteration. conversationID is
// only needed on the forward path, for parking suspensions.
func (e *Engine) loopFrom(ctx context.Context, skill *Skill, scoped *tools.Registry, messages []protocol.Message, transcript *agent.Transcript, ambient tools.Ambient, limiter *tools.CallLimiter, conversationID string, emit func(agent.Event)) (string, error) {
	defs := toolDefinitions(scoped)

	for iteration := 0; iteration < skill.MaxIterations; iteration++ {
		resp, err := e.llm.Chat(ctx, llms.Request{Messages: messages, Tools: defs})
		if err != nil {
			return "", fmt.Errorf("skill %q model call: %w", skill.Name, err)
		}
		if transcript != nil {
			transcript.AddUsage(resp.Usage)
		}

		if len(resp.ToolCalls) == 0 {
			return llms.StripThinking(resp.Text), nil
		}

		messages = append(messages, protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if !skill.Permitted(call.Name) {
				if _, err := e.template.GetTool(call.Name); err == nil {
					return "", fmt.Errorf("%w: skill %q may not call %q", tools.ErrNotPermitted, skill.Name, call.Name)
				}
				return "", fmt.Errorf("%w: %s", tools.ErrNotFound, call.Name)
			}

			if skill.RequiresHitl(call.Name) {
				return "", e.suspend(ctx, skill, conversationID, call, messages, emit)
			}

			output := e.callTool(ctx, skill, scoped, call, ambient, limiter, emit)
			messages = append(messages, protocol.ToolMessage(call.ID, output))
		}
	}

	// Iteration budget spent: one last call without tools forces a
	// textual wrap-up instead of an abrupt cut.
	resp, err := e.llm.Chat(ctx, llms.Request{Messages: append(messages,
		protocol.UserMessage("Tool budget is spent. Summarize what you accomplished."))})
	if err != nil {
		return "", fmt.Errorf("skill %q closing call: %w", skill.Name, err)
	}
	if transcript != nil {
		transcript.AddUsage(resp.Usage)
	}
	return llms.StripThinking(resp.Text), nil
}

func (e *Engine) callTool(ctx context.Context, skill *Skill, scoped *tools.Registry, call protocol.ToolCall, ambient tools.Ambient, limiter *tools.CallLimiter, emit func(agent.Event)) string {
	emit(agent.Event{Type: agent.EventToolStarted, StepID: skill.Name, ToolName: call.Name})
	output, err := scoped.Execute(ctx, call.Name, call.Arguments, ambient, limiter)
	if err != nil && output == "" {
		output = tools.ErrorOutput(err.Error())
	}
	emit(agent.Event{Type: agent.EventToolFinished, StepID: skill.Name, ToolName: call.Name, Output: output})
	return output
}

// suspend parks the loop state and signals the orchestrator. With no
// store bound the engine cannot park safely, so it refuses the call.
func (e *Engine) suspend(ctx context.Context, skill *Skill, conversationID string, call protocol.ToolCall, messages []protocol.Message, emit func(agent.Event)) error {
	question := skill.Hitl.Question
	if question == "" {
		question = fmt.Sprintf("The %s skill wants to run %s. Proceed?", skill.Name, call.Name)
	}

	if e.hitl == nil || conversationID == "" {
		return fmt.Errorf("%w: skill %q requires confirmation for %q but no suspension store is bound", tools.ErrNotPermitted, skill.Name, call.Name)
	}

	suspension := &Suspension{
		ID:        uuid.NewString(),
		SkillName: skill.Name,
		ToolName:  call.Name,
		ToolCall:  call,
		Question:  question,
		Messages:  messages,
		CreatedAt: time.Now(),
	}
	if err := e.hitl.SaveSuspension(ctx, conversationID, suspension); err != nil {
		return fmt.Errorf("parking suspension: %w", err)
	}

	trace.SpanFromContext(ctx).AddEvent(observability.EventHitlSuspended, trace.WithAttributes(
		attribute.String(observability.AttrSkillName, skill.Name),
		attribute.String(observability.AttrToolName, call.Name),
	))

	emit(agent.Event{Type: agent.EventHitlPending, Hitl: &agent.HitlRequest{
		ID:       suspension.ID,
		SkillID:  skill.Name,
		ToolName: call.Name,
		Args:     call.Arguments,
		Question: question,
	}})

	return agent.ErrHitlSuspended
}

func (e *Engine) scopedFor(skill *Skill) *tools.Registry {
	permitted := make(map[string]bool, len(skill.Tools))
	for _, t := range skill.Tools {
		permitted[t] = true
	}
	return e.template.Scoped(func(name string) bool { return permitted[name] })
}

// checkOwnership verifies the invoking context owns every resource
// the skill requires. Failures surface as CONTEXT_DENIED.
func checkOwnership(skill *Skill, ambient tools.Ambient) error {
	for _, field := range skill.Requires {
		switch field {
		case tools.ParamWorkingDir:
			if ambient.WorkingDir == "" {
				return agent.NewError(agent.KindContextDenied,
					fmt.Sprintf("skill %q requires a workspace but this context has none", skill.Name))
			}
		case tools.ParamUserEmail:
			if ambient.UserEmail == "" {
				return agent.NewError(agent.KindContextDenied,
					fmt.Sprintf("skill %q requires a user email but none is linked", skill.Name))
			}
		case tools.ParamOAuthToken:
			if ambient.OAuthToken == nil {
				return agent.NewError(agent.KindContextDenied,
					fmt.Sprintf("skill %q requires a linked credential but no token store is bound", skill.Name))
			}
		default:
			return agent.NewError(agent.KindContextDenied,
				fmt.Sprintf("skill %q requires unknown context field %q", skill.Name, field))
		}
	}
	return nil
}

func toolDefinitions(scoped *tools.Registry) []llms.ToolDefinition {
	catalogue := scoped.Catalogue()
	defs := make([]llms.ToolDefinition, 0, len(catalogue))
	for _, entry := range catalogue {
		defs = append(defs, llms.ToolDefinition{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  entry.Parameters,
		})
	}
	return defs
}

// promptFromArgs prefers an explicit prompt argument and falls back
// to the newest user turn in the transcript.
func promptFromArgs(args map[string]any, transcript *agent.Transcript) string {
	if p, ok := args["prompt"].(string); ok && p != "" {
		return p
	}
	if transcript != nil {
		messages := transcript.Messages()
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == protocol.RoleUser {
				return messages[i].Content
			}
		}
	}
	return ""
}
