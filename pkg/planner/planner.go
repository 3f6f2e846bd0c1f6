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

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

const truncationMarker = "\n[... input truncated ...]"

// SkillSummary is the catalogue row for one skill.
type SkillSummary struct {
	Name        string
	Description string
}

// Planner generates plans with an LLM and repairs its output.
type Planner struct {
	client     llms.Client
	charCap    int
	maxRetries int
}

func New(client llms.Client, charCap, maxRetries int) *Planner {
	if charCap <= 0 {
		charCap = 8000
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Planner{client: client, charCap: charCap, maxRetries: maxRetries}
}

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"description": map[string]any{"type": "string"},
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":         map[string]any{"type": "string"},
					"label":      map[string]any{"type": "string"},
					"executor":   map[string]any{"type": "string", "enum": []any{"tool", "skill", "completion"}},
					"tool":       map[string]any{"type": "string"},
					"args":       map[string]any{"type": "object"},
					"depends_on": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"id", "label", "executor"},
			},
		},
	},
	"required": []any{"description", "steps"},
}

// Plan produces a plan for the request. Parse failures are retried
// with feedback; exhausted retries fall back to a conversational plan
// for chat-like inputs and a zero-step failure plan otherwise.
func (p *Planner) Plan(ctx context.Context, prompt string, history []protocol.Message, catalogue []tools.CatalogueEntry, skills []SkillSummary) (*Plan, error) {
	tracer := observability.GetTracer("kestrel.planner")
	ctx, span := tracer.Start(ctx, observability.SpanPlanGenerate)
	defer span.End()

	system := p.buildPrompt(prompt, history, catalogue, skills)

	var lastRaw string
	feedback := ""
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		messages := []protocol.Message{
			{Role: protocol.RoleSystem, Content: system},
			protocol.UserMessage(truncate(prompt, p.charCap)),
		}
		if feedback != "" {
			messages = append(messages, protocol.UserMessage(
				"Your last output was invalid: "+feedback+". Respond with only the JSON plan object."))
		}

		resp, err := p.client.Chat(ctx, llms.Request{
			Messages:   messages,
			Structured: &llms.StructuredOutputConfig{Name: "plan", Schema: planSchema},
		})
		if err != nil {
			span.SetAttributes(attribute.Int("plan.attempts", attempt))
			return nil, fmt.Errorf("planner LLM call failed: %w", err)
		}

		lastRaw = llms.StripThinking(resp.Text)
		plan, parseErr := parsePlan(lastRaw)
		if parseErr == nil {
			span.SetAttributes(
				attribute.Int("plan.attempts", attempt),
				attribute.Int("plan.steps", len(plan.Steps)),
			)
			return plan, nil
		}

		feedback = parseErr.Error()
		slog.Debug("Plan parse failed, retrying", "attempt", attempt, "error", parseErr)
		span.AddEvent(observability.EventPlanWarning, trace.WithAttributes(
			attribute.String("error", parseErr.Error()),
			attribute.Int("attempt", attempt),
		))
	}

	if isConversational(prompt) || looksLikePromptEcho(lastRaw, system) {
		span.SetAttributes(attribute.Bool("plan.conversational", true))
		return ConversationalPlan(), nil
	}

	span.SetAttributes(attribute.Bool("plan.failed", true))
	return FailedPlan(fmt.Sprintf("no valid plan after %d attempts: %s", p.maxRetries, feedback)), nil
}

func parsePlan(raw string) (*Plan, error) {
	fragment, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var decoded rawPlan
	if err := json.Unmarshal([]byte(fragment), &decoded); err != nil {
		return nil, fmt.Errorf("plan JSON did not decode: %w", err)
	}
	return decoded.normalize()
}

func (p *Planner) buildPrompt(prompt string, history []protocol.Message, catalogue []tools.CatalogueEntry, skills []SkillSummary) string {
	var sb strings.Builder

	sb.WriteString("You are a task planner. Break the user's request into steps.\n")
	sb.WriteString("Respond with a single JSON object: {\"description\": string, \"steps\": [{\"id\", \"label\", \"executor\", \"tool\", \"args\", \"depends_on\"}]}.\n")
	sb.WriteString("executor is one of \"tool\", \"skill\" or \"completion\". Use depends_on to order steps; independent steps may run in parallel.\n\n")

	if len(catalogue) > 0 {
		sb.WriteString("Available tools:\n")
		for _, entry := range catalogue {
			fmt.Fprintf(&sb, "- %s: %s\n", entry.Name, truncate(entry.Description, 200))
		}
		sb.WriteString("\n")
	}
	if len(skills) > 0 {
		sb.WriteString("Available skills:\n")
		for _, s := range skills {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, truncate(s.Description, 200))
		}
		sb.WriteString("\n")
	}

	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		budget := p.charCap / 2
		for _, msg := range recentWithin(history, budget) {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, truncate(msg.Content, 400))
		}
	}

	return sb.String()
}

// recentWithin keeps the newest messages that fit the char budget.
func recentWithin(history []protocol.Message, budget int) []protocol.Message {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Content)
		if total > budget {
			break
		}
		start = i
	}
	return history[start:]
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}

var greetings = []string{
	"hello", "hi", "hey", "yo", "thanks", "thank you", "ok", "okay",
	"good morning", "good afternoon", "good evening", "how are you",
}

// IsConversational catches inputs that are chat, not work: short
// greeting-like prompts that a planner has nothing to do with. The
// router uses it to pick the chat route; the planner uses it as the
// fallback discriminator.
func IsConversational(prompt string) bool {
	return isConversational(prompt)
}

func isConversational(prompt string) bool {
	normalized := strings.ToLower(strings.TrimSpace(prompt))
	normalized = strings.Trim(normalized, "!?.,")
	if normalized == "" {
		return true
	}
	for _, g := range greetings {
		if normalized == g || strings.HasPrefix(normalized, g+" ") {
			return true
		}
	}
	return len(strings.Fields(normalized)) <= 3 && len(normalized) < 30
}

// looksLikePromptEcho detects the failure mode where the model parrots
// the planner instructions back instead of producing a plan.
func looksLikePromptEcho(output, system string) bool {
	if output == "" {
		return false
	}
	markers := []string{
		"You are a task planner",
		"Respond with a single JSON object",
	}
	for _, m := range markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	// A long verbatim overlap with the system prompt is also an echo.
	if len(output) > 80 && strings.Contains(system, strings.TrimSpace(output[:80])) {
		return true
	}
	return false
}
