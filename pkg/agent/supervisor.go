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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// OutcomeKind is the supervisor's verdict on one step attempt.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "SUCCESS"
	OutcomeRetry   OutcomeKind = "RETRY"
	OutcomeReplan  OutcomeKind = "REPLAN"
	OutcomeAbort   OutcomeKind = "ABORT"
)

// StepOutcome pairs the verdict with its payload: retry feedback,
// replan reason, or the abort error.
type StepOutcome struct {
	Kind     OutcomeKind
	Feedback string
	Reason   string
	Err      *Error
}

// StepSupervisor reviews step results. Deterministic rules handle the
// classified error kinds; an LLM reviews ambiguous tool output. With
// no LLM reachable the rule set alone decides (degraded mode), biased
// lenient.
type StepSupervisor struct {
	llm llms.Client
}

func NewStepSupervisor(llm llms.Client) *StepSupervisor {
	return &StepSupervisor{llm: llm}
}

func (s *StepSupervisor) Review(ctx context.Context, step *planner.PlanStep, result StepResult) StepOutcome {
	tracer := observability.GetTracer("kestrel.agent")
	ctx, span := tracer.Start(ctx, observability.SpanStepReview,
		trace.WithAttributes(attribute.String(observability.AttrStepID, step.ID)),
	)
	defer span.End()

	outcome := s.review(ctx, step, result)
	span.SetAttributes(attribute.String("step.outcome", string(outcome.Kind)))
	return outcome
}

func (s *StepSupervisor) review(ctx context.Context, step *planner.PlanStep, result StepResult) StepOutcome {
	if result.Err != nil {
		return s.reviewError(step, result.Err)
	}

	if tools.IsErrorOutput(result.Output) {
		return s.reviewAmbiguous(ctx, step, result.Output)
	}

	// Lenient default: a step that produced output without a failure
	// signal is done.
	return StepOutcome{Kind: OutcomeSuccess}
}

// reviewError applies the closed rule table over the taxonomy.
func (s *StepSupervisor) reviewError(step *planner.PlanStep, stepErr *Error) StepOutcome {
	switch stepErr.Kind {
	case KindToolTimeout:
		return StepOutcome{
			Kind:     OutcomeRetry,
			Feedback: fmt.Sprintf("%s timed out, retry with a narrower request", step.Target),
		}
	case KindToolRateLimited:
		return StepOutcome{
			Kind:     OutcomeRetry,
			Feedback: fmt.Sprintf("%s hit a rate limit, wait briefly before calling it again", step.Target),
		}
	case KindToolNotFound:
		return StepOutcome{Kind: OutcomeReplan, Reason: fmt.Sprintf("tool %s is not available", step.Target)}
	case KindMCPUnavailable:
		return StepOutcome{Kind: OutcomeReplan, Reason: fmt.Sprintf("server backing %s is unavailable", step.Target)}
	case KindToolNotPermitted, KindContextDenied, KindCredentialDecryptFailed,
		KindRequestTimeout, KindRequestCancelled:
		// Permissions and deadlines do not improve on retry.
		return StepOutcome{Kind: OutcomeAbort, Err: stepErr}
	case KindLLMFailed, KindLLMRateLimited:
		return StepOutcome{Kind: OutcomeRetry, Feedback: "the model call failed, try again"}
	default:
		return StepOutcome{
			Kind:     OutcomeRetry,
			Feedback: fmt.Sprintf("previous attempt failed: %s", stepErr.Message),
		}
	}
}

type reviewVerdict struct {
	Outcome  string `json:"outcome"`
	Feedback string `json:"feedback"`
	Reason   string `json:"reason"`
}

// reviewAmbiguous asks the LLM whether an "Error: ..." output is worth
// retrying or needs a new plan. Any failure to get a usable verdict
// falls back to a rule-based RETRY carrying the output as feedback.
func (s *StepSupervisor) reviewAmbiguous(ctx context.Context, step *planner.PlanStep, output string) StepOutcome {
	degraded := StepOutcome{
		Kind:     OutcomeRetry,
		Feedback: strings.TrimSpace(output),
	}
	if s.llm == nil {
		return degraded
	}

	prompt := fmt.Sprintf(
		"A step in a task plan produced an error output.\nStep: %s (%s %s)\nOutput:\n%s\n\n"+
			"Decide the next action. Respond with JSON {\"outcome\": \"success|retry|replan|abort\", \"feedback\": string, \"reason\": string}. "+
			"Choose retry when the same step could work with adjusted arguments, replan when a different approach is needed.",
		step.Label, step.Executor, step.Target, truncateOutput(output, 2000))

	resp, err := s.llm.Chat(ctx, llms.Request{
		Messages: []protocol.Message{protocol.UserMessage(prompt)},
	})
	if err != nil {
		slog.Debug("Supervisor LLM unavailable, using rule verdict", "error", err)
		return degraded
	}

	fragment, err := planner.ExtractJSON(llms.StripThinking(resp.Text))
	if err != nil {
		return degraded
	}
	var verdict reviewVerdict
	if err := json.Unmarshal([]byte(fragment), &verdict); err != nil {
		return degraded
	}

	switch strings.ToLower(verdict.Outcome) {
	case "success":
		return StepOutcome{Kind: OutcomeSuccess}
	case "retry":
		return StepOutcome{Kind: OutcomeRetry, Feedback: verdict.Feedback}
	case "replan":
		reason := verdict.Reason
		if reason == "" {
			reason = verdict.Feedback
		}
		return StepOutcome{Kind: OutcomeReplan, Reason: reason}
	case "abort":
		return StepOutcome{Kind: OutcomeAbort, Err: NewError(KindToolFailed, firstNonEmpty(verdict.Reason, output))}
	default:
		// Ambiguous verdicts never block.
		return StepOutcome{Kind: OutcomeSuccess}
	}
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
