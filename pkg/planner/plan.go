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

// Package planner turns a user request into a validated multi-step
// plan and guards it before execution.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExecutorKind selects who runs a step.
type ExecutorKind string

const (
	ExecutorTool       ExecutorKind = "tool"
	ExecutorSkill      ExecutorKind = "skill"
	ExecutorCompletion ExecutorKind = "completion"
)

// PlanStep is one unit of work. Target names the tool or skill;
// completion steps have no target.
type PlanStep struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Executor  ExecutorKind   `json:"executor"`
	Target    string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`

	// RetryFeedback carries the supervisor's guidance into a re-run.
	RetryFeedback string `json:"-"`
}

// Plan is the planner's product.
type Plan struct {
	Description string     `json:"description"`
	Steps       []PlanStep `json:"steps"`

	// Conversational marks the single-completion fallback for inputs
	// that are chat rather than work.
	Conversational bool `json:"-"`

	// Warnings are attached by the supervisor for observability.
	Warnings []string `json:"-"`
}

// rawPlan tolerates the field spellings models actually produce.
type rawPlan struct {
	Description string    `json:"description"`
	Steps       []rawStep `json:"steps"`
}

type rawStep struct {
	ID        json.Number    `json:"id"`
	Label     string         `json:"label"`
	Executor  string         `json:"executor"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Skill     string         `json:"skill"`
	Args      map[string]any `json:"args"`
	DependsOn []json.Number  `json:"depends_on"`
}

// normalize converts a decoded raw plan into the typed form, mapping
// executor aliases and the tool/action/skill target spellings.
func (r *rawPlan) normalize() (*Plan, error) {
	plan := &Plan{Description: strings.TrimSpace(r.Description)}

	for i, raw := range r.Steps {
		step := PlanStep{
			ID:    raw.ID.String(),
			Label: strings.TrimSpace(raw.Label),
			Args:  raw.Args,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("%d", i+1)
		}

		switch strings.ToLower(strings.TrimSpace(raw.Executor)) {
		case "tool", "mcp":
			step.Executor = ExecutorTool
		case "skill":
			step.Executor = ExecutorSkill
		case "completion", "litellm", "llm", "":
			step.Executor = ExecutorCompletion
		default:
			return nil, fmt.Errorf("step %s has unknown executor %q", step.ID, raw.Executor)
		}

		switch {
		case raw.Tool != "":
			step.Target = raw.Tool
		case raw.Action != "":
			step.Target = raw.Action
		case raw.Skill != "":
			step.Target = raw.Skill
			if step.Executor == ExecutorCompletion {
				step.Executor = ExecutorSkill
			}
		}

		if step.Executor != ExecutorCompletion && step.Target == "" {
			return nil, fmt.Errorf("step %s names no tool or skill", step.ID)
		}

		for _, dep := range raw.DependsOn {
			step.DependsOn = append(step.DependsOn, dep.String())
		}

		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

// ConversationalPlan is the single-completion fallback.
func ConversationalPlan() *Plan {
	return &Plan{
		Description:    "Respond conversationally",
		Conversational: true,
		Steps: []PlanStep{
			{ID: "1", Label: "Reply to the user", Executor: ExecutorCompletion},
		},
	}
}

// FailedPlan is the zero-step explanatory plan emitted when planning
// is exhausted. The orchestrator surfaces it as PLAN_INVALID.
func FailedPlan(reason string) *Plan {
	return &Plan{Description: "planning failed: " + reason}
}
