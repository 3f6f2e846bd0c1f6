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
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelhq/kestrel/pkg/observability"
)

// TargetChecker reports whether a step target is executable: a tool in
// the scoped registry or a loaded skill.
type TargetChecker func(name string, kind ExecutorKind) bool

// Validation is the supervisor's verdict. A non-empty Fatal reason
// means the plan must not execute; Warnings ride along for
// observability only and never block.
type Validation struct {
	Plan     *Plan
	Warnings []string
	Fatal    string
}

// Supervisor validates plans before execution. Structural repairs
// (duplicate ids, broken deps) are made in place; unknown tools and
// cycles fail closed.
type Supervisor struct {
	known TargetChecker
}

func NewSupervisor(known TargetChecker) *Supervisor {
	return &Supervisor{known: known}
}

func (s *Supervisor) Validate(ctx context.Context, plan *Plan) Validation {
	tracer := observability.GetTracer("kestrel.planner")
	_, span := tracer.Start(ctx, observability.SpanPlanValidate)
	defer span.End()

	v := Validation{Plan: plan}

	s.renumberDuplicates(&v)
	s.pruneBrokenDeps(&v)

	for _, step := range plan.Steps {
		if step.Executor == ExecutorCompletion {
			continue
		}
		if s.known != nil && !s.known(step.Target, step.Executor) {
			// Executing a plan that names an unknown tool would fail
			// mid-flight anyway; fail closed instead.
			v.Fatal = fmt.Sprintf("step %s references unknown %s %q", step.ID, step.Executor, step.Target)
			break
		}
	}

	if v.Fatal == "" {
		if cycle := findCycle(plan.Steps); cycle != "" {
			v.Fatal = "dependency cycle involving step " + cycle
		}
	}

	plan.Warnings = append(plan.Warnings, v.Warnings...)
	span.SetAttributes(
		attribute.Int("plan.warnings", len(v.Warnings)),
		attribute.Bool("plan.fatal", v.Fatal != ""),
	)
	return v
}

func (s *Supervisor) renumberDuplicates(v *Validation) {
	seen := make(map[string]bool, len(v.Plan.Steps))

	for i := range v.Plan.Steps {
		step := &v.Plan.Steps[i]
		if !seen[step.ID] {
			seen[step.ID] = true
			continue
		}

		fresh := step.ID
		for n := 2; seen[fresh]; n++ {
			fresh = fmt.Sprintf("%s.%d", step.ID, n)
		}
		v.Warnings = append(v.Warnings, fmt.Sprintf("duplicate step id %q renumbered to %q", step.ID, fresh))
		step.ID = fresh
		seen[fresh] = true
	}

	// Steps depending on a duplicated id keep pointing at the first
	// occurrence, which is the conservative reading.
}

func (s *Supervisor) pruneBrokenDeps(v *Validation) {
	ids := make(map[string]bool, len(v.Plan.Steps))
	for _, step := range v.Plan.Steps {
		ids[step.ID] = true
	}

	for i := range v.Plan.Steps {
		step := &v.Plan.Steps[i]
		kept := step.DependsOn[:0]
		for _, dep := range step.DependsOn {
			if ids[dep] && dep != step.ID {
				kept = append(kept, dep)
				continue
			}
			v.Warnings = append(v.Warnings, fmt.Sprintf("step %s dropped unknown dependency %q", step.ID, dep))
		}
		step.DependsOn = kept
	}
}

// findCycle runs a three-color DFS over the dependency graph and
// returns a step id on a cycle, or "".
func findCycle(steps []PlanStep) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if hit := visit(s.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
