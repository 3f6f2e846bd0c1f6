package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowOnly(names ...string) TargetChecker {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return func(name string, _ ExecutorKind) bool { return allowed[name] }
}

func TestSupervisorPassesValidPlan(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorTool, Target: "web_fetch"},
		{ID: "2", Executor: ExecutorCompletion, DependsOn: []string{"1"}},
	}}

	v := NewSupervisor(allowOnly("web_fetch")).Validate(context.Background(), plan)
	assert.Empty(t, v.Fatal)
	assert.Empty(t, v.Warnings)
}

func TestSupervisorFailsClosedOnUnknownTool(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorTool, Target: "teleport"},
	}}

	v := NewSupervisor(allowOnly("web_fetch")).Validate(context.Background(), plan)
	assert.Contains(t, v.Fatal, "teleport")
}

func TestSupervisorDetectsCycle(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorCompletion, DependsOn: []string{"2"}},
		{ID: "2", Executor: ExecutorCompletion, DependsOn: []string{"1"}},
	}}

	v := NewSupervisor(nil).Validate(context.Background(), plan)
	assert.Contains(t, v.Fatal, "cycle")
}

func TestSupervisorRenumbersDuplicateIDs(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorCompletion},
		{ID: "1", Executor: ExecutorCompletion},
	}}

	v := NewSupervisor(nil).Validate(context.Background(), plan)
	require.Empty(t, v.Fatal)
	assert.NotEqual(t, plan.Steps[0].ID, plan.Steps[1].ID)
	assert.NotEmpty(t, v.Warnings)
}

func TestSupervisorPrunesBrokenDeps(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorCompletion, DependsOn: []string{"0", "99"}},
	}}

	v := NewSupervisor(nil).Validate(context.Background(), plan)
	require.Empty(t, v.Fatal)
	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Len(t, v.Warnings, 2)
}

func TestSupervisorDropsSelfDependency(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "1", Executor: ExecutorCompletion, DependsOn: []string{"1"}},
	}}

	v := NewSupervisor(nil).Validate(context.Background(), plan)
	assert.Empty(t, v.Fatal)
	assert.Empty(t, plan.Steps[0].DependsOn)
}
