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

package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// maxCachedOrchestrators bounds the per-context cache. Eviction only
// drops the cache entry; in-flight requests hold their own reference.
const maxCachedOrchestrators = 256

// ServiceFactory assembles the per-context request stack: a
// permission-scoped tool registry, an orchestrator wired to the shared
// singletons, and the ambient bundle resolved from the context row.
// Orchestrators are cached by context id so bursty conversations do
// not pay the permission lookup on every message.
type ServiceFactory struct {
	rt    *Runtime
	cache *expirable.LRU[string, *agent.Orchestrator]

	mu      sync.Mutex
	tracked map[*agent.Orchestrator]struct{}
}

func NewServiceFactory(rt *Runtime) *ServiceFactory {
	f := &ServiceFactory{
		rt:      rt,
		tracked: make(map[*agent.Orchestrator]struct{}),
	}
	f.cache = expirable.NewLRU[string, *agent.Orchestrator](
		maxCachedOrchestrators, nil, rt.Config.Agent.OrchestratorCacheTTL)
	return f
}

// OrchestratorFor returns the orchestrator and ambient bundle for the
// given context. The ambient bundle is rebuilt on every call: tokens
// and working directories must reflect the store, not the cache.
func (f *ServiceFactory) OrchestratorFor(ctx context.Context, contextID string) (*agent.Orchestrator, tools.Ambient, error) {
	ambient, err := f.ambientFor(ctx, contextID)
	if err != nil {
		return nil, tools.Ambient{}, err
	}

	if o, ok := f.cache.Get(contextID); ok {
		return o, ambient, nil
	}

	o, err := f.build(ctx, contextID)
	if err != nil {
		return nil, tools.Ambient{}, err
	}

	f.mu.Lock()
	f.tracked[o] = struct{}{}
	f.mu.Unlock()
	f.cache.Add(contextID, o)

	return o, ambient, nil
}

func (f *ServiceFactory) build(ctx context.Context, contextID string) (*agent.Orchestrator, error) {
	rt := f.rt
	cfg := rt.Config

	filter, err := rt.Store.PermissionFilter(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("scoping registry for context %s: %w", contextID, err)
	}
	scoped := rt.Registry.Scoped(filter)

	pl := planner.New(rt.LLM, cfg.Agent.PlannerInputCharCap, cfg.LLM.MaxRetries)
	planSup := planner.NewSupervisor(func(name string, kind planner.ExecutorKind) bool {
		if kind == planner.ExecutorSkill {
			_, ok := rt.Skills.Get(name)
			return ok
		}
		_, err := scoped.GetTool(name)
		return err == nil
	})

	executor := agent.NewStepExecutor(scoped, rt.LLM, rt.Engine, cfg.Agent.ToolCallBudget)
	stepSup := agent.NewStepSupervisor(rt.LLM)

	agentCfg := agent.Config{
		MaxReplans:       cfg.Agent.MaxReplans,
		MaxStepRetries:   cfg.Agent.MaxStepRetries,
		RequestTimeout:   cfg.Agent.RequestTimeout,
		StepParallelism:  cfg.Agent.StepParallelism,
		TranscriptBudget: cfg.Agent.TranscriptTokenBudget,
		ToolCallBudget:   cfg.Agent.ToolCallBudget,
	}

	return agent.New(agentCfg, rt.LLM, scoped, pl, planSup, executor, stepSup,
		agent.WithMemory(rt.Memory),
		agent.WithPersister(rt.Store),
		agent.WithSkillCatalogue(rt.Skills.Catalogue),
		agent.WithFastPaths(rt.Router),
	), nil
}

// ambientFor resolves the per-request ambient bundle from the context
// row. Tool code never sees raw credentials; the resolver decrypts on
// demand.
func (f *ServiceFactory) ambientFor(ctx context.Context, contextID string) (tools.Ambient, error) {
	row, err := f.rt.Store.GetContext(ctx, contextID)
	if err != nil {
		return tools.Ambient{}, fmt.Errorf("resolving context %s: %w", contextID, err)
	}

	ambient := tools.Ambient{
		ContextID:  row.ID,
		WorkingDir: row.DefaultCwd,
		OAuthToken: f.rt.Store.TokenResolver(row.ID),
	}
	if email, ok := row.Config["user_email"].(string); ok {
		ambient.UserEmail = email
	}
	return ambient, nil
}

// Invalidate drops the cached orchestrator for a context, forcing the
// next request to re-read permissions. Called after permission edits.
func (f *ServiceFactory) Invalidate(contextID string) {
	f.cache.Remove(contextID)
}

// Shutdown drains every orchestrator ever handed out, cached or not.
func (f *ServiceFactory) Shutdown(ctx context.Context) {
	f.mu.Lock()
	orchestrators := make([]*agent.Orchestrator, 0, len(f.tracked))
	for o := range f.tracked {
		orchestrators = append(orchestrators, o)
	}
	f.tracked = make(map[*agent.Orchestrator]struct{})
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range orchestrators {
		wg.Add(1)
		go func(o *agent.Orchestrator) {
			defer wg.Done()
			o.Shutdown(ctx)
		}(o)
	}
	wg.Wait()
}
