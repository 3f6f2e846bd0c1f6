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

// Package runtime owns the process-lifetime singletons and their
// startup/shutdown ordering: settings, store, LLM and vector clients,
// tool registry template, MCP pool, skill registry, scheduler.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/dispatch"
	"github.com/kestrelhq/kestrel/pkg/fastpath"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/mcp"
	"github.com/kestrelhq/kestrel/pkg/memory"
	"github.com/kestrelhq/kestrel/pkg/scheduler"
	"github.com/kestrelhq/kestrel/pkg/skills"
	"github.com/kestrelhq/kestrel/pkg/store"
	"github.com/kestrelhq/kestrel/pkg/tools"
	"github.com/kestrelhq/kestrel/pkg/vector"
)

// Runtime is the injected singleton bundle. Fully constructed before
// transports bind; torn down after they drain.
type Runtime struct {
	Config *config.Config

	Store    *store.Store
	LLM      llms.Client
	Vector   vector.Provider
	Memory   *memory.Store
	Registry *tools.Registry
	MCP      *mcp.Pool
	Skills   *skills.Registry
	Engine   *skills.Engine
	Router   *fastpath.Router

	Factory    *ServiceFactory
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler

	bgCancel context.CancelFunc
}

// New constructs the runtime in dependency order. Partially built
// runtimes are closed before the error returns.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	r := &Runtime{Config: cfg}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		bgCancel()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	r.Store = st

	r.LLM = llms.NewOpenAIClient(cfg.LLM)

	provider, err := vector.NewProvider(cfg.Vector)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("constructing vector provider: %w", err)
	}
	r.Vector = provider

	embedder := llms.NewOpenAIEmbedder(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDimension)
	r.Memory = memory.NewStore(provider, embedder)

	r.Registry = tools.NewRegistry(cfg.Agent.ToolTimeout)
	if err := r.registerNativeTools(); err != nil {
		r.close()
		return nil, err
	}

	r.MCP = mcp.NewPool(cfg.MCP)
	mcp.Discover(ctx, r.MCP, r.Registry)

	r.Skills = skills.NewRegistry(cfg.Skills.Dir, skills.CheckAgainst(r.Registry))
	if err := r.Skills.Load(ctx); err != nil {
		r.close()
		return nil, fmt.Errorf("loading skills: %w", err)
	}
	if cfg.Skills.Watch {
		if err := r.Skills.Watch(bgCtx); err != nil {
			slog.Warn("Skill watch unavailable", "error", err)
		}
	}

	r.Engine = skills.NewEngine(r.LLM, r.Registry, r.Skills, r.Store, cfg.Agent.HitlTTL, cfg.Agent.ToolCallBudget)

	r.Router = fastpath.NewRouter()
	if err := fastpath.RegisterBuiltins(r.Router); err != nil {
		r.close()
		return nil, fmt.Errorf("registering fast paths: %w", err)
	}
	if err := r.Skills.RegisterFastPaths(r.Router); err != nil {
		r.close()
		return nil, fmt.Errorf("registering skill fast paths: %w", err)
	}

	r.Factory = NewServiceFactory(r)
	r.Dispatcher = dispatch.New(r.Store, r.Factory, r.Engine)
	r.Scheduler = scheduler.New(r.Store, r.Dispatcher, 30*time.Second)

	return r, nil
}

func (r *Runtime) registerNativeTools() error {
	natives := []tools.Tool{
		tools.NewWebFetchTool(),
		tools.NewSendEmailTool(),
		tools.NewPriceTrackerTool(r.Store),
		tools.NewMemorySearchTool(r.Memory),
		tools.NewMemoryUpsertTool(r.Memory),
	}
	if homey := r.Config.Tools.Homey; homey.BaseURL != "" {
		natives = append(natives, tools.NewHomeyTool(homey.BaseURL, homey.Token))
	} else {
		slog.Info("Homey tool disabled, no bridge configured")
	}
	for _, tool := range natives {
		if err := r.Registry.RegisterNative(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// StartScheduler runs the cron loop until the context is cancelled.
func (r *Runtime) StartScheduler(ctx context.Context) {
	go r.Scheduler.Run(ctx)
}

// Shutdown tears the runtime down in reverse construction order with
// the given deadline for draining background work.
func (r *Runtime) Shutdown(ctx context.Context) {
	if r.bgCancel != nil {
		r.bgCancel()
	}
	if r.Factory != nil {
		r.Factory.Shutdown(ctx)
	}
	r.close()
}

func (r *Runtime) close() {
	if r.bgCancel != nil {
		r.bgCancel()
	}
	if r.MCP != nil {
		r.MCP.Shutdown()
	}
	if r.Vector != nil {
		if err := r.Vector.Close(); err != nil {
			slog.Warn("Vector provider close failed", "error", err)
		}
	}
	if r.LLM != nil {
		if err := r.LLM.Close(); err != nil {
			slog.Warn("LLM client close failed", "error", err)
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}
}
