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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/pkg/fastpath"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// ToolChecker reports whether a tool name resolves in the registry
// template. Used by the load-time cross-check.
type ToolChecker func(name string) bool

// Registry holds the loaded skill set, indexed by name and by trigger
// tag. Reload swaps the whole index atomically.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*Skill
	byTrigger map[string][]*Skill

	dir       string
	checkTool ToolChecker

	watcher *fsnotify.Watcher
}

func NewRegistry(dir string, checkTool ToolChecker) *Registry {
	return &Registry{
		byName:    make(map[string]*Skill),
		byTrigger: make(map[string][]*Skill),
		dir:       dir,
		checkTool: checkTool,
	}
}

// Load parses every skill file in the directory in parallel and swaps
// the index. A skill referencing an unknown tool fails the whole load;
// a broken deployment is better caught at startup than mid-request.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Skill directory missing, starting with no skills", "dir", r.dir)
			return nil
		}
		return fmt.Errorf("reading skill directory %s: %w", r.dir, err)
	}

	var (
		mu     sync.Mutex
		loaded []*Skill
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		g.Go(func() error {
			skill, err := ParseFile(path)
			if err != nil {
				return err
			}
			if err := r.crossCheck(skill); err != nil {
				return err
			}
			mu.Lock()
			loaded = append(loaded, skill)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	byName := make(map[string]*Skill, len(loaded))
	byTrigger := make(map[string][]*Skill)
	for _, skill := range loaded {
		if _, dup := byName[skill.Name]; dup {
			return fmt.Errorf("duplicate skill name %q", skill.Name)
		}
		byName[skill.Name] = skill
		for _, tag := range skill.Triggers {
			tag = strings.ToLower(tag)
			byTrigger[tag] = append(byTrigger[tag], skill)
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.byTrigger = byTrigger
	r.mu.Unlock()

	slog.Info("Skills loaded", "count", len(loaded), "dir", r.dir)
	return nil
}

// crossCheck verifies the permitted tool set and HITL tools resolve.
func (r *Registry) crossCheck(skill *Skill) error {
	if r.checkTool == nil {
		return nil
	}
	for _, tool := range skill.Tools {
		if !r.checkTool(tool) {
			return fmt.Errorf("skill %q references unknown tool %q", skill.Name, tool)
		}
	}
	if skill.Hitl != nil {
		for _, tool := range skill.Hitl.Tools {
			if !skill.Permitted(tool) {
				return fmt.Errorf("skill %q hitl tool %q is not in its permitted set", skill.Name, tool)
			}
		}
	}
	return nil
}

// Get resolves a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.byName[name]
	return skill, ok
}

// ByTrigger returns the skills indexed under a trigger tag.
func (r *Registry) ByTrigger(tag string) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Skill(nil), r.byTrigger[strings.ToLower(tag)]...)
}

// Catalogue returns planner-facing skill summaries, sorted by name.
func (r *Registry) Catalogue() []planner.SkillSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]planner.SkillSummary, 0, len(names))
	for _, name := range names {
		out = append(out, planner.SkillSummary{
			Name:        name,
			Description: r.byName[name].Description,
		})
	}
	return out
}

// Len reports the number of loaded skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// RegisterFastPaths installs the fast-path patterns skills declare.
// Declared args pass through unchanged; capture groups are available
// as {1}, {2}... placeholders in string arg values.
func (r *Registry) RegisterFastPaths(router *fastpath.Router) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, skill := range r.byName {
		for _, decl := range skill.FastPaths {
			decl := decl
			err := router.Register(decl.Pattern, decl.Tool, fmt.Sprintf("skill %s fast path", skill.Name),
				func(captures []string) map[string]any {
					args := make(map[string]any, len(decl.Args))
					for k, v := range decl.Args {
						if s, ok := v.(string); ok {
							args[k] = substituteCaptures(s, captures)
							continue
						}
						args[k] = v
					}
					return args
				})
			if err != nil {
				return fmt.Errorf("skill %q: %w", skill.Name, err)
			}
		}
	}
	return nil
}

func substituteCaptures(template string, captures []string) string {
	out := template
	for i := 1; i < len(captures); i++ {
		out = strings.ReplaceAll(out, fmt.Sprintf("{%d}", i), captures[i])
	}
	return out
}

// Watch reloads the registry when the skill directory changes. Events
// are debounced; a failed reload keeps the previous index.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skill watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Skill watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := r.Load(ctx); err != nil {
					slog.Error("Skill reload failed, keeping previous set", "error", err)
				}
			}
		}
	}()
	return nil
}

// CheckAgainst builds a ToolChecker over a registry template.
func CheckAgainst(registry *tools.Registry) ToolChecker {
	return func(name string) bool {
		_, err := registry.GetTool(name)
		return err == nil
	}
}
