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

// Package fastpath short-circuits trivially-mappable prompts straight
// to a single tool call, skipping the planner entirely.
package fastpath

import (
	"fmt"
	"regexp"
	"sync"
)

// ArgMapper turns regex captures into tool arguments.
type ArgMapper func(matches []string) map[string]any

// Route is one compiled pattern bound to a tool.
type Route struct {
	Pattern     *regexp.Regexp
	Tool        string
	Mapper      ArgMapper
	Description string
}

// Match is a resolved fast path for a prompt.
type Match struct {
	Tool        string
	Args        map[string]any
	Description string
}

// Router holds routes in registration order; the first match wins.
// Patterns compile once, at registration.
type Router struct {
	mu     sync.RWMutex
	routes []Route
}

func NewRouter() *Router {
	return &Router{}
}

// Register compiles and appends a route. Skill loading registers
// additional routes after the built-ins, so ordering is by load order.
func (r *Router) Register(pattern, tool, description string, mapper ArgMapper) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid fast-path pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, Route{
		Pattern:     re,
		Tool:        tool,
		Mapper:      mapper,
		Description: description,
	})
	return nil
}

// Match scans routes in order and returns the first hit, or nil.
func (r *Router) Match(prompt string) *Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		captures := route.Pattern.FindStringSubmatch(prompt)
		if captures == nil {
			continue
		}

		var args map[string]any
		if route.Mapper != nil {
			args = route.Mapper(captures)
		}
		return &Match{Tool: route.Tool, Args: args, Description: route.Description}
	}
	return nil
}

// Len reports the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
