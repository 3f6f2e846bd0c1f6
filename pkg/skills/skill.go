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

// Package skills loads declarative skills (YAML frontmatter + prompt
// body) and runs them as bounded tool-calling sub-agents.
package skills

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HitlPolicy lists the tools that require human confirmation before
// the engine will call them on the skill's behalf.
type HitlPolicy struct {
	Tools    []string `yaml:"tools"`
	Question string   `yaml:"question"`
}

// FastPathDecl registers a prompt pattern that bypasses the planner
// and invokes a tool directly. Declared in skill frontmatter.
type FastPathDecl struct {
	Pattern string         `yaml:"pattern"`
	Tool    string         `yaml:"tool"`
	Args    map[string]any `yaml:"args"`
}

// Frontmatter is the YAML header of a skill file.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Triggers index the skill for tag-based lookup.
	Triggers []string `yaml:"triggers"`

	// Tools is the permitted set. The engine refuses calls outside it.
	Tools []string `yaml:"tools"`

	// Requires names ambient fields the invoking context must own,
	// e.g. "cwd" or "user_email".
	Requires []string `yaml:"requires"`

	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`

	Hitl      *HitlPolicy    `yaml:"hitl"`
	FastPaths []FastPathDecl `yaml:"fast_paths"`
}

// Skill is one loaded skill: the frontmatter plus the system prompt
// body. Skills are data, not code.
type Skill struct {
	Frontmatter

	SystemPrompt string
	Path         string
}

// Permitted reports whether the skill may call the named tool.
func (s *Skill) Permitted(toolName string) bool {
	for _, t := range s.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// RequiresHitl reports whether the named tool needs confirmation.
func (s *Skill) RequiresHitl(toolName string) bool {
	if s.Hitl == nil {
		return false
	}
	for _, t := range s.Hitl.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

const frontmatterDelim = "---"

// Parse decodes a skill document: a YAML frontmatter block between
// "---" lines followed by the system prompt body.
func Parse(content []byte, path string) (*Skill, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, fmt.Errorf("skill %s: missing frontmatter", path)
	}
	rest := text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("skill %s: unterminated frontmatter", path)
	}

	header := rest[:end]
	body := rest[end+len(frontmatterDelim)+1:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("skill %s: invalid frontmatter: %w", path, err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill %s: name is required", path)
	}
	if fm.MaxIterations <= 0 {
		fm.MaxIterations = 8
	}
	if fm.Timeout <= 0 {
		fm.Timeout = 120 * time.Second
	}

	return &Skill{
		Frontmatter:  fm,
		SystemPrompt: strings.TrimSpace(body),
		Path:         path,
	}, nil
}

// ParseFile reads and parses one skill file.
func ParseFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}
	return Parse(content, path)
}
