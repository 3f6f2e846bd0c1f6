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

// Package tools defines the uniform tool contract and the scoped
// registry that executes native and MCP-provided tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Ambient carries per-call injections. Tools receive a field only if
// their parameter schema declares the matching property; injection is
// by parameter inspection, never by tool name lists.
type Ambient struct {
	ContextID  string
	WorkingDir string
	UserEmail  string

	// ConversationID names the conversation the request rides on. Set
	// by the dispatcher; HITL suspensions are parked under it.
	ConversationID string

	// OAuthToken resolves a decrypted token for the given provider
	// within the current context. Nil when no token store is bound.
	OAuthToken func(ctx context.Context, provider string) (string, error)
}

// Ambient parameter names recognized during injection.
const (
	ParamWorkingDir = "cwd"
	ParamUserEmail  = "user_email"
	ParamOAuthToken = "oauth_token"
)

// Tool is the uniform call interface over native and MCP tools.
// Run returns a success string or a string beginning with "Error: ";
// no raw panics or provider exceptions escape the tool boundary.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns the JSON-Schema object for the tool's args.
	Parameters() map[string]any

	// ActivityHint is a format template over arg names for UI display,
	// e.g. "Fetching {url}". Empty means no hint.
	ActivityHint() string

	Run(ctx context.Context, args map[string]any, ambient Ambient) (string, error)
}

// Sentinel errors translated by the executor into the closed ErrorKind set.
var (
	ErrNotFound     = errors.New("tool not found")
	ErrNotPermitted = errors.New("tool not permitted")
	ErrRateLimited  = errors.New("tool rate limited")
	ErrTimeout      = errors.New("tool timed out")

	// ErrCredentialDecrypt marks a stored credential that failed to
	// decrypt; the message should carry a remediation hint.
	ErrCredentialDecrypt = errors.New("credential decrypt failed")
)

// RegistryError follows the [Component:Action] format used across the
// codebase for component-level failures.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func NewRegistryError(component, action, message string, err error) *RegistryError {
	return &RegistryError{Component: component, Action: action, Message: message, Err: err}
}

// ErrorOutput formats a tool failure in the uniform "Error: ..." shape.
func ErrorOutput(cause string) string {
	return "Error: " + cause
}

// IsErrorOutput reports whether a tool output string is a failure.
func IsErrorOutput(s string) bool {
	return strings.HasPrefix(s, "Error: ")
}

// RenderActivityHint substitutes {name} placeholders in a hint template
// with the matching argument values. Missing args render empty.
var hintPlaceholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

func RenderActivityHint(template string, args map[string]any) string {
	if template == "" {
		return ""
	}
	return hintPlaceholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := args[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}
