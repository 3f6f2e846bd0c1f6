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

// Package agent implements the adaptive orchestration loop: plan,
// execute, review, replan, synthesize.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
	"github.com/kestrelhq/kestrel/pkg/mcp"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// ErrorKind is the closed failure taxonomy. Everything that crosses a
// component boundary is classified; raw provider errors never reach
// the caller.
type ErrorKind string

const (
	KindPlanInvalid             ErrorKind = "PLAN_INVALID"
	KindToolNotFound            ErrorKind = "TOOL_NOT_FOUND"
	KindToolNotPermitted        ErrorKind = "TOOL_NOT_PERMITTED"
	KindToolRateLimited         ErrorKind = "TOOL_RATE_LIMITED"
	KindToolTimeout             ErrorKind = "TOOL_TIMEOUT"
	KindToolFailed              ErrorKind = "TOOL_FAILED"
	KindMCPUnavailable          ErrorKind = "MCP_UNAVAILABLE"
	KindLLMFailed               ErrorKind = "LLM_FAILED"
	KindLLMRateLimited          ErrorKind = "LLM_RATE_LIMITED"
	KindMemoryDegraded          ErrorKind = "MEMORY_DEGRADED"
	KindCredentialDecryptFailed ErrorKind = "CREDENTIAL_DECRYPT_FAILED"
	KindContextDenied           ErrorKind = "CONTEXT_DENIED"
	KindRequestTimeout          ErrorKind = "REQUEST_TIMEOUT"
	KindRequestCancelled        ErrorKind = "REQUEST_CANCELLED"
	KindInternal                ErrorKind = "INTERNAL"
)

// Error is the classified failure type surfaced to callers and events.
type Error struct {
	Kind    ErrorKind
	Message string

	// Retryable hints whether the same request might succeed later.
	Retryable bool

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKind(kind)}
}

func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKind(kind), cause: cause}
}

func retryableKind(kind ErrorKind) bool {
	switch kind {
	case KindToolRateLimited, KindToolTimeout, KindMCPUnavailable,
		KindLLMRateLimited, KindLLMFailed, KindRequestTimeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the classification from any error, mapping component
// sentinels to their kinds and defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	switch {
	case errors.Is(err, tools.ErrNotFound):
		return KindToolNotFound
	case errors.Is(err, tools.ErrNotPermitted):
		return KindToolNotPermitted
	case errors.Is(err, tools.ErrRateLimited):
		return KindToolRateLimited
	case errors.Is(err, tools.ErrTimeout):
		return KindToolTimeout
	case errors.Is(err, tools.ErrCredentialDecrypt):
		return KindCredentialDecryptFailed
	case errors.Is(err, mcp.ErrUnavailable):
		return KindMCPUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindRequestTimeout
	case errors.Is(err, context.Canceled):
		return KindRequestCancelled
	}

	if httpclient.IsRateLimited(err) {
		return KindLLMRateLimited
	}
	var retryable *httpclient.RetryableError
	if errors.As(err, &retryable) {
		return KindLLMFailed
	}

	return KindInternal
}

// Classify wraps an arbitrary error into the taxonomy, preserving the
// original as the cause.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return WrapError(KindOf(err), err.Error(), err)
}
