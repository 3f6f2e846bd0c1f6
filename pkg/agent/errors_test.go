package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
	"github.com/kestrelhq/kestrel/pkg/mcp"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

func TestKindOfSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"tool not found", fmt.Errorf("%w: frobnicator", tools.ErrNotFound), KindToolNotFound},
		{"tool not permitted", fmt.Errorf("%w: send_email", tools.ErrNotPermitted), KindToolNotPermitted},
		{"tool rate limited", fmt.Errorf("%w: web_fetch", tools.ErrRateLimited), KindToolRateLimited},
		{"tool timeout", fmt.Errorf("%w: web_fetch", tools.ErrTimeout), KindToolTimeout},
		{"credential decrypt", fmt.Errorf("%w: oauth row", tools.ErrCredentialDecrypt), KindCredentialDecryptFailed},
		{"mcp unavailable", fmt.Errorf("%w: github", mcp.ErrUnavailable), KindMCPUnavailable},
		{"deadline", context.DeadlineExceeded, KindRequestTimeout},
		{"cancelled", context.Canceled, KindRequestCancelled},
		{"llm 429", &httpclient.RetryableError{StatusCode: 429, Message: "slow down"}, KindLLMRateLimited},
		{"llm 503", &httpclient.RetryableError{StatusCode: 503, Message: "overloaded"}, KindLLMFailed},
		{"unknown", errors.New("something odd"), KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestKindOfPrefersExistingClassification(t *testing.T) {
	// A classified error wrapping a sentinel keeps its own kind.
	err := fmt.Errorf("step failed: %w",
		WrapError(KindToolFailed, "boom", fmt.Errorf("%w: x", tools.ErrNotFound)))
	assert.Equal(t, KindToolFailed, KindOf(err))
}

func TestClassifyPreservesCause(t *testing.T) {
	cause := fmt.Errorf("%w: github", mcp.ErrUnavailable)
	classified := Classify(cause)

	require.NotNil(t, classified)
	assert.Equal(t, KindMCPUnavailable, classified.Kind)
	assert.True(t, classified.Retryable)
	assert.ErrorIs(t, classified, mcp.ErrUnavailable)
}

func TestClassifyIdempotent(t *testing.T) {
	original := NewError(KindContextDenied, "not yours")
	assert.Same(t, original, Classify(original))
	assert.Same(t, original, Classify(fmt.Errorf("wrapped: %w", original)))
}

func TestRetryableFlags(t *testing.T) {
	assert.True(t, NewError(KindToolTimeout, "").Retryable)
	assert.True(t, NewError(KindLLMRateLimited, "").Retryable)
	assert.False(t, NewError(KindPlanInvalid, "").Retryable)
	assert.False(t, NewError(KindToolNotPermitted, "").Retryable)
	assert.False(t, NewError(KindContextDenied, "").Retryable)
}
