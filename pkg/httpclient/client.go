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

// Package httpclient provides a retrying HTTP client shared by the LLM
// client and the native tools. Retry-After and rate-limit reset
// headers are honored before falling back to exponential backoff.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RetryStrategy selects how a retryable status is backed off.
type RetryStrategy int

const (
	// NoRetry fails immediately on any non-2xx status.
	NoRetry RetryStrategy = iota

	// ConservativeRetry waits a few seconds and gives up after two
	// attempts. Suited to tools where staleness beats latency.
	ConservativeRetry

	// SmartRetry honors rate-limit headers and falls back to jittered
	// exponential backoff. Suited to LLM and embedding endpoints.
	SmartRetry
)

// RateLimitInfo is what a header parser recovered from a response.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// RateLimitHeaderParser extracts backoff hints from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// Client retries idempotent-by-construction requests. Callers must
// set GetBody on requests with bodies; retries replay it.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser

	// strategy forces one strategy for every retryable status. When
	// unset, 429/503 get SmartRetry and other 5xx ConservativeRetry.
	strategy *RetryStrategy
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(c *Client) { c.strategy = &strategy }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		baseDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) strategyFor(status int) RetryStrategy {
	if !retryableStatus(status) {
		return NoRetry
	}
	if c.strategy != nil {
		return *c.strategy
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return SmartRetry
	}
	return ConservativeRetry
}

// Do performs the request, retrying per strategy. On exhaustion the
// last response is returned alongside a *RetryableError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastStatus int

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("replaying request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastResp = resp
		lastStatus = resp.StatusCode

		strategy := c.strategyFor(resp.StatusCode)
		if strategy == NoRetry {
			return resp, fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		var info RateLimitInfo
		if c.headerParser != nil {
			info = c.headerParser(resp.Header)
		}

		delay := c.backoff(strategy, attempt, info)
		if attempt >= c.maxRetries || delay <= 0 {
			break
		}

		if strategy == SmartRetry {
			slog.Warn("Rate limited, retrying",
				"status_code", resp.StatusCode, "delay", delay,
				"attempt", attempt+1, "max", c.maxRetries)
		} else {
			slog.Debug("Server error, retrying",
				"status_code", resp.StatusCode, "delay", delay, "attempt", attempt+1)
		}

		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return lastResp, &RetryableError{
		StatusCode: lastStatus,
		Message:    fmt.Sprintf("giving up after %d attempts", c.maxRetries+1),
		Err:        fmt.Errorf("HTTP %d", lastStatus),
	}
}

func (c *Client) backoff(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if until := time.Until(time.Unix(info.ResetTime, 0)); until > 0 {
				return until
			}
		}
		delay := c.baseDelay << attempt
		return delay + delay/10

	case ConservativeRetry:
		// Two quick attempts, then give up.
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}
