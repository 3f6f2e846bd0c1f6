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

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/observability"
)

// ErrUnavailable marks a server held by the negative cache or failing
// to connect. The executor maps it to the MCP_UNAVAILABLE kind.
var ErrUnavailable = errors.New("mcp server unavailable")

// State is the pool's view of one (context, server) entry.
type State string

const (
	StateConnecting State = "connecting"
	StateHealthy    State = "healthy"
	StateBroken     State = "broken"
	StateEvicted    State = "evicted"
)

// Conn is the connection surface the pool manages. The concrete
// implementation is Client; tests substitute fakes.
type Conn interface {
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error)
	Close() error
}

// clientKey identifies one pooled connection. An empty context id is
// the process-level slot used during startup discovery.
type clientKey struct {
	contextID string
	server    string
}

func (k clientKey) String() string {
	if k.contextID == "" {
		return k.server
	}
	return k.contextID + "/" + k.server
}

// ServerStatus is one row of a pool snapshot.
type ServerStatus struct {
	Name         string    `json:"name"`
	ContextID    string    `json:"context_id,omitempty"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count,omitempty"`
	RetryAt      time.Time `json:"retry_at,omitempty"`
}

type failureRecord struct {
	count int
	until time.Time
}

const (
	maxPooledClients = 64

	// maxLockEntries bounds the per-key lock table; stale entries are
	// pruned once the cap is reached.
	maxLockEntries = 256
)

// Pool manages one lazy connection per (context, server) key.
// Connections expire after the idle TTL; every Get hit refreshes the
// clock. Keys that fail to connect sit in a negative cache whose
// backoff grows with consecutive failures, so a dead server costs one
// dial per window instead of one per request.
type Pool struct {
	cfg  config.MCPConfig
	dial func(ctx context.Context, name string, cfg config.MCPServerConfig) (Conn, error)

	clients *expirable.LRU[clientKey, Conn]

	mu       sync.Mutex
	locks    map[clientKey]*sync.Mutex
	failures map[clientKey]*failureRecord
	states   map[clientKey]State

	pingTimeout time.Duration
}

func NewPool(cfg config.MCPConfig) *Pool {
	p := &Pool{
		cfg: cfg,
		dial: func(ctx context.Context, name string, serverCfg config.MCPServerConfig) (Conn, error) {
			return Connect(ctx, name, serverCfg)
		},
		locks:       make(map[clientKey]*sync.Mutex),
		failures:    make(map[clientKey]*failureRecord),
		states:      make(map[clientKey]State),
		pingTimeout: 5 * time.Second,
	}

	ttl := cfg.ClientTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	p.clients = expirable.NewLRU[clientKey, Conn](maxPooledClients, p.onEvict, ttl)
	return p
}

func (p *Pool) onEvict(key clientKey, conn Conn) {
	slog.Info("Evicting idle MCP client", "client", key.String())
	if err := conn.Close(); err != nil {
		slog.Warn("Error closing MCP client", "client", key.String(), "error", err)
	}

	p.mu.Lock()
	if p.states[key] == StateHealthy {
		p.states[key] = StateEvicted
	}
	p.mu.Unlock()
}

// backoffFor returns the negative cache window after n consecutive
// failures, following the 30s / 2m / 10m / 30m ladder scaled from the
// configured base.
func (p *Pool) backoffFor(failures int) time.Duration {
	base := p.cfg.NegativeCacheBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	ladder := []time.Duration{base, 4 * base, 20 * base, 60 * base}
	if failures <= 0 {
		failures = 1
	}
	if failures > len(ladder) {
		failures = len(ladder)
	}
	return ladder[failures-1]
}

// lockFor returns the per-key dial mutex. Contexts come and go, so the
// table is pruned of keys with no live client once it hits the cap.
func (p *Pool) lockFor(key clientKey) (*sync.Mutex, error) {
	if _, ok := p.cfg.Servers[key.server]; !ok {
		return nil, fmt.Errorf("%w: unknown server %q", ErrUnavailable, key.server)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.locks[key]; ok {
		return l, nil
	}
	if len(p.locks) >= maxLockEntries {
		for k := range p.locks {
			if !p.clients.Contains(k) {
				delete(p.locks, k)
			}
		}
	}
	l := &sync.Mutex{}
	p.locks[key] = l
	return l, nil
}

// touch refreshes the idle clock on a hit. The LRU only stamps expiry
// on Add, so a hit re-inserts the same connection under its key.
func (p *Pool) touch(key clientKey, conn Conn) {
	p.clients.Add(key, conn)
}

// Get returns a healthy connection for a (context, server) key,
// dialing if needed. Concurrent callers for the same key serialize;
// callers for different keys proceed independently.
func (p *Pool) Get(ctx context.Context, contextID, name string) (Conn, error) {
	key := clientKey{contextID: contextID, server: name}
	lock, err := p.lockFor(key)
	if err != nil {
		return nil, err
	}

	// Fast path outside the dial lock.
	if conn, ok := p.clients.Get(key); ok {
		if p.ping(ctx, conn) == nil {
			p.touch(key, conn)
			return conn, nil
		}
	}

	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the lock: a concurrent caller may have
	// reconnected already.
	if conn, ok := p.clients.Get(key); ok {
		if p.ping(ctx, conn) == nil {
			p.touch(key, conn)
			return conn, nil
		}
		slog.Warn("MCP client failed health probe, reconnecting", "client", key.String())
		p.clients.Remove(key)
	}

	p.mu.Lock()
	if rec, ok := p.failures[key]; ok && time.Now().Before(rec.until) {
		until := rec.until
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in backoff until %s", ErrUnavailable, key.String(), until.Format(time.RFC3339))
	}
	p.states[key] = StateConnecting
	p.mu.Unlock()

	tracer := observability.GetTracer("kestrel.mcp")
	dialCtx, span := tracer.Start(ctx, observability.SpanMCPConnect,
		trace.WithAttributes(
			attribute.String("mcp.server", name),
			attribute.String(observability.AttrContextID, contextID),
		),
	)
	conn, err := p.dial(dialCtx, name, p.cfg.Servers[name])
	span.End()

	if err != nil {
		p.mu.Lock()
		rec := p.failures[key]
		if rec == nil {
			rec = &failureRecord{}
			p.failures[key] = rec
		}
		rec.count++
		backoff := p.backoffFor(rec.count)
		rec.until = time.Now().Add(backoff)
		p.states[key] = StateBroken
		p.mu.Unlock()

		slog.Warn("MCP connect failed, entering negative cache",
			"client", key.String(), "failures", rec.count, "backoff", backoff, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key.String(), err)
	}

	p.mu.Lock()
	delete(p.failures, key)
	p.states[key] = StateHealthy
	p.mu.Unlock()

	p.clients.Add(key, conn)
	slog.Info("Connected to MCP server", "client", key.String())
	return conn, nil
}

func (p *Pool) ping(ctx context.Context, conn Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}

// Snapshot reports every known (context, server) entry plus configured
// servers nothing has touched yet, for diagnostics.
func (p *Pool) Snapshot() []ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(p.cfg.Servers))
	out := make([]ServerStatus, 0, len(p.states))
	for key, state := range p.states {
		status := ServerStatus{Name: key.server, ContextID: key.contextID, State: state}
		// LRU expiry may have outrun the state map.
		if status.State == StateHealthy && !p.clients.Contains(key) {
			status.State = StateEvicted
		}
		if rec, ok := p.failures[key]; ok {
			status.FailureCount = rec.count
			status.RetryAt = rec.until
		}
		seen[key.server] = true
		out = append(out, status)
	}
	for name := range p.cfg.Servers {
		if !seen[name] {
			out = append(out, ServerStatus{Name: name, State: StateConnecting})
		}
	}
	return out
}

// Shutdown closes every pooled connection.
func (p *Pool) Shutdown() {
	p.clients.Purge()
}
