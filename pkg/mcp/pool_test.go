package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/config"
)

type fakeConn struct {
	mu       sync.Mutex
	pingErr  error
	closed   bool
	toolList []mcpproto.Tool
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) ListTools(context.Context) ([]mcpproto.Tool, error) {
	return f.toolList, nil
}

func (f *fakeConn) CallTool(context.Context, string, map[string]any) (string, bool, error) {
	return "ok", false, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) breakPing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = errors.New("connection reset")
}

func newTestPool(t *testing.T, servers map[string]config.MCPServerConfig) *Pool {
	t.Helper()
	return NewPool(config.MCPConfig{
		Servers:              servers,
		ClientTTL:            time.Minute,
		NegativeCacheBackoff: 50 * time.Millisecond,
	})
}

func TestPoolRejectsUnknownServer(t *testing.T) {
	pool := newTestPool(t, map[string]config.MCPServerConfig{})

	_, err := pool.Get(context.Background(), "ctx-1", "ghost")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPoolReusesHealthyConnection(t *testing.T) {
	dials := 0
	conn := &fakeConn{}
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		dials++
		return conn, nil
	}

	first, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)
	second, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
}

func TestPoolReconnectsAfterFailedProbe(t *testing.T) {
	dials := 0
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}

	first, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)
	first.(*fakeConn).breakPing()

	second, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, dials)
	assert.True(t, first.(*fakeConn).closed)
}

func TestPoolKeysClientsByContext(t *testing.T) {
	dials := 0
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}

	forA, err := pool.Get(context.Background(), "ctx-a", "srv")
	require.NoError(t, err)
	forB, err := pool.Get(context.Background(), "ctx-b", "srv")
	require.NoError(t, err)

	// Same server, different contexts: each owns its connection.
	assert.NotSame(t, forA, forB)
	assert.Equal(t, 2, dials)

	again, err := pool.Get(context.Background(), "ctx-a", "srv")
	require.NoError(t, err)
	assert.Same(t, forA, again)
	assert.Equal(t, 2, dials)

	status := pool.Snapshot()
	require.Len(t, status, 2)
	contexts := map[string]bool{}
	for _, s := range status {
		assert.Equal(t, "srv", s.Name)
		assert.Equal(t, StateHealthy, s.State)
		contexts[s.ContextID] = true
	}
	assert.True(t, contexts["ctx-a"])
	assert.True(t, contexts["ctx-b"])
}

func TestPoolGetRefreshesIdleClock(t *testing.T) {
	dials := 0
	pool := NewPool(config.MCPConfig{
		Servers:   map[string]config.MCPServerConfig{"srv": {URL: "http://x"}},
		ClientTTL: 200 * time.Millisecond,
	})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}

	_, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)

	// Keep hitting the entry past the TTL; every hit must reset the
	// idle clock, so the connection never expires under use.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		_, err := pool.Get(context.Background(), "ctx-1", "srv")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, dials)
}

func TestPoolNegativeCacheBacksOff(t *testing.T) {
	dials := 0
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	_, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, dials)

	// Within the backoff window the pool must not dial again.
	_, err = pool.Get(context.Background(), "ctx-1", "srv")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, dials)

	// After the window a new dial is attempted, and the next failure
	// widens the backoff.
	time.Sleep(60 * time.Millisecond)
	_, err = pool.Get(context.Background(), "ctx-1", "srv")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, dials)

	status := pool.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, StateBroken, status[0].State)
	assert.Equal(t, 2, status[0].FailureCount)
}

func TestPoolRecoveryClearsFailures(t *testing.T) {
	fail := true
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{}, nil
	}

	_, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.ErrorIs(t, err, ErrUnavailable)

	fail = false
	time.Sleep(60 * time.Millisecond)

	_, err = pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)

	status := pool.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, StateHealthy, status[0].State)
	assert.Zero(t, status[0].FailureCount)
}

func TestPoolBackoffLadder(t *testing.T) {
	pool := newTestPool(t, nil)
	base := 50 * time.Millisecond

	assert.Equal(t, base, pool.backoffFor(1))
	assert.Equal(t, 4*base, pool.backoffFor(2))
	assert.Equal(t, 20*base, pool.backoffFor(3))
	assert.Equal(t, 60*base, pool.backoffFor(4))
	// The ladder caps at the last rung.
	assert.Equal(t, 60*base, pool.backoffFor(9))
}

func TestPoolShutdownClosesClients(t *testing.T) {
	conn := &fakeConn{}
	pool := newTestPool(t, map[string]config.MCPServerConfig{"srv": {URL: "http://x"}})
	pool.dial = func(context.Context, string, config.MCPServerConfig) (Conn, error) {
		return conn, nil
	}

	_, err := pool.Get(context.Background(), "ctx-1", "srv")
	require.NoError(t, err)

	pool.Shutdown()
	assert.True(t, conn.closed)
}
