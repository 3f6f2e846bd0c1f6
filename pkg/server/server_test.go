package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/dispatch"
	"github.com/kestrelhq/kestrel/pkg/mcp"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/protocol"
)

type scriptedStreamer struct {
	requests []dispatch.StreamRequest
	events   []agent.Event
	err      error
}

func (s *scriptedStreamer) Stream(ctx context.Context, req dispatch.StreamRequest) (<-chan agent.Event, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan agent.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeInspector struct {
	statuses []mcp.ServerStatus
}

func (f *fakeInspector) Snapshot() []mcp.ServerStatus { return f.statuses }

func TestChatStreamsEvents(t *testing.T) {
	streamer := &scriptedStreamer{events: []agent.Event{
		agent.TokenEvent("Hel"),
		agent.TokenEvent("lo"),
		agent.DoneEvent("Hello", protocol.TokenUsage{OutputTokens: 2}),
	}}
	srv := New(config.ServerConfig{}, streamer)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"message": "hi", "metadata": {"context_id": "ctx-1"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	var final string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, string(ev.Type))
		if ev.Type == agent.EventDone {
			final = ev.Final
		}
	}
	assert.Equal(t, []string{"token", "token", "done"}, types)
	assert.Equal(t, "Hello", final)

	require.Len(t, streamer.requests, 1)
	assert.Equal(t, "hi", streamer.requests[0].Message)
	assert.Equal(t, "http", streamer.requests[0].Platform)
	assert.Equal(t, "ctx-1", streamer.requests[0].Metadata[agent.MetaContextID])
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv := New(config.ServerConfig{}, &scriptedStreamer{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := New(config.ServerConfig{}, &scriptedStreamer{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMCPStatus(t *testing.T) {
	inspector := &fakeInspector{statuses: []mcp.ServerStatus{
		{Name: "github", State: mcp.StateHealthy},
	}}
	srv := New(config.ServerConfig{}, &scriptedStreamer{}, WithPoolInspector(inspector))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/mcp/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Servers []mcp.ServerStatus `json:"servers"`
		Total   int                `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "github", body.Servers[0].Name)
}

func TestMetricsEndpoint(t *testing.T) {
	registry, err := observability.InitMetrics("kestrel-test")
	require.NoError(t, err)

	srv := New(config.ServerConfig{}, &scriptedStreamer{}, WithMetricsRegistry(registry))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
