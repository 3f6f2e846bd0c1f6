package llms

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned responses in order. It backs golden
// tests that need deterministic LLM behavior.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     []Request
	next      int
	model     string
}

func NewScriptedClient(responses ...Response) *ScriptedClient {
	return &ScriptedClient{responses: responses, model: "scripted"}
}

// Enqueue appends a response to the script.
func (c *ScriptedClient) Enqueue(resp Response) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	c.errs = append(c.errs, nil)
	return c
}

// EnqueueError appends a failing call to the script.
func (c *ScriptedClient) EnqueueError(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, Response{})
	c.errs = append(c.errs, err)
	return c
}

// Calls returns the requests seen so far.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.calls...)
}

func (c *ScriptedClient) Chat(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, req)
	if c.next >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", c.next)
	}

	idx := c.next
	c.next++

	if idx < len(c.errs) && c.errs[idx] != nil {
		return nil, c.errs[idx]
	}
	resp := c.responses[idx]
	return &resp, nil
}

func (c *ScriptedClient) ChatStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, len(resp.ToolCalls)+2)
	if resp.Text != "" {
		out <- StreamChunk{Type: ChunkText, Text: resp.Text}
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &tc}
	}
	out <- StreamChunk{Type: ChunkDone, Usage: resp.Usage}
	close(out)
	return out, nil
}

func (c *ScriptedClient) Model() string { return c.model }

func (c *ScriptedClient) Close() error { return nil }

var _ Client = (*ScriptedClient)(nil)
