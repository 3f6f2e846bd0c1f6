package tools

import (
	"context"
	"fmt"
	"strings"
)

// MemoryHit is one retrieved memory fragment.
type MemoryHit struct {
	ID      string
	Content string
	Score   float32
}

// MemoryBackend is the slice of the memory store the tools need. The
// context id scopes every call to its own namespace.
type MemoryBackend interface {
	Search(ctx context.Context, contextID, query string, topK int) ([]MemoryHit, error)
	Upsert(ctx context.Context, contextID, content string, metadata map[string]string) (string, error)
}

// MemorySearchArgs is the argument shape for memory_search.
type MemorySearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to look for in long term memory"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=Maximum results to return. Defaults to 5"`
}

// MemorySearchTool retrieves long term memories for the current context.
type MemorySearchTool struct {
	backend MemoryBackend
}

func NewMemorySearchTool(backend MemoryBackend) *MemorySearchTool {
	return &MemorySearchTool{backend: backend}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search the user's long term memory for relevant facts and preferences."
}

func (t *MemorySearchTool) Parameters() map[string]any {
	return ReflectSchema(&MemorySearchArgs{})
}

func (t *MemorySearchTool) ActivityHint() string {
	return "Recalling {query}"
}

func (t *MemorySearchTool) Run(ctx context.Context, args map[string]any, ambient Ambient) (string, error) {
	var parsed MemorySearchArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}
	if parsed.Query == "" {
		err := fmt.Errorf("query is required")
		return ErrorOutput(err.Error()), err
	}
	if parsed.TopK <= 0 {
		parsed.TopK = 5
	}

	hits, err := t.backend.Search(ctx, ambient.ContextID, parsed.Query, parsed.TopK)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("memory search failed: %v", err)), err
	}
	if len(hits) == 0 {
		return "No relevant memories found.", nil
	}

	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(h.Content))
	}
	return sb.String(), nil
}

// MemoryUpsertArgs is the argument shape for memory_upsert.
type MemoryUpsertArgs struct {
	Content string `json:"content" jsonschema:"required,description=Fact or preference to remember"`
	Kind    string `json:"kind,omitempty" jsonschema:"description=Optional category such as preference or fact"`
}

// MemoryUpsertTool stores a durable memory for the current context.
type MemoryUpsertTool struct {
	backend MemoryBackend
}

func NewMemoryUpsertTool(backend MemoryBackend) *MemoryUpsertTool {
	return &MemoryUpsertTool{backend: backend}
}

func (t *MemoryUpsertTool) Name() string { return "memory_upsert" }

func (t *MemoryUpsertTool) Description() string {
	return "Store a fact or preference in the user's long term memory."
}

func (t *MemoryUpsertTool) Parameters() map[string]any {
	return ReflectSchema(&MemoryUpsertArgs{})
}

func (t *MemoryUpsertTool) ActivityHint() string {
	return "Remembering that"
}

func (t *MemoryUpsertTool) Run(ctx context.Context, args map[string]any, ambient Ambient) (string, error) {
	var parsed MemoryUpsertArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}
	if strings.TrimSpace(parsed.Content) == "" {
		err := fmt.Errorf("content is required")
		return ErrorOutput(err.Error()), err
	}

	metadata := map[string]string{}
	if parsed.Kind != "" {
		metadata["kind"] = parsed.Kind
	}

	id, err := t.backend.Upsert(ctx, ambient.ContextID, parsed.Content, metadata)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("memory write failed: %v", err)), err
	}
	return fmt.Sprintf("Remembered (memory %s).", id), nil
}
