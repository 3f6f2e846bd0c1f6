package agent

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kestrelhq/kestrel/pkg/protocol"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates tokens with the cl100k encoding, falling back
// to a bytes/4 heuristic if the encoder is unavailable (offline BPE
// data fetch).
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// Transcript accumulates the working conversation for one request:
// the user prompt, step results, and assistant turns. Growth is
// bounded; compaction elides the oldest step outputs first so the
// request and the most recent context always survive.
type Transcript struct {
	mu       sync.Mutex
	messages []protocol.Message
	budget   int
	usage    protocol.TokenUsage
}

func NewTranscript(tokenBudget int) *Transcript {
	if tokenBudget <= 0 {
		tokenBudget = 24000
	}
	return &Transcript{budget: tokenBudget}
}

func (t *Transcript) Append(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
	t.compactLocked()
}

// AppendStepResult records a finished step as a labeled user turn so
// later LLM calls see what already happened.
func (t *Transcript) AppendStepResult(stepID, label, output string) {
	t.Append(protocol.UserMessage(fmt.Sprintf("[step %s: %s]\n%s", stepID, label, output)))
}

func (t *Transcript) AddUsage(u protocol.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Add(u)
}

func (t *Transcript) Usage() protocol.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Messages returns a copy of the current window.
func (t *Transcript) Messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Transcript) tokensLocked() int {
	total := 0
	for _, m := range t.messages {
		total += countTokens(m.Content)
	}
	return total
}

const elidedMarker = "[earlier output elided]"

// compactLocked keeps the window under budget. First pass elides the
// bodies of the oldest oversized turns; second pass drops the oldest
// turns entirely, always preserving the first and last message.
func (t *Transcript) compactLocked() {
	if t.tokensLocked() <= t.budget {
		return
	}

	for i := range t.messages[:max(len(t.messages)-2, 0)] {
		if countTokens(t.messages[i].Content) > 256 {
			t.messages[i].Content = elidedMarker
			if t.tokensLocked() <= t.budget {
				return
			}
		}
	}

	for len(t.messages) > 2 && t.tokensLocked() > t.budget {
		t.messages = append(t.messages[:1], t.messages[2:]...)
	}
}
