package tools

import "sync"

// CallLimiter enforces the per-tool soft cap within a step window.
// The orchestrator resets it at each step boundary.
type CallLimiter struct {
	mu     sync.Mutex
	budget int
	counts map[string]int
}

// NewCallLimiter creates a limiter with the given per-tool budget.
// A budget <= 0 disables limiting.
func NewCallLimiter(budget int) *CallLimiter {
	return &CallLimiter{
		budget: budget,
		counts: make(map[string]int),
	}
}

// Allow records an invocation attempt and reports whether the tool is
// still within budget.
func (l *CallLimiter) Allow(toolName string) bool {
	if l == nil || l.budget <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[toolName] >= l.budget {
		return false
	}
	l.counts[toolName]++
	return true
}

// Count returns the invocations recorded for a tool in this window.
func (l *CallLimiter) Count(toolName string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[toolName]
}

// Reset clears the window.
func (l *CallLimiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[string]int)
}
