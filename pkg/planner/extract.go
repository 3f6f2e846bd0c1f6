package planner

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSON pulls the first balanced JSON object out of raw model
// output. Models wrap plans in prose and code fences; scan rather
// than trust the envelope. Slightly malformed JSON is repaired.
func ExtractJSON(raw string) (string, error) {
	raw = stripFences(raw)

	fragment, ok := balancedObject(raw)
	if !ok {
		return "", fmt.Errorf("no JSON object found in output")
	}

	repaired, err := jsonrepair.JSONRepair(fragment)
	if err != nil {
		return "", fmt.Errorf("unrepairable JSON fragment: %w", err)
	}
	return repaired, nil
}

func stripFences(s string) string {
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return rest[:end]
		}
		return rest
	}
	return s
}

// balancedObject finds the first top-level {...} with brace counting,
// skipping braces inside string literals.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	// Unterminated object: hand the tail to the repairer.
	return s[start:], true
}
