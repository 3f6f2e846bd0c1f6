package llms

import "regexp"

// Reasoning models sometimes wrap internal deliberation in think tags.
// StripThinking removes those blocks so internal reasoning is never
// persisted or shown to users. Unknown wrappers pass through.
var thinkingBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>\s*`)

func StripThinking(text string) string {
	return thinkingBlockRe.ReplaceAllString(text, "")
}
