package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeArgsRedactsSecretKeys(t *testing.T) {
	args := map[string]any{
		"url":           "https://example.com",
		"api_key":       "sk-12345",
		"Authorization": "Bearer abc",
		"password":      "hunter2",
		"refresh_token": "tok",
		"nested": map[string]any{
			"client_secret": "shh",
			"plain":         "ok",
		},
		"list": []any{
			map[string]any{"access_token": "t"},
		},
	}

	got := SanitizeArgs(args)

	assert.Equal(t, "https://example.com", got["url"])
	assert.Equal(t, "***", got["api_key"])
	assert.Equal(t, "***", got["Authorization"])
	assert.Equal(t, "***", got["password"])
	assert.Equal(t, "***", got["refresh_token"])

	nested := got["nested"].(map[string]any)
	assert.Equal(t, "***", nested["client_secret"])
	assert.Equal(t, "ok", nested["plain"])

	inList := got["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "***", inList["access_token"])

	// Input must not be mutated.
	assert.Equal(t, "sk-12345", args["api_key"])
}

func TestSanitizeArgsNil(t *testing.T) {
	assert.Nil(t, SanitizeArgs(nil))
}
