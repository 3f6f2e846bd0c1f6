package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
)

const webFetchMaxBytes = 512 * 1024

// WebFetchArgs is the argument shape for the web fetch tool.
type WebFetchArgs struct {
	URL string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
}

// WebFetchTool retrieves a page and returns readable text with markup
// stripped, capped to keep transcripts bounded.
type WebFetchTool struct {
	client *httpclient.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: httpclient.NewClient(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(httpclient.ConservativeRetry),
		),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its text content with HTML markup removed."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return ReflectSchema(&WebFetchArgs{})
}

func (t *WebFetchTool) ActivityHint() string {
	return "Fetching {url}"
}

func (t *WebFetchTool) Run(ctx context.Context, args map[string]any, _ Ambient) (string, error) {
	var parsed WebFetchArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}
	if !strings.HasPrefix(parsed.URL, "http://") && !strings.HasPrefix(parsed.URL, "https://") {
		err := fmt.Errorf("url must start with http:// or https://")
		return ErrorOutput(err.Error()), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.URL, nil)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	req.Header.Set("User-Agent", "kestrel/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("fetch failed: %v", err)), err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("server returned %d for %s", resp.StatusCode, parsed.URL)
		return ErrorOutput(err.Error()), err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
	if err != nil {
		return ErrorOutput(fmt.Sprintf("read failed: %v", err)), err
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(raw)
	if strings.Contains(contentType, "text/html") || looksLikeHTML(text) {
		text = StripHTML(text)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "The page returned no readable content.", nil
	}
	return text, nil
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes scripts, styles and tags, decodes the common
// entities and collapses blank runs.
func StripHTML(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, "\n")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	s = replacer.Replace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	return blankRunRe.ReplaceAllString(s, "\n\n")
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s[:min(len(s), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
