package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
)

const gmailSendEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// SendEmailArgs is the argument shape for the email tool. The cwd-style
// ambient parameters user_email and oauth_token are injected by the
// registry and never requested from the model.
type SendEmailArgs struct {
	To      string `json:"to" jsonschema:"required,description=Recipient address"`
	Subject string `json:"subject" jsonschema:"required,description=Message subject"`
	Body    string `json:"body" jsonschema:"required,description=Plain text message body"`

	UserEmail  string `json:"user_email,omitempty" jsonschema:"description=Injected sender address"`
	OAuthToken string `json:"oauth_token,omitempty" jsonschema:"description=Injected provider token"`
}

// SendEmailTool sends mail through the Gmail REST API on behalf of the
// context owner.
type SendEmailTool struct {
	endpoint string
	client   *httpclient.Client
}

func NewSendEmailTool() *SendEmailTool {
	return &SendEmailTool{
		endpoint: gmailSendEndpoint,
		client: httpclient.NewClient(
			httpclient.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(httpclient.SmartRetry),
		),
	}
}

func (t *SendEmailTool) Name() string { return "send_email" }

func (t *SendEmailTool) Description() string {
	return "Send an email from the user's account. Requires a linked email credential."
}

func (t *SendEmailTool) Parameters() map[string]any {
	return ReflectSchema(&SendEmailArgs{})
}

func (t *SendEmailTool) ActivityHint() string {
	return "Emailing {to}"
}

func (t *SendEmailTool) Run(ctx context.Context, args map[string]any, _ Ambient) (string, error) {
	var parsed SendEmailArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}

	if parsed.To == "" || !strings.Contains(parsed.To, "@") {
		err := fmt.Errorf("a valid recipient address is required")
		return ErrorOutput(err.Error()), err
	}
	if parsed.OAuthToken == "" {
		err := fmt.Errorf("no email credential is linked for this context")
		return ErrorOutput(err.Error()), err
	}

	rfc822 := buildRFC822(parsed.UserEmail, parsed.To, parsed.Subject, parsed.Body)
	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(rfc822)),
	})
	if err != nil {
		return ErrorOutput(err.Error()), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	req.Header.Set("Authorization", "Bearer "+parsed.OAuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("send failed: %v", err)), err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("mail provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return ErrorOutput(err.Error()), err
	}

	return fmt.Sprintf("Email sent to %s.", parsed.To), nil
}

func buildRFC822(from, to, subject, body string) string {
	var sb strings.Builder
	if from != "" {
		fmt.Fprintf(&sb, "From: %s\r\n", from)
	}
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}
