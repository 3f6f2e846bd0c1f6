package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/skills"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver:        "sqlite3",
		DSN:           fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(t.TempDir(), "test.db")),
		EncryptionKey: testKey,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContextRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContext(ctx, "home", "personal", "/home/pat", map[string]any{"tz": "UTC"})
	require.NoError(t, err)

	loaded, err := s.GetContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "home", loaded.Name)
	assert.Equal(t, "/home/pat", loaded.DefaultCwd)
	assert.Equal(t, "UTC", loaded.Config["tz"])

	_, err = s.GetContext(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestDeleteContextCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)
	conv, err := s.GetOrCreateConversation(ctx, id, "telegram", "chat-1")
	require.NoError(t, err)
	require.NoError(t, s.PersistOutcome(ctx, conv.ID, protocol.UserMessage("hi"), protocol.AssistantMessage("hello"), "completed"))
	require.NoError(t, s.SetToolPermission(ctx, id, "homey", true))
	_, err = s.CreateJob(ctx, id, "digest", "0 9 * * *", "send the digest")
	require.NoError(t, err)

	require.NoError(t, s.DeleteContext(ctx, id))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotExist)
	msgs, err := s.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	jobs, err := s.DueJobs(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestConversationResolveAndCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)

	first, err := s.GetOrCreateConversation(ctx, ctxID, "telegram", "chat-42")
	require.NoError(t, err)
	second, err := s.GetOrCreateConversation(ctx, ctxID, "telegram", "chat-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := s.GetOrCreateConversation(ctx, ctxID, "slack", "chat-42")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestPersistOutcomeAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)
	conv, err := s.GetOrCreateConversation(ctx, ctxID, "telegram", "chat-1")
	require.NoError(t, err)

	user := protocol.UserMessage("what's the weather")
	assistant := protocol.AssistantMessage("sunny")
	assistant.TraceID = "trace-1"
	require.NoError(t, s.PersistOutcome(ctx, conv.ID, user, assistant, "completed"))

	msgs, err := s.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "trace-1", msgs[1].TraceID)

	reloaded, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", reloaded.LastStatus)

	// limit returns the newest slice in creation order
	require.NoError(t, s.PersistOutcome(ctx, conv.ID, protocol.UserMessage("and tomorrow?"), protocol.AssistantMessage("rain"), "completed"))
	recent, err := s.Messages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "and tomorrow?", recent[0].Content)
	assert.Equal(t, "rain", recent[1].Content)
}

func TestSuspensionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)
	conv, err := s.GetOrCreateConversation(ctx, ctxID, "telegram", "chat-1")
	require.NoError(t, err)

	empty, err := s.LoadSuspension(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, empty)

	suspension := &skills.Suspension{
		ID:        "hitl-1",
		SkillName: "email_digest",
		ToolName:  "send_email",
		ToolCall:  protocol.ToolCall{ID: "call-1", Name: "send_email", Arguments: map[string]any{"to": "pat@example.com"}},
		Question:  "Send this email?",
		Messages:  []protocol.Message{protocol.UserMessage("send my digest")},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSuspension(ctx, conv.ID, suspension))

	loaded, err := s.LoadSuspension(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "send_email", loaded.ToolName)
	assert.Equal(t, "pat@example.com", loaded.ToolCall.Arguments["to"])

	require.NoError(t, s.ClearSuspension(ctx, conv.ID))
	cleared, err := s.LoadSuspension(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared)
}

func TestPermissionFilterDefaultsOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetToolPermission(ctx, ctxID, "send_email", false))
	require.NoError(t, s.SetToolPermission(ctx, ctxID, "homey", true))

	filter, err := s.PermissionFilter(ctx, ctxID)
	require.NoError(t, err)
	assert.False(t, filter("send_email"))
	assert.True(t, filter("homey"))
	assert.True(t, filter("web_fetch"))
}

func TestOAuthTokenEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveOAuthToken(ctx, ctxID, "gmail", "secret-access", "secret-refresh", time.Now().Add(time.Hour), "user-1"))

	token, err := s.GetOAuthToken(ctx, ctxID, "gmail")
	require.NoError(t, err)
	assert.Equal(t, "secret-access", token)

	// The row never holds the plaintext.
	var stored string
	require.NoError(t, s.queryRow(ctx,
		`SELECT encrypted_access FROM oauth_tokens WHERE context_id = ? AND provider = ?`,
		ctxID, "gmail").Scan(&stored))
	assert.NotContains(t, stored, "secret-access")

	resolver := s.TokenResolver(ctxID)
	viaResolver, err := resolver(ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, "secret-access", viaResolver)

	_, err = s.GetOAuthToken(ctx, ctxID, "github")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestCredentialDecryptFailureHasRemediationHint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUserCredential(ctx, "user-1", "api_key", "super-secret"))

	value, err := s.GetUserCredential(ctx, "user-1", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", value)

	// Swap the key: decryption must fail with the hint, not a raw error.
	otherKey := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	other, err := NewCipher(otherKey)
	require.NoError(t, err)
	s.cipher = other

	_, err = s.GetUserCredential(ctx, "user-1", "api_key")
	require.Error(t, err)
	assert.ErrorIs(t, err, tools.ErrCredentialDecrypt)
	assert.Contains(t, err.Error(), "re-entry")
}

func TestJobCronRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)

	id, err := s.CreateJob(ctx, ctxID, "digest", "0 9 * * *", "send the digest")
	require.NoError(t, err)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", job.Cron)

	// Same expression, same instant.
	next1, err := NextRun(job.Cron, job.CreatedAt)
	require.NoError(t, err)
	next2, err := NextRun(job.Cron, job.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, next1, next2)

	// Duplicate name in the same context is rejected.
	_, err = s.CreateJob(ctx, ctxID, "digest", "0 9 * * *", "again")
	assert.Error(t, err)

	require.NoError(t, s.MarkRun(ctx, id, "completed"))
	updated, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunCount)
	assert.Equal(t, "completed", updated.LastStatus)
	assert.True(t, updated.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
}

func TestPriceWatchStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ctxID, err := s.CreateContext(ctx, "home", "", "", nil)
	require.NoError(t, err)

	id, err := s.CreatePriceWatch(ctx, ctxID, "https://shop.test/item", "headphones", "0 9 * * *")
	require.NoError(t, err)

	watches, err := s.ListPriceWatches(ctx, ctxID)
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.Equal(t, "headphones", watches[0].Label)
	assert.Equal(t, "https://shop.test/item", watches[0].URL)
	assert.Equal(t, "0 9 * * *", watches[0].Schedule)

	require.NoError(t, s.DeletePriceWatch(ctx, ctxID, id))
	watches, err = s.ListPriceWatches(ctx, ctxID)
	require.NoError(t, err)
	assert.Empty(t, watches)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	_, err = NewCipher("short")
	assert.Error(t, err)
}
