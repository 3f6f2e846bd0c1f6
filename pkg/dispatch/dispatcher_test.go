package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/store"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

type fakeStore struct {
	conversations map[string]*store.Conversation
	messages      map[string][]protocol.Message
	persisted     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*store.Conversation),
		messages:      make(map[string][]protocol.Message),
	}
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", store.ErrNotExist, id)
	}
	return conv, nil
}

func (f *fakeStore) GetOrCreateConversation(ctx context.Context, contextID, platform, platformID string) (*store.Conversation, error) {
	key := platform + "/" + platformID
	if conv, ok := f.conversations[key]; ok {
		return conv, nil
	}
	conv := &store.Conversation{ID: key, ContextID: contextID, Platform: platform, PlatformID: platformID}
	f.conversations[key] = conv
	return conv, nil
}

func (f *fakeStore) Messages(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	return f.messages[conversationID], nil
}

func (f *fakeStore) PersistOutcome(ctx context.Context, conversationID string, userMsg, assistantMsg protocol.Message, status string) error {
	f.persisted = append(f.persisted, assistantMsg.Content)
	return nil
}

type fakeProvider struct {
	llm *llms.ScriptedClient
}

func (p *fakeProvider) OrchestratorFor(ctx context.Context, contextID string) (*agent.Orchestrator, tools.Ambient, error) {
	registry := tools.NewRegistry(0)
	pl := planner.New(p.llm, 0, 0)
	sup := planner.NewSupervisor(func(string, planner.ExecutorKind) bool { return true })
	executor := agent.NewStepExecutor(registry, p.llm, nil, 0)
	o := agent.New(agent.Config{RequestTimeout: 5 * time.Second}, p.llm, registry, pl, sup, executor, agent.NewStepSupervisor(p.llm))
	return o, tools.Ambient{ContextID: contextID}, nil
}

type fakeResumer struct {
	approvedSeen *bool
	final        string

	conversationID string
	ambient        tools.Ambient
}

func (r *fakeResumer) Resume(ctx context.Context, conversationID string, approved bool, transcript *agent.Transcript, ambient tools.Ambient, emit func(agent.Event)) (string, error) {
	*r.approvedSeen = approved
	r.conversationID = conversationID
	r.ambient = ambient
	return r.final, nil
}

func drain(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	var events []agent.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStreamAutoCreatesConversation(t *testing.T) {
	st := newFakeStore()
	llm := llms.NewScriptedClient()
	llm.Enqueue(llms.Response{Text: "Hello!"})

	d := New(st, &fakeProvider{llm: llm}, nil)
	ch, err := d.Stream(context.Background(), StreamRequest{
		Message:    "hi",
		Platform:   "telegram",
		PlatformID: "chat-1",
		Metadata:   map[string]string{agent.MetaContextID: "ctx-1"},
	})
	require.NoError(t, err)

	events := drain(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, agent.EventDone, events[len(events)-1].Type)

	conv, ok := st.conversations["telegram/chat-1"]
	require.True(t, ok)
	assert.Equal(t, "ctx-1", conv.ContextID)
}

func TestStreamRejectsForeignConversation(t *testing.T) {
	st := newFakeStore()
	st.conversations["conv-1"] = &store.Conversation{ID: "conv-1", ContextID: "ctx-owner"}

	d := New(st, &fakeProvider{llm: llms.NewScriptedClient()}, nil)
	ch, err := d.Stream(context.Background(), StreamRequest{
		SessionID: "conv-1",
		Message:   "hi",
		Metadata:  map[string]string{agent.MetaContextID: "ctx-intruder"},
	})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, agent.EventError, events[0].Type)
	assert.Equal(t, agent.KindContextDenied, events[0].Err.Kind)
}

func TestStreamRequiresContextOrSession(t *testing.T) {
	d := New(newFakeStore(), &fakeProvider{llm: llms.NewScriptedClient()}, nil)
	_, err := d.Stream(context.Background(), StreamRequest{Message: "hi", Platform: "telegram"})
	assert.Error(t, err)
}

func TestStreamResume(t *testing.T) {
	st := newFakeStore()
	st.conversations["conv-1"] = &store.Conversation{ID: "conv-1", ContextID: "ctx-1"}

	var approved bool
	resumer := &fakeResumer{approvedSeen: &approved, final: "Email sent."}
	d := New(st, &fakeProvider{llm: llms.NewScriptedClient()}, resumer)

	ch, err := d.Stream(context.Background(), StreamRequest{
		SessionID: "conv-1",
		Message:   "yes, go ahead",
		Metadata:  map[string]string{agent.MetaHitlResume: "approve"},
	})
	require.NoError(t, err)

	events := drain(t, ch)
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	assert.Equal(t, agent.EventDone, terminal.Type)
	assert.Equal(t, "Email sent.", terminal.Final)
	assert.True(t, approved)
	require.Len(t, st.persisted, 1)
	assert.Equal(t, "Email sent.", st.persisted[0])

	// The resume and the ambient bundle both carry the conversation id,
	// which is the key suspensions were parked under.
	assert.Equal(t, "conv-1", resumer.conversationID)
	assert.Equal(t, "conv-1", resumer.ambient.ConversationID)
	assert.Equal(t, "ctx-1", resumer.ambient.ContextID)
}

func TestMergeMetadataTransportWins(t *testing.T) {
	merged := mergeMetadata(
		map[string]string{"user_email": "old@example.com", "platform": "telegram"},
		map[string]string{"user_email": "new@example.com"},
	)
	assert.Equal(t, "new@example.com", merged["user_email"])
	assert.Equal(t, "telegram", merged["platform"])
}
