package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/fastpath"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/memory"
	"github.com/kestrelhq/kestrel/pkg/skills"
	"github.com/kestrelhq/kestrel/pkg/store"
	"github.com/kestrelhq/kestrel/pkg/tools"
	"github.com/kestrelhq/kestrel/pkg/vector"
)

// newTestRuntime wires the singleton bundle by hand so no network or
// real LLM endpoint is involved.
func newTestRuntime(t *testing.T) (*Runtime, *llms.ScriptedClient) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Database.DSN = "file:" + t.TempDir() + "/test.db?_foreign_keys=on"
	cfg.Agent.OrchestratorCacheTTL = time.Minute

	st, err := store.Open(context.Background(), cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	llm := llms.NewScriptedClient()

	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	embedder := llms.NewOpenAIEmbedder("http://localhost:0", "test", "test-embed", 8)

	rt := &Runtime{
		Config:   cfg,
		Store:    st,
		LLM:      llm,
		Vector:   provider,
		Memory:   memory.NewStore(provider, embedder),
		Registry: tools.NewRegistry(cfg.Agent.ToolTimeout),
		Router:   fastpath.NewRouter(),
	}
	require.NoError(t, rt.Registry.RegisterNative(tools.NewWebFetchTool()))
	require.NoError(t, rt.Registry.RegisterNative(tools.NewSendEmailTool()))

	rt.Skills = skills.NewRegistry(t.TempDir(), skills.CheckAgainst(rt.Registry))
	require.NoError(t, rt.Skills.Load(context.Background()))
	rt.Engine = skills.NewEngine(llm, rt.Registry, rt.Skills, st, cfg.Agent.HitlTTL, cfg.Agent.ToolCallBudget)

	rt.Factory = NewServiceFactory(rt)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rt.Factory.Shutdown(ctx)
	})

	return rt, llm
}

func TestOrchestratorForCachesByContext(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	ctxID, err := rt.Store.CreateContext(ctx, "home", "personal", "/home/pim", nil)
	require.NoError(t, err)

	first, ambient, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)
	assert.Equal(t, ctxID, ambient.ContextID)
	assert.Equal(t, "/home/pim", ambient.WorkingDir)

	second, _, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestOrchestratorForUnknownContext(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, _, err := rt.Factory.OrchestratorFor(context.Background(), "no-such-context")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	ctxID, err := rt.Store.CreateContext(ctx, "home", "personal", "", nil)
	require.NoError(t, err)

	first, _, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)

	rt.Factory.Invalidate(ctxID)

	second, _, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestAmbientCarriesUserEmail(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	ctxID, err := rt.Store.CreateContext(ctx, "home", "personal", "",
		map[string]any{"user_email": "pim@example.com"})
	require.NoError(t, err)

	_, ambient, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)
	assert.Equal(t, "pim@example.com", ambient.UserEmail)
	assert.NotNil(t, ambient.OAuthToken)
}

func TestFactoryOrchestratorStreamsChatTurn(t *testing.T) {
	rt, llm := newTestRuntime(t)
	ctx := context.Background()

	ctxID, err := rt.Store.CreateContext(ctx, "home", "personal", "", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Store.SetToolPermission(ctx, ctxID, "send_email", false))

	o, ambient, err := rt.Factory.OrchestratorFor(ctx, ctxID)
	require.NoError(t, err)

	llm.Enqueue(llms.Response{Text: "Hi there."})

	events := o.Stream(ctx, &agent.Request{
		Prompt:    "hello!",
		ContextID: ctxID,
		Metadata:  map[string]string{agent.MetaRoute: agent.RouteChat},
	}, ambient)

	var terminal agent.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.Equal(t, agent.EventDone, terminal.Type)
				assert.Contains(t, terminal.Final, "Hi there.")
				return
			}
			terminal = ev
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}
