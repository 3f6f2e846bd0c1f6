package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/vector"
)

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedder down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

type fakeProvider struct {
	vector.Provider

	upserts map[string][]string
	results []vector.Result
	fail    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{upserts: make(map[string][]string)}
}

func (f *fakeProvider) Upsert(_ context.Context, collection, id string, _ []float32, _ map[string]any) error {
	if f.fail {
		return errors.New("provider down")
	}
	f.upserts[collection] = append(f.upserts[collection], id)
	return nil
}

func (f *fakeProvider) Search(context.Context, string, []float32, int) ([]vector.Result, error) {
	if f.fail {
		return nil, errors.New("provider down")
	}
	return f.results, nil
}

func TestStoreRejectsEmptyNamespace(t *testing.T) {
	store := NewStore(newFakeProvider(), &fakeEmbedder{})

	_, err := store.Search(context.Background(), "", "query", 5)
	assert.Error(t, err)

	_, err = store.Upsert(context.Background(), "  ", "fact", nil)
	assert.Error(t, err)
}

func TestStoreSearchScopedToContext(t *testing.T) {
	provider := newFakeProvider()
	provider.results = []vector.Result{{ID: "m1", Content: "prefers tea", Score: 0.9}}
	store := NewStore(provider, &fakeEmbedder{})

	hits, err := store.Search(context.Background(), "ctx-1", "drinks", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "prefers tea", hits[0].Content)
}

func TestStoreSearchDegradesSoftly(t *testing.T) {
	// Backend failure must not fail the request.
	provider := newFakeProvider()
	provider.fail = true
	store := NewStore(provider, &fakeEmbedder{})

	hits, err := store.Search(context.Background(), "ctx-1", "anything", 5)
	assert.NoError(t, err)
	assert.Empty(t, hits)

	// Same for a broken embedder.
	store = NewStore(newFakeProvider(), &fakeEmbedder{fail: true})
	hits, err = store.Search(context.Background(), "ctx-1", "anything", 5)
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStoreUpsertSurfacesErrors(t *testing.T) {
	provider := newFakeProvider()
	store := NewStore(provider, &fakeEmbedder{})

	id, err := store.Upsert(context.Background(), "ctx-1", "likes jazz", map[string]string{"kind": "preference"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, provider.upserts["mem_ctx-1"], 1)

	provider.fail = true
	_, err = store.Upsert(context.Background(), "ctx-1", "another", nil)
	assert.Error(t, err)
}
