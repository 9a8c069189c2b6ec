package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeedo-sys/platform/internal/embedding"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) (*embedding.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	vec, ok := s.vectors[text]
	if !ok {
		vec = []float64{0, 0, 1}
	}
	return &embedding.Result{Vector: vec, Cost: 0.25}, nil
}

func (s *stubEmbedder) Model() string {
	return "stub-embedding"
}

func scopedContext() CallContext {
	return CallContext{
		WorkspaceID:    "ws-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Namespaces:     []string{"workspace:ws-1"},
	}
}

func TestRegistryFiltersByScope(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	reg := NewRegistry()
	reg.Register(NewKnowledgeSearchTool(&stubEmbedder{}, store))

	t.Run("enabled with namespaces in scope", func(t *testing.T) {
		defs := reg.Definitions(scopedContext())
		require.Len(t, defs, 1)
		assert.Equal(t, "knowledge_search", defs[0].Name)
		assert.NotEmpty(t, defs[0].Description)
		assert.NotEmpty(t, defs[0].Parameters)
	})

	t.Run("disabled without namespaces", func(t *testing.T) {
		assert.Empty(t, reg.Definitions(CallContext{WorkspaceID: "ws-1"}))
	})

	t.Run("instructions follow enablement", func(t *testing.T) {
		assert.NotEmpty(t, reg.Instructions(scopedContext()))
		assert.Empty(t, reg.Instructions(CallContext{}))
	})
}

func TestKnowledgeSearchTool(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "workspace:ws-1", "u1", []vectorstore.Record{
		{UnitID: "u1", Content: "refunds take 5 days", Vector: []float64{1, 0, 0}},
		{UnitID: "u1", Content: "shipping is free", Vector: []float64{0, 1, 0}},
	}))

	embedder := &stubEmbedder{vectors: map[string][]float64{
		"refund policy": {1, 0, 0},
	}}
	knowledge := NewKnowledgeSearchTool(embedder, store)

	t.Run("returns ranked contents and embedding cost", func(t *testing.T) {
		res, err := knowledge.Call(ctx, scopedContext(), json.RawMessage(`{"query":"refund policy"}`))
		require.NoError(t, err)
		assert.Equal(t, 0.25, res.Cost)

		var contents []string
		require.NoError(t, json.Unmarshal([]byte(res.Content), &contents))
		require.NotEmpty(t, contents)
		assert.Equal(t, "refunds take 5 days", contents[0])
	})

	t.Run("empty query is a reportable error", func(t *testing.T) {
		_, err := knowledge.Call(ctx, scopedContext(), json.RawMessage(`{"query":""}`))
		var callErr *CallError
		require.ErrorAs(t, err, &callErr)
		assert.Contains(t, callErr.Output(), "error")
	})

	t.Run("malformed arguments are a reportable error", func(t *testing.T) {
		_, err := knowledge.Call(ctx, scopedContext(), json.RawMessage(`not json`))
		var callErr *CallError
		assert.ErrorAs(t, err, &callErr)
	})

	t.Run("embedding failure is a reportable error", func(t *testing.T) {
		failing := NewKnowledgeSearchTool(&stubEmbedder{err: errors.New("upstream down")}, store)
		_, err := failing.Call(ctx, scopedContext(), json.RawMessage(`{"query":"anything"}`))
		var callErr *CallError
		require.ErrorAs(t, err, &callErr)
		assert.ErrorContains(t, callErr, "embedding failed")
	})
}

func TestMemoryTools(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	save := NewSaveMemoryTool(client)
	get := NewGetMemoryTool(client)
	cc := scopedContext()

	t.Run("save then get round-trips", func(t *testing.T) {
		_, err := save.Call(ctx, cc, json.RawMessage(`{"fact":"prefers metric units"}`))
		require.NoError(t, err)
		_, err = save.Call(ctx, cc, json.RawMessage(`{"fact":"lives in Berlin"}`))
		require.NoError(t, err)

		res, err := get.Call(ctx, cc, json.RawMessage(`{}`))
		require.NoError(t, err)

		var facts []string
		require.NoError(t, json.Unmarshal([]byte(res.Content), &facts))
		assert.Equal(t, []string{"prefers metric units", "lives in Berlin"}, facts)
	})

	t.Run("facts are scoped per workspace and user", func(t *testing.T) {
		other := cc
		other.UserID = "user-2"

		res, err := get.Call(ctx, other, json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, res.Content)
	})

	t.Run("empty fact is a reportable error", func(t *testing.T) {
		_, err := save.Call(ctx, cc, json.RawMessage(`{"fact":""}`))
		var callErr *CallError
		assert.ErrorAs(t, err, &callErr)
	})

	t.Run("disabled without a user scope", func(t *testing.T) {
		assert.False(t, save.Enabled(CallContext{WorkspaceID: "ws-1"}))
		assert.False(t, get.Enabled(CallContext{UserID: "user-1"}))
		assert.True(t, save.Enabled(cc))
	})
}

func TestCallError(t *testing.T) {
	inner := errors.New("boom")
	err := NewCallError("my_tool", "it broke", inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "my_tool")

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(err.Output()), &payload))
	assert.Equal(t, "it broke", payload["error"])
}
