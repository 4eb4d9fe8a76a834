package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatOnly struct{}

func (chatOnly) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	payload, _ := json.Marshal(map[string]string{"reply": "hi"})
	return &Response{Provider: "chat-only", Model: req.Model, Kind: KindChat, Payload: payload}, nil
}

type allCaps struct{}

func (allCaps) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	return &Response{Kind: KindChat}, nil
}

func (allCaps) Text(ctx context.Context, req *TextRequest) (*Response, error) {
	return &Response{Kind: KindText}, nil
}

func (allCaps) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*Response, error) {
	return &Response{Kind: KindEmbeddings}, nil
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by request tag", func(t *testing.T) {
		resp, err := Dispatch(ctx, "p", allCaps{}, &TextRequest{Model: "m", Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, KindText, resp.Kind)
	})

	t.Run("missing capability is a typed error", func(t *testing.T) {
		_, err := Dispatch(ctx, "p", chatOnly{}, &EmbeddingsRequest{Model: "m", Input: []string{"x"}})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "p", perr.Provider)
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestCacheKeys(t *testing.T) {
	t.Run("embeddings are always cacheable and stable", func(t *testing.T) {
		a := &EmbeddingsRequest{Model: "m", Input: []string{"x"}}
		b := &EmbeddingsRequest{Model: "m", Input: []string{"x"}}
		c := &EmbeddingsRequest{Model: "m", Input: []string{"y"}}

		assert.NotEmpty(t, a.CacheKey())
		assert.Equal(t, a.CacheKey(), b.CacheKey())
		assert.NotEqual(t, a.CacheKey(), c.CacheKey())
	})

	t.Run("chat is cacheable only on opt-in", func(t *testing.T) {
		req := &ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}}
		assert.Empty(t, req.CacheKey())

		req.Cacheable = true
		assert.NotEmpty(t, req.CacheKey())
	})

	t.Run("text key differs from chat key for same content", func(t *testing.T) {
		chat := &ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}, Cacheable: true}
		text := &TextRequest{Model: "m", Prompt: "x", Cacheable: true}

		assert.NotEqual(t, chat.CacheKey(), text.CacheKey())
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("register and resolve by model", func(t *testing.T) {
		r := NewRegistry()
		r.Register("a", allCaps{}, "m1", "m2")
		r.Register("b", chatOnly{}, "m2")

		assert.Equal(t, []string{"a"}, r.ProvidersForModel("m1"))
		assert.Equal(t, []string{"a", "b"}, r.ProvidersForModel("m2"))
		assert.Empty(t, r.ProvidersForModel("m3"))
		assert.Equal(t, []string{"m1", "m2"}, r.Models())
	})

	t.Run("call wraps upstream dispatch", func(t *testing.T) {
		r := NewRegistry()
		r.Register("chat-only", chatOnly{}, "m")

		resp, err := r.Call(ctx, "chat-only", &ChatRequest{Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, "chat-only", resp.Provider)
	})

	t.Run("unregistered provider is a typed error", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Call(ctx, "ghost", &ChatRequest{Model: "m"})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.True(t, errors.Is(err, ErrNotRegistered))
	})

	t.Run("deregister removes the provider", func(t *testing.T) {
		r := NewRegistry()
		r.Register("a", allCaps{}, "m")
		r.Deregister("a")

		assert.Empty(t, r.Names())
	})

	t.Run("ping is a no-op without the capability", func(t *testing.T) {
		r := NewRegistry()
		r.Register("a", allCaps{}, "m")

		assert.NoError(t, r.Ping(ctx, "a"))
	})
}
