// internal/provider/provider.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is a tagged request variant. Exactly one concrete type exists per
// provider capability; the engine routes on the tag.
type Request interface {
	Kind() Kind
	// CacheKey returns a stable key for response caching, or "" when the
	// request must not be cached.
	CacheKey() string
}

// Kind identifies the capability a request targets.
type Kind string

const (
	KindChat       Kind = "chat"
	KindText       Kind = "text"
	KindEmbeddings Kind = "embeddings"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest targets the chat capability.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	// Cacheable opts the response into the shared cache. Chat responses are
	// only reusable when the caller says so.
	Cacheable bool `json:"-"`
}

func (r *ChatRequest) Kind() Kind { return KindChat }

func (r *ChatRequest) CacheKey() string {
	if !r.Cacheable {
		return ""
	}
	return hashKey("chat", r.Model, r.Messages)
}

// TextRequest targets the text completion capability.
type TextRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Cacheable bool   `json:"-"`
}

func (r *TextRequest) Kind() Kind { return KindText }

func (r *TextRequest) CacheKey() string {
	if !r.Cacheable {
		return ""
	}
	return hashKey("text", r.Model, r.Prompt)
}

// EmbeddingsRequest targets the embeddings capability. Embeddings are
// deterministic for a given input, so they are always cacheable.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (r *EmbeddingsRequest) Kind() Kind { return KindEmbeddings }

func (r *EmbeddingsRequest) CacheKey() string {
	return hashKey("embeddings", r.Model, r.Input)
}

// Response is the provider's answer. Payload stays opaque to the routing
// layer so responses cache as-is.
type Response struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// Chat is the chat-completion capability.
type Chat interface {
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)
}

// Text is the text-completion capability.
type Text interface {
	Text(ctx context.Context, req *TextRequest) (*Response, error)
}

// Embeddings is the embeddings capability.
type Embeddings interface {
	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*Response, error)
}

// Pinger is an optional health-probe capability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error wraps an upstream provider failure.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatch routes a tagged request to the matching capability of impl.
// A provider that lacks the capability yields a typed *Error.
func Dispatch(ctx context.Context, name string, impl any, req Request) (*Response, error) {
	switch r := req.(type) {
	case *ChatRequest:
		if p, ok := impl.(Chat); ok {
			return p.Chat(ctx, r)
		}
		return nil, &Error{Provider: name, Op: "chat", Err: ErrUnsupported}
	case *TextRequest:
		if p, ok := impl.(Text); ok {
			return p.Text(ctx, r)
		}
		return nil, &Error{Provider: name, Op: "text", Err: ErrUnsupported}
	case *EmbeddingsRequest:
		if p, ok := impl.(Embeddings); ok {
			return p.Embeddings(ctx, r)
		}
		return nil, &Error{Provider: name, Op: "embeddings", Err: ErrUnsupported}
	default:
		return nil, fmt.Errorf("unknown request type %T", req)
	}
}
