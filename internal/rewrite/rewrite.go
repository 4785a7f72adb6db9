// Package rewrite turns seed prompts into polished variants via a chat
// model, with a persistent line-oriented cache. Rewrite failures are soft:
// callers fall back to the seed prompt.
package rewrite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// defaultTimeout bounds a single chat completion call.
const defaultTimeout = 120 * time.Second

// Rewriter is the prompt-polish capability.
type Rewriter interface {
	Rewrite(ctx context.Context, seed string) (string, error)
	Name() string
}

// Noop returns the seed prompt verbatim. Used when rewriting is disabled.
type Noop struct{}

// Rewrite returns the seed unchanged.
func (Noop) Rewrite(_ context.Context, seed string) (string, error) { return seed, nil }

// Name identifies the rewriter for cache keying.
func (Noop) Name() string { return "noop" }

// ChatClient captures the subset of the go-openai client used by the
// rewriter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI rewrites prompts with the chat completions API.
type OpenAI struct {
	chat      ChatClient
	model     string
	system    string
	maxTokens int
	cache     *Cache
	logger    *slog.Logger
}

// Options configures the OpenAI rewriter.
type Options struct {
	APIKey    string
	BaseURL   string // override for tests
	Model     string
	System    string
	MaxTokens int
	Cache     *Cache     // optional
	Chat      ChatClient // override for tests; built from APIKey when nil
	Logger    *slog.Logger
}

// NewOpenAI builds a chat-backed rewriter.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, errors.New("rewrite model is required")
	}
	chat := opts.Chat
	if chat == nil {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
		chat = openai.NewClientWithConfig(cfg)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		chat:      chat,
		model:     opts.Model,
		system:    opts.System,
		maxTokens: opts.MaxTokens,
		cache:     opts.Cache,
		logger:    logger,
	}, nil
}

// Rewrite polishes a seed prompt, consulting the cache first. A cache hit
// never touches the remote model. New results are appended to the cache file
// before Rewrite returns.
func (r *OpenAI) Rewrite(ctx context.Context, seed string) (string, error) {
	key := cacheKey(r.Name(), r.model, r.system, seed)
	if r.cache != nil {
		if polished, ok := r.cache.Get(key); ok {
			return polished, nil
		}
	}

	resp, err := r.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.system},
			{Role: openai.ChatMessageRoleUser, Content: seed},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return seed, nil
	}
	polished := strings.TrimSpace(resp.Choices[0].Message.Content)
	if polished == "" {
		return seed, nil
	}

	if r.cache != nil {
		if err := r.cache.Put(key, polished); err != nil {
			return "", fmt.Errorf("persist rewrite cache: %w", err)
		}
	}
	return polished, nil
}

// Name identifies the rewriter for cache keying.
func (r *OpenAI) Name() string { return "openai-rewriter" }

// cacheKey derives a stable key from everything that shapes the output, so
// changing the model or system prompt invalidates old entries.
func cacheKey(rewriter, model, system, seed string) string {
	h := sha256.New()
	h.Write([]byte(rewriter))
	h.Write([]byte(model))
	h.Write([]byte(system))
	h.Write([]byte{0x1f})
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}
