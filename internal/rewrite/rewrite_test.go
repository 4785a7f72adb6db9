package rewrite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	reply string
	err   error
	calls int
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	if f.reply == "" {
		return openai.ChatCompletionResponse{}, nil
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func newRewriter(t *testing.T, chat ChatClient, cache *Cache) *OpenAI {
	t.Helper()
	r, err := NewOpenAI(Options{
		Model:  "gpt-4o-mini",
		System: "polish ad prompts",
		Cache:  cache,
		Chat:   chat,
	})
	require.NoError(t, err)
	return r
}

func TestRewritePolishes(t *testing.T) {
	chat := &fakeChat{reply: "  a glossy product shot  "}
	r := newRewriter(t, chat, NewCache())

	out, err := r.Rewrite(context.Background(), "a product shot")
	require.NoError(t, err)
	assert.Equal(t, "a glossy product shot", out)
	assert.Equal(t, 1, chat.calls)
}

func TestRewriteCacheHitSkipsRemote(t *testing.T) {
	chat := &fakeChat{reply: "polished"}
	r := newRewriter(t, chat, NewCache())

	first, err := r.Rewrite(context.Background(), "seed prompt")
	require.NoError(t, err)
	second, err := r.Rewrite(context.Background(), "seed prompt")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, chat.calls, "second call must come from the cache")
}

func TestRewriteEmptyReplyFallsBack(t *testing.T) {
	r := newRewriter(t, &fakeChat{}, NewCache())

	out, err := r.Rewrite(context.Background(), "seed prompt")
	require.NoError(t, err)
	assert.Equal(t, "seed prompt", out)
}

func TestRewriteErrorSurfaces(t *testing.T) {
	r := newRewriter(t, &fakeChat{err: errors.New("quota exceeded")}, nil)

	_, err := r.Rewrite(context.Background(), "seed prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRewriteNoModel(t *testing.T) {
	_, err := NewOpenAI(Options{})
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	out, err := Noop{}.Rewrite(context.Background(), "seed")
	require.NoError(t, err)
	assert.Equal(t, "seed", out)
}

func TestCacheKeySensitivity(t *testing.T) {
	base := cacheKey("r", "m", "s", "seed")
	assert.NotEqual(t, base, cacheKey("r", "m2", "s", "seed"))
	assert.NotEqual(t, base, cacheKey("r", "m", "s2", "seed"))
	assert.NotEqual(t, base, cacheKey("r", "m", "s", "seed2"))
	// The separator keeps system/seed boundaries unambiguous.
	assert.NotEqual(t, cacheKey("r", "m", "ab", "c"), cacheKey("r", "m", "a", "bc"))
}

func TestCachePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	c, err := LoadCache(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("k1", "v1"))
	require.NoError(t, c.Put("k2", "v2"))
	require.NoError(t, c.Close())

	reloaded, err := LoadCache(path, nil)
	require.NoError(t, err)
	defer reloaded.Close()

	v, ok := reloaded.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 2, reloaded.Len())
}

func TestCacheSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	body := `{"seed":"k1","polished":"v1"}
this line is not json
{"seed":"k2","polished":"v2"}
{"seed":"k3","polished":"v3`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := LoadCache(path, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("k1")
	assert.True(t, ok)
	_, ok = c.Get("k3")
	assert.False(t, ok)
}
