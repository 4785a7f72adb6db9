package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	resp openai.ImageResponse
	err  error
	last openai.ImageRequest
}

func (f *fakeImages) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	f.last = req
	return f.resp, f.err
}

func TestOpenAIGenerateB64(t *testing.T) {
	payload := []byte("not-really-a-png")
	fake := &fakeImages{resp: openai.ImageResponse{
		Data: []openai.ImageResponseDataInner{{B64JSON: base64.StdEncoding.EncodeToString(payload)}},
	}}
	p := NewOpenAI(OpenAIOptions{Model: "dall-e-3", Width: 1024, Height: 1024, PricePerImage: 0.04, Images: fake})

	img, err := p.Generate(context.Background(), "a fox")
	require.NoError(t, err)
	assert.Equal(t, payload, img.Bytes)
	assert.Equal(t, "dall-e-3", img.Model)
	assert.Equal(t, 0.04, img.Cost)

	assert.Equal(t, "a fox", fake.last.Prompt)
	assert.Equal(t, "1024x1024", fake.last.Size)
	assert.Equal(t, openai.CreateImageResponseFormatB64JSON, fake.last.ResponseFormat)
}

func TestOpenAIGenerateGPTImageOmitsResponseFormat(t *testing.T) {
	fake := &fakeImages{resp: openai.ImageResponse{
		Data: []openai.ImageResponseDataInner{{B64JSON: base64.StdEncoding.EncodeToString([]byte("x"))}},
	}}
	p := NewOpenAI(OpenAIOptions{Model: "gpt-image-1", Width: 256, Height: 256, Images: fake})

	_, err := p.Generate(context.Background(), "a fox")
	require.NoError(t, err)
	assert.Empty(t, fake.last.ResponseFormat)
}

func TestOpenAIGenerateURLFallback(t *testing.T) {
	payload := []byte("png-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	fake := &fakeImages{resp: openai.ImageResponse{
		Data: []openai.ImageResponseDataInner{{URL: srv.URL + "/img.png"}},
	}}
	p := NewOpenAI(OpenAIOptions{Model: "dall-e-2", Width: 256, Height: 256, Images: fake})

	img, err := p.Generate(context.Background(), "a fox")
	require.NoError(t, err)
	assert.Equal(t, payload, img.Bytes)
}

func TestOpenAIClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailKind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, Transient},
		{"server error", &openai.APIError{HTTPStatusCode: 500}, Transient},
		{"bad gateway", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, Transient},
		{"policy refusal", &openai.APIError{HTTPStatusCode: 400}, Permanent},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, Permanent},
		{"decode failure", errors.New("invalid character 'x'"), Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewOpenAI(OpenAIOptions{Model: "dall-e-3", Width: 64, Height: 64, Images: &fakeImages{err: tc.err}})
			_, err := p.Generate(context.Background(), "p")
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestOpenAICancelled(t *testing.T) {
	p := NewOpenAI(OpenAIOptions{Model: "dall-e-3", Width: 64, Height: 64, Images: &fakeImages{err: context.Canceled}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, Cancelled, KindOf(err))
}

func TestOpenAIEmptyData(t *testing.T) {
	p := NewOpenAI(OpenAIOptions{Model: "dall-e-3", Width: 64, Height: 64, Images: &fakeImages{}})
	_, err := p.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, Permanent, KindOf(err))
}

func TestClassifyStatus(t *testing.T) {
	for _, status := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.Equal(t, Transient, ClassifyStatus(status), "status %d", status)
	}
	for _, status := range []int{400, 401, 403, 404, 422, 501} {
		assert.Equal(t, Permanent, ClassifyStatus(status), "status %d", status)
	}
}
