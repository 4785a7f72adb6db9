package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single remote generation call.
const DefaultTimeout = 120 * time.Second

// ImagesClient captures the subset of the go-openai client used by the
// remote provider.
type ImagesClient interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// OpenAI calls the OpenAI images API, one HTTP request per Generate.
type OpenAI struct {
	images ImagesClient
	httpc  *http.Client
	model  string
	width  int
	height int
	price  float64
}

// OpenAIOptions configures the remote provider.
type OpenAIOptions struct {
	APIKey        string
	BaseURL       string // override for tests; empty means api.openai.com
	Model         string
	Width         int
	Height        int
	PricePerImage float64
	Timeout       time.Duration
	Images        ImagesClient // override for tests; built from APIKey when nil
}

// NewOpenAI builds a remote provider from the options.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpc := &http.Client{Timeout: timeout}
	images := opts.Images
	if images == nil {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		cfg.HTTPClient = httpc
		images = openai.NewClientWithConfig(cfg)
	}
	model := opts.Model
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAI{
		images: images,
		httpc:  httpc,
		model:  model,
		width:  opts.Width,
		height: opts.Height,
		price:  opts.PricePerImage,
	}
}

// Generate issues one image generation request and decodes the result.
func (p *OpenAI) Generate(ctx context.Context, prompt string) (*Image, error) {
	req := openai.ImageRequest{
		Prompt: prompt,
		Model:  p.model,
		N:      1,
		Size:   fmt.Sprintf("%dx%d", p.width, p.height),
	}
	// response_format is only accepted by DALL-E models; GPT image models
	// always return base64 and reject the parameter.
	if isDallE(p.model) {
		req.ResponseFormat = openai.CreateImageResponseFormatB64JSON
	}

	resp, err := p.images.CreateImage(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Data) == 0 {
		return nil, Failf(Permanent, "images API returned no data")
	}

	item := resp.Data[0]
	var raw []byte
	switch {
	case item.B64JSON != "":
		raw, err = base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, Failf(Permanent, "decode b64_json: %v", err)
		}
	case item.URL != "":
		raw, err = p.download(ctx, item.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, Failf(Permanent, "images API item has neither b64_json nor url")
	}

	return &Image{
		Bytes:  raw,
		Width:  p.width,
		Height: p.height,
		Model:  p.model,
		Cost:   p.price,
	}, nil
}

// download fetches an image returned by URL rather than inline base64.
func (p *OpenAI) download(ctx context.Context, rawurl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, Fail(Permanent, err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, Failf(ClassifyStatus(resp.StatusCode), "image download returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Fail(Transient, err)
	}
	return data, nil
}

// Name identifies the provider in file names and sidecars.
func (p *OpenAI) Name() string { return "openai" }

// Model reports the configured model.
func (p *OpenAI) Model() string { return p.model }

func isDallE(model string) bool {
	return len(model) >= 7 && model[:7] == "dall-e-"
}

// classifyOpenAIError maps SDK and transport failures to failure kinds.
// A 2xx with an unparseable body surfaces from the SDK as a plain decode
// error and stays Permanent.
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return Fail(Cancelled, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Fail(ClassifyStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Fail(ClassifyStatus(reqErr.HTTPStatusCode), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(Transient, err)
	}
	// Transport-level failures (connect refused, read timeout) are worth
	// retrying; KindOf recognizes net and url errors.
	if kind := KindOf(err); kind != Permanent {
		return Fail(kind, err)
	}
	return Fail(Permanent, err)
}
