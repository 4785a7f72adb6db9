package provider

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sync/atomic"
)

// Mock synthesizes noise PNGs from a seeded RNG. It never fails and reports
// zero cost, which makes it the workhorse for local runs and tests. Output is
// deterministic given the run seed and the index of the call.
type Mock struct {
	model  string
	width  int
	height int
	seed   int64
	calls  atomic.Int64
}

// NewMock builds a mock provider for the given dimensions and run seed.
func NewMock(model string, width, height int, seed int64) *Mock {
	if model == "" {
		model = "noise"
	}
	return &Mock{model: model, width: width, height: height, seed: seed}
}

// Generate returns a deterministic noise image. The per-call RNG is derived
// from the run seed and the call index so concurrent calls stay reproducible
// regardless of interleaving.
func (m *Mock) Generate(ctx context.Context, prompt string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, Fail(Cancelled, err)
	}
	n := m.calls.Add(1)
	rng := rand.New(rand.NewSource(m.seed ^ (n * 0x9e3779b9)))

	img := image.NewNRGBA(image.Rect(0, 0, m.width, m.height))
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, Fail(Permanent, err)
	}
	return &Image{
		Bytes:  buf.Bytes(),
		Width:  m.width,
		Height: m.height,
		Model:  m.model,
		Cost:   0,
	}, nil
}

// Name identifies the provider in file names and sidecars.
func (m *Mock) Name() string { return "mock" }

// Model reports the configured model label.
func (m *Mock) Model() string { return m.model }
