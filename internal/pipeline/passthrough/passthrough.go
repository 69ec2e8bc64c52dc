// Package passthrough implements the simplest pipeline.Pipeline: it
// requires a fixed-size input chunk and returns it unmodified, normalized
// to [0,1]. Grounded in pipelines/passthrough/pipeline.py from the
// original source, it exists for tests and as the reference
// implementation new pipelines are modeled after.
package passthrough

import (
	"context"
	"fmt"

	"github.com/daydream/scope-server/internal/pipeline"
)

const defaultInputSize = 4

// LoadParams mirrors schema.py's PassthroughLoadParams: height/width with
// the same defaults and bounds as the original's other pipelines.
type LoadParams struct {
	Height int
	Width  int
}

// Validate reports an error if Height or Width is out of the [16, 2048]
// range used across the original's pipeline load schemas.
func (p LoadParams) Validate() error {
	if p.Height != 0 && (p.Height < 16 || p.Height > 2048) {
		return fmt.Errorf("height %d out of range [16, 2048]", p.Height)
	}
	if p.Width != 0 && (p.Width < 16 || p.Width > 2048) {
		return fmt.Errorf("width %d out of range [16, 2048]", p.Width)
	}
	return nil
}

// DecodeLoadParams builds a LoadParams from a generic raw map, applying
// the 512x512 defaults from pipelines/passthrough/pipeline.py.
func DecodeLoadParams(raw map[string]any) (pipeline.LoadParams, error) {
	p := LoadParams{Height: 512, Width: 512}
	if v, ok := raw["height"]; ok {
		h, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("height: %w", err)
		}
		p.Height = h
	}
	if v, ok := raw["width"]; ok {
		w, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("width: %w", err)
		}
		p.Width = w
	}
	return p, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Pipeline is the identity pipeline: each Process call echoes its input
// chunk back, converted from uint8 RGB to [0,1] floats.
type Pipeline struct {
	height, width int
}

// New constructs a passthrough Pipeline. Registered under pipeline id
// "passthrough" in the default registry (see internal/pipeline/builtin).
func New(params pipeline.LoadParams) (pipeline.Pipeline, error) {
	lp, _ := params.(LoadParams)
	height, width := lp.Height, lp.Width
	if height == 0 {
		height = 512
	}
	if width == 0 {
		width = 512
	}
	return &Pipeline{height: height, width: width}, nil
}

// Prepare always requests a fixed chunk size of 4 frames, matching
// PassthroughPipeline.prepare in the original.
func (p *Pipeline) Prepare(_ context.Context, _ bool, _ pipeline.ParameterBag) (*pipeline.Requirements, error) {
	return &pipeline.Requirements{InputSize: defaultInputSize}, nil
}

// Process requires a non-nil input chunk and returns it normalized to
// [0,1], one output frame per input frame.
func (p *Pipeline) Process(_ context.Context, input *pipeline.FrameChunk, _ pipeline.ParameterBag) (pipeline.OutputChunk, error) {
	if input == nil || len(input.Frames) == 0 {
		return pipeline.OutputChunk{}, fmt.Errorf("passthrough: input cannot be nil or empty")
	}
	out := pipeline.OutputChunk{
		Width:  p.width,
		Height: p.height,
		Frames: make([][]float32, len(input.Frames)),
	}
	for i, f := range input.Frames {
		plane := make([]float32, len(f.Data))
		for j, b := range f.Data {
			plane[j] = float32(b) / 255.0
		}
		out.Frames[i] = plane
	}
	return out, nil
}
