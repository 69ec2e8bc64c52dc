// Package pipeline defines the opaque ML-inference contract (Pipeline),
// the parameter bag exchanged with it, and a lifecycle manager that
// serializes loading, unloading, and reloading of a single active
// pipeline. The pipeline implementation itself is a collaborator: this
// package never imports a concrete model.
package pipeline

import (
	"context"
	"reflect"
)

// Keys reserved by the frame processor and never forwarded to Process.
const (
	ParamPaused     = "paused"
	ParamResetCache = "reset_cache"
)

// Keys consumed by Prepare and never forwarded to Process.
const (
	ParamManageCache               = "manage_cache"
	ParamPromptInterpolationMethod = "prompt_interpolation_method"
)

// prepareOnlyKeys are stripped from the bag handed to Process after
// Prepare has consumed them. ParamResetCache is consumed by the frame
// processor itself (see internal/frameproc), not by Prepare, so it is not
// included here — Prepare only sees it via the should-prepare flag.
var prepareOnlyKeys = map[string]struct{}{
	ParamManageCache:               {},
	ParamPromptInterpolationMethod: {},
}

// PromptWeight is one entry of a weighted prompt list ({text, weight}).
// Nothing in this package converts ParameterBag values to PromptWeight:
// a "prompts" value arriving over the data channel stays as the value
// json.Unmarshal produced, whether plain strings or records.
type PromptWeight struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// ParameterBag is a mapping from parameter name to value, forwarded
// between the data channel, the frame processor, and the pipeline.
// Unknown names are carried through unchanged; recognized reserved names
// are stripped before reaching Process (see ForProcess).
type ParameterBag map[string]any

// Clone returns a shallow copy of the bag.
func (b ParameterBag) Clone() ParameterBag {
	out := make(ParameterBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of b: values in other win, keys absent
// from other are preserved. This implements §4.3's "merge" step and is
// idempotent — merging the same bag twice yields the same result.
func (b ParameterBag) Merge(other ParameterBag) ParameterBag {
	out := b.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether two bags have identical keys and values, used to
// detect no-op updates (§4.3 step 1: "If a new bag arrived and differs
// from current"). Values are compared with reflect.DeepEqual rather than
// `!=` because parameter values routinely include non-comparable types
// (e.g. "prompts" and "denoising_step_list" decode to []interface{} via
// json.Unmarshal) that would panic under `==`/`!=` (mirrors the
// fmt.Sprint comparison pipeline/manager.go's paramsEqual uses for the
// same reason).
func (b ParameterBag) Equal(other ParameterBag) bool {
	if len(b) != len(other) {
		return false
	}
	for k, v := range b {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(ov, v) {
			return false
		}
	}
	return true
}

// PopBool extracts and removes a boolean key, returning (value, present).
func (b ParameterBag) PopBool(key string) (bool, bool) {
	v, ok := b[key]
	if !ok {
		return false, false
	}
	delete(b, key)
	bv, ok := v.(bool)
	return bv, ok
}

// ForProcess returns a copy of b with prepare-only and reserved keys
// stripped, suitable to pass to Process. Prepare-only keys are consumed
// by Prepare; paused/reset_cache are consumed by the frame processor
// worker before Prepare is even called.
func (b ParameterBag) ForProcess() ParameterBag {
	out := make(ParameterBag, len(b))
	for k, v := range b {
		if _, skip := prepareOnlyKeys[k]; skip {
			continue
		}
		if k == ParamPaused || k == ParamResetCache {
			continue
		}
		out[k] = v
	}
	return out
}

// Requirements declares how many input frames the next Process call
// expects. A nil Requirements (see Pipeline.Prepare) means "this pipeline
// is generative and needs no input this tick."
type Requirements struct {
	InputSize int
}

// FrameChunk is a contiguous sequence of RGB8 frames, H×W as advertised
// at load time, each Height*Width*3 bytes.
type FrameChunk struct {
	Frames []Frame
}

// Frame is a single RGB8 decoded video frame.
type Frame struct {
	Width, Height int
	// RGB pixel data, Height*Width*3 bytes, row-major.
	Data []byte
}

// Pipeline is the abstract ML inference contract. Implementations are not
// required to be thread-safe: the frame processor worker is documented as
// the sole caller (§4.1).
type Pipeline interface {
	// Prepare reinitializes internal state (caches, blended prompt
	// embeddings, denoising schedule) when shouldPrepare is true, and
	// returns the input size the next Process call expects, or nil when
	// the pipeline needs no input this tick. Must be idempotent when
	// shouldPrepare is false and no recognized params changed.
	Prepare(ctx context.Context, shouldPrepare bool, params ParameterBag) (*Requirements, error)

	// Process consumes an optional chunk of InputSize frames (nil when
	// Prepare returned nil Requirements) and returns one or more output
	// frames. Output pixels are [0,1] floating point; the caller
	// normalizes to uint8 RGB before queuing.
	Process(ctx context.Context, input *FrameChunk, params ParameterBag) (OutputChunk, error)
}

// OutputChunk is the floating-point output of one Process call, one
// HxWx3 plane per produced frame, values in [0,1].
type OutputChunk struct {
	Width, Height int
	Frames        [][]float32 // each len == Width*Height*3
}

// LoadParams is implemented by pipeline-specific load parameter structs
// (e.g. passthrough.LoadParams). Validate reports a non-nil error when a
// field is out of its declared range, mirroring the pydantic
// Field(ge=..., le=...) constraints in the original's schema.py.
type LoadParams interface {
	Validate() error
}

// Constructor builds a Pipeline instance from validated load parameters.
// Registered per pipeline id in a Registry (see registry.go).
type Constructor func(params LoadParams) (Pipeline, error)
