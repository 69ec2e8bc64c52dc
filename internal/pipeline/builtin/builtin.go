// Package builtin wires the pipeline ids this repository ships with into
// a pipeline.Registry. Additional pipelines (longlive, streamdiffusionv2,
// mycustom, vod in the original) register the same way but require
// actual model weights, which are out of scope (§1).
package builtin

import (
	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/pipeline/passthrough"
)

// DefaultRegistry returns a Registry with every pipeline id this
// repository implements.
func DefaultRegistry() *pipeline.Registry {
	r := pipeline.NewRegistry()
	r.Register("passthrough", passthrough.New, passthrough.DecodeLoadParams)
	return r
}
