// Package render defines the pluggable per-frame transform contract used by
// the capture pipeline, along with four interchangeable implementations. A
// renderer owns a bounded pool of output buffers; when the pool is exhausted
// it fails fast instead of blocking, which is the backpressure signal the
// pipeline relays to its delegate.
package render

import (
	"fmt"

	"github.com/zsiec/reel/media"
)

// Renderer transforms one source video frame into one output frame.
//
// Contract:
//   - InputPixelFormat declares the pixel format Render expects.
//   - Prepare sizes the output pool from the retained-buffer hint. It must
//     be called before Render and is callable again after Reset.
//   - Render returns nil when the output pool is exhausted. It must never
//     block waiting for a pool slot; the pipeline's delivery path is
//     real-time.
//   - Reset releases all pooled output buffers. Safe to call when idle.
//   - InPlace reports whether the output format is identical to the input
//     format.
//
// A renderer's methods are never invoked concurrently: the pipeline guards
// every call with its renderer lock.
type Renderer interface {
	InputPixelFormat() media.PixelFormat
	Prepare(format media.VideoFormat, retainedBufferHint int) error
	Render(src *media.Frame) *media.Frame
	Reset()
	InPlace() bool
}

// Variant names one of the built-in renderer implementations.
type Variant string

const (
	// VariantRosy is the single-threaded CPU pixel walk.
	VariantRosy Variant = "rosy"
	// VariantParallel applies the same kernel across a band-per-worker pool.
	VariantParallel Variant = "parallel"
	// VariantGraph composes a chain of filter stages into one pass.
	VariantGraph Variant = "graph"
	// VariantResample rescales through golang.org/x/image and produces a
	// distinct output format.
	VariantResample Variant = "resample"
)

// Config selects and parameterizes a renderer variant. Exactly one variant
// is active per pipeline instance, chosen at construction time.
type Config struct {
	Variant Variant

	// Filters is the stage chain for VariantGraph. Empty means the default
	// rosy chain.
	Filters []Filter

	// Scale is the output scale factor for VariantResample. Zero means 0.5.
	Scale float64

	// Workers is the worker count for VariantParallel. Zero means NumCPU.
	Workers int
}

// New constructs the renderer named by cfg.Variant. An unknown variant is a
// configuration error.
func New(cfg Config) (Renderer, error) {
	switch cfg.Variant {
	case VariantRosy, "":
		return NewRosy(), nil
	case VariantParallel:
		return NewParallel(cfg.Workers), nil
	case VariantGraph:
		return NewGraph(cfg.Filters...), nil
	case VariantResample:
		return NewResample(cfg.Scale), nil
	default:
		return nil, fmt.Errorf("render: unknown variant %q", cfg.Variant)
	}
}

// rosyKernel zeroes the green channel of a packed BGRA buffer, leaving the
// signature pink cast. dst and src must be the same length.
func rosyKernel(dst, src []byte) {
	copy(dst, src)
	for i := 1; i < len(dst); i += 4 {
		dst[i] = 0
	}
}
