package render

import (
	"fmt"

	"github.com/zsiec/reel/media"
)

// Rosy is the reference CPU renderer: a single-threaded pixel walk that
// zeroes the green channel of each frame.
type Rosy struct {
	pool *media.Pool
}

// NewRosy creates an unprepared Rosy renderer.
func NewRosy() *Rosy { return &Rosy{} }

// InputPixelFormat implements Renderer.
func (r *Rosy) InputPixelFormat() media.PixelFormat { return media.PixelFormatBGRA }

// InPlace implements Renderer: the output format equals the input format.
func (r *Rosy) InPlace() bool { return true }

// Prepare implements Renderer.
func (r *Rosy) Prepare(format media.VideoFormat, retainedBufferHint int) error {
	if !format.Valid() {
		return fmt.Errorf("render: invalid video format %s", format)
	}
	if format.Pixel != media.PixelFormatBGRA {
		return fmt.Errorf("render: rosy requires BGRA input, got %s", format.Pixel)
	}
	r.pool = media.NewPool(format, retainedBufferHint)
	return nil
}

// Render implements Renderer. Returns nil when the output pool is exhausted.
func (r *Rosy) Render(src *media.Frame) *media.Frame {
	if r.pool == nil {
		return nil
	}
	out, ok := r.pool.Get(src.PTS, src.Seq)
	if !ok {
		return nil
	}
	rosyKernel(out.Data, src.Data)
	return out
}

// Reset implements Renderer.
func (r *Rosy) Reset() {
	if r.pool != nil {
		r.pool.Reset()
	}
}

// Pool exposes the output pool for budget assertions in tests. Nil before
// Prepare.
func (r *Rosy) Pool() *media.Pool { return r.pool }
