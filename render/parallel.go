package render

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/zsiec/reel/media"
)

// Parallel applies the rosy kernel across a fixed pool of workers, one
// horizontal band per worker. It is the CPU analog of a fragment-shader
// renderer: the same kernel over disjoint regions, joined per frame.
type Parallel struct {
	workers int
	pool    *media.Pool
	rowSize int
	height  int
}

// NewParallel creates an unprepared Parallel renderer. workers <= 0 means
// runtime.NumCPU.
func NewParallel(workers int) *Parallel {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Parallel{workers: workers}
}

// InputPixelFormat implements Renderer.
func (r *Parallel) InputPixelFormat() media.PixelFormat { return media.PixelFormatBGRA }

// InPlace implements Renderer.
func (r *Parallel) InPlace() bool { return true }

// Prepare implements Renderer.
func (r *Parallel) Prepare(format media.VideoFormat, retainedBufferHint int) error {
	if !format.Valid() {
		return fmt.Errorf("render: invalid video format %s", format)
	}
	if format.Pixel != media.PixelFormatBGRA {
		return fmt.Errorf("render: parallel requires BGRA input, got %s", format.Pixel)
	}
	r.pool = media.NewPool(format, retainedBufferHint)
	r.rowSize = format.Width * format.Pixel.BytesPerPixel()
	r.height = format.Height
	return nil
}

// Render implements Renderer. The frame is split into contiguous row bands
// and each band is transformed on its own goroutine; Render returns once all
// bands have joined. Returns nil when the output pool is exhausted.
func (r *Parallel) Render(src *media.Frame) *media.Frame {
	if r.pool == nil {
		return nil
	}
	out, ok := r.pool.Get(src.PTS, src.Seq)
	if !ok {
		return nil
	}

	bands := r.workers
	if bands > r.height {
		bands = r.height
	}
	rowsPerBand := (r.height + bands - 1) / bands

	var wg sync.WaitGroup
	for b := 0; b < bands; b++ {
		start := b * rowsPerBand * r.rowSize
		end := (b + 1) * rowsPerBand * r.rowSize
		if end > len(src.Data) {
			end = len(src.Data)
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			rosyKernel(out.Data[lo:hi], src.Data[lo:hi])
		}(start, end)
	}
	wg.Wait()
	return out
}

// Reset implements Renderer.
func (r *Parallel) Reset() {
	if r.pool != nil {
		r.pool.Reset()
	}
}
