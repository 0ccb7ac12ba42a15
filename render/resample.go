package render

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/zsiec/reel/media"
)

// Resample is the external-library renderer variant: it rescales each frame
// through golang.org/x/image/draw and therefore produces a distinct output
// format description (InPlace is false).
type Resample struct {
	scale   float64
	in      media.VideoFormat
	out     media.VideoFormat
	pool    *media.Pool
	scratch *image.RGBA // source pixels converted to RGBA for x/image
}

// NewResample creates an unprepared Resample renderer. scale <= 0 means 0.5.
func NewResample(scale float64) *Resample {
	if scale <= 0 {
		scale = 0.5
	}
	return &Resample{scale: scale}
}

// InputPixelFormat implements Renderer.
func (r *Resample) InputPixelFormat() media.PixelFormat { return media.PixelFormatBGRA }

// InPlace implements Renderer: resampling changes the format description.
func (r *Resample) InPlace() bool { return false }

// OutputFormat returns the output format negotiated by Prepare.
func (r *Resample) OutputFormat() media.VideoFormat { return r.out }

// Prepare implements Renderer.
func (r *Resample) Prepare(format media.VideoFormat, retainedBufferHint int) error {
	if !format.Valid() {
		return fmt.Errorf("render: invalid video format %s", format)
	}
	if format.Pixel != media.PixelFormatBGRA {
		return fmt.Errorf("render: resample requires BGRA input, got %s", format.Pixel)
	}
	w := int(float64(format.Width) * r.scale)
	h := int(float64(format.Height) * r.scale)
	if w < 1 || h < 1 {
		return fmt.Errorf("render: scale %v collapses %s to zero size", r.scale, format)
	}
	// Keep even dimensions so downstream codecs stay happy.
	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}

	r.in = format
	r.out = media.VideoFormat{Width: w, Height: h, Pixel: media.PixelFormatBGRA}
	r.pool = media.NewPool(r.out, retainedBufferHint)
	r.scratch = image.NewRGBA(image.Rect(0, 0, format.Width, format.Height))
	return nil
}

// Render implements Renderer. Returns nil when the output pool is exhausted.
func (r *Resample) Render(src *media.Frame) *media.Frame {
	if r.pool == nil {
		return nil
	}
	out, ok := r.pool.Get(src.PTS, src.Seq)
	if !ok {
		return nil
	}

	// BGRA -> RGBA swizzle into the scratch image, scale, swizzle back.
	swizzle(r.scratch.Pix, src.Data)
	dst := &image.RGBA{
		Pix:    out.Data,
		Stride: r.out.Width * 4,
		Rect:   image.Rect(0, 0, r.out.Width, r.out.Height),
	}
	draw.ApproxBiLinear.Scale(dst, dst.Rect, r.scratch, r.scratch.Rect, draw.Src, nil)
	swizzle(out.Data, out.Data)
	return out
}

// Reset implements Renderer.
func (r *Resample) Reset() {
	if r.pool != nil {
		r.pool.Reset()
	}
}

// swizzle swaps the first and third channel of each 4-byte pixel, converting
// between BGRA and RGBA in either direction. dst and src may alias.
func swizzle(dst, src []byte) {
	for i := 0; i+3 < len(src); i += 4 {
		b, g, r, a := src[i], src[i+1], src[i+2], src[i+3]
		dst[i], dst[i+1], dst[i+2], dst[i+3] = r, g, b, a
	}
}
