package render

import (
	"fmt"

	"github.com/zsiec/reel/media"
)

// Filter is one stage in a Graph renderer's chain. Apply transforms src into
// dst; both are full frames in the graph's input format and the same length.
// A stage must not retain either slice past the call.
type Filter interface {
	Name() string
	Apply(dst, src []byte, format media.VideoFormat)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc struct {
	Label string
	Fn    func(dst, src []byte, format media.VideoFormat)
}

func (f FilterFunc) Name() string { return f.Label }

func (f FilterFunc) Apply(dst, src []byte, format media.VideoFormat) {
	f.Fn(dst, src, format)
}

// ZeroChannel returns a filter that zeroes one BGRA channel (0=B, 1=G, 2=R).
func ZeroChannel(channel int) Filter {
	return FilterFunc{
		Label: fmt.Sprintf("zero-channel-%d", channel),
		Fn: func(dst, src []byte, _ media.VideoFormat) {
			copy(dst, src)
			for i := channel; i < len(dst); i += 4 {
				dst[i] = 0
			}
		},
	}
}

// Invert returns a filter that inverts the color channels, leaving alpha.
func Invert() Filter {
	return FilterFunc{
		Label: "invert",
		Fn: func(dst, src []byte, _ media.VideoFormat) {
			for i := 0; i < len(src); i += 4 {
				dst[i] = ^src[i]
				dst[i+1] = ^src[i+1]
				dst[i+2] = ^src[i+2]
				dst[i+3] = src[i+3]
			}
		},
	}
}

// Brightness returns a filter that adds delta to each color channel with
// saturation.
func Brightness(delta int) Filter {
	clamp := func(v int) byte {
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return byte(v)
	}
	return FilterFunc{
		Label: fmt.Sprintf("brightness%+d", delta),
		Fn: func(dst, src []byte, _ media.VideoFormat) {
			for i := 0; i < len(src); i += 4 {
				dst[i] = clamp(int(src[i]) + delta)
				dst[i+1] = clamp(int(src[i+1]) + delta)
				dst[i+2] = clamp(int(src[i+2]) + delta)
				dst[i+3] = src[i+3]
			}
		},
	}
}

// Graph chains filter stages into a single renderer pass, ping-ponging
// between the output buffer and one scratch buffer so that an arbitrary
// stage count still needs only one extra allocation.
type Graph struct {
	filters []Filter
	pool    *media.Pool
	scratch []byte
}

// NewGraph creates an unprepared Graph renderer. With no filters the chain
// defaults to the rosy effect.
func NewGraph(filters ...Filter) *Graph {
	if len(filters) == 0 {
		filters = []Filter{ZeroChannel(1)}
	}
	return &Graph{filters: filters}
}

// InputPixelFormat implements Renderer.
func (g *Graph) InputPixelFormat() media.PixelFormat { return media.PixelFormatBGRA }

// InPlace implements Renderer.
func (g *Graph) InPlace() bool { return true }

// Prepare implements Renderer.
func (g *Graph) Prepare(format media.VideoFormat, retainedBufferHint int) error {
	if !format.Valid() {
		return fmt.Errorf("render: invalid video format %s", format)
	}
	if format.Pixel != media.PixelFormatBGRA {
		return fmt.Errorf("render: graph requires BGRA input, got %s", format.Pixel)
	}
	g.pool = media.NewPool(format, retainedBufferHint)
	g.scratch = make([]byte, format.FrameBytes())
	return nil
}

// Render implements Renderer. Returns nil when the output pool is exhausted.
func (g *Graph) Render(src *media.Frame) *media.Frame {
	if g.pool == nil {
		return nil
	}
	out, ok := g.pool.Get(src.PTS, src.Seq)
	if !ok {
		return nil
	}

	// Arrange the ping-pong so the final stage lands in out.Data.
	cur := src.Data
	format := src.VideoFormat()
	for i, f := range g.filters {
		var dst []byte
		if (len(g.filters)-i)%2 == 1 {
			dst = out.Data
		} else {
			dst = g.scratch
		}
		f.Apply(dst, cur, format)
		cur = dst
	}
	return out
}

// Reset implements Renderer.
func (g *Graph) Reset() {
	if g.pool != nil {
		g.pool.Reset()
	}
}
