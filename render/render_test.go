package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/zsiec/reel/media"
)

var testFormat = media.VideoFormat{Width: 8, Height: 8, Pixel: media.PixelFormatBGRA}

// testFrame builds a BGRA frame with every channel non-zero so channel
// zeroing is observable.
func testFrame(t *testing.T, seq uint64) *media.Frame {
	t.Helper()
	data := make([]byte, testFormat.FrameBytes())
	for i := 0; i < len(data); i += 4 {
		data[i] = 10   // B
		data[i+1] = 20 // G
		data[i+2] = 30 // R
		data[i+3] = 0xff
	}
	return media.NewVideoFrame(data, time.Duration(seq)*33*time.Millisecond, seq, testFormat)
}

func assertRosy(t *testing.T, out *media.Frame) {
	t.Helper()
	for i := 0; i < len(out.Data); i += 4 {
		if out.Data[i] != 10 || out.Data[i+1] != 0 || out.Data[i+2] != 30 {
			t.Fatalf("pixel %d = (%d,%d,%d), want (10,0,30)", i/4, out.Data[i], out.Data[i+1], out.Data[i+2])
		}
	}
}

func TestVariantsApplyEffect(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantRosy, VariantParallel, VariantGraph} {
		variant := variant
		t.Run(string(variant), func(t *testing.T) {
			t.Parallel()

			r, err := New(Config{Variant: variant})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !r.InPlace() {
				t.Fatal("variant should be in place")
			}
			if err := r.Prepare(testFormat, 4); err != nil {
				t.Fatalf("Prepare: %v", err)
			}

			src := testFrame(t, 0)
			defer src.Release()
			out := r.Render(src)
			if out == nil {
				t.Fatal("Render returned nil with an empty pool")
			}
			defer out.Release()

			if out.VideoFormat() != testFormat {
				t.Fatalf("output format %s, want %s", out.VideoFormat(), testFormat)
			}
			assertRosy(t, out)
		})
	}
}

func TestResampleProducesDistinctFormat(t *testing.T) {
	t.Parallel()

	r := NewResample(0.5)
	if r.InPlace() {
		t.Fatal("resample must not report in place")
	}
	if err := r.Prepare(testFormat, 4); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	want := media.VideoFormat{Width: 4, Height: 4, Pixel: media.PixelFormatBGRA}
	if r.OutputFormat() != want {
		t.Fatalf("output format %s, want %s", r.OutputFormat(), want)
	}

	src := testFrame(t, 0)
	defer src.Release()
	out := r.Render(src)
	if out == nil {
		t.Fatal("Render returned nil")
	}
	defer out.Release()
	if out.VideoFormat() != want {
		t.Fatalf("frame format %s, want %s", out.VideoFormat(), want)
	}
	if len(out.Data) != want.FrameBytes() {
		t.Fatalf("frame bytes %d, want %d", len(out.Data), want.FrameBytes())
	}
}

func TestRenderFailsFastWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	r := NewRosy()
	if err := r.Prepare(testFormat, 2); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	src := testFrame(t, 0)
	defer src.Release()

	a := r.Render(src)
	b := r.Render(src)
	if a == nil || b == nil {
		t.Fatal("renders within budget failed")
	}
	if got := r.Render(src); got != nil {
		t.Fatal("render past the budget should return nil")
	}

	a.Release()
	if got := r.Render(src); got == nil {
		t.Fatal("render after release should succeed")
	}
	b.Release()
}

func TestPrepareAfterReset(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantRosy, VariantParallel, VariantGraph, VariantResample} {
		variant := variant
		t.Run(string(variant), func(t *testing.T) {
			t.Parallel()

			r, err := New(Config{Variant: variant})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := r.Prepare(testFormat, 2); err != nil {
				t.Fatalf("first Prepare: %v", err)
			}
			src := testFrame(t, 0)
			defer src.Release()
			if out := r.Render(src); out != nil {
				out.Release()
			}
			r.Reset()
			if err := r.Prepare(testFormat, 2); err != nil {
				t.Fatalf("Prepare after Reset: %v", err)
			}
			out := r.Render(src)
			if out == nil {
				t.Fatal("render failed after re-prepare")
			}
			out.Release()
		})
	}
}

func TestGraphPingPong(t *testing.T) {
	t.Parallel()

	// Two inversions cancel out, which only holds if the ping-pong
	// arrangement lands the final stage in the output buffer.
	g := NewGraph(Invert(), Invert())
	if err := g.Prepare(testFormat, 2); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	src := testFrame(t, 0)
	defer src.Release()
	out := g.Render(src)
	if out == nil {
		t.Fatal("Render returned nil")
	}
	defer out.Release()
	if !bytes.Equal(out.Data, src.Data) {
		t.Fatal("double inversion did not round-trip")
	}
}

func TestFactoryRejectsUnknownVariant(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Variant: "holographic"}); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestPrepareRejectsWrongPixelFormat(t *testing.T) {
	t.Parallel()

	r := NewRosy()
	bad := media.VideoFormat{Width: 8, Height: 8, Pixel: media.PixelFormatRGBA}
	if err := r.Prepare(bad, 2); err == nil {
		t.Fatal("expected error for non-BGRA input")
	}
}
