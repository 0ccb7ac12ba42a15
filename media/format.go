package media

import "fmt"

// PixelFormat identifies the memory layout of a video frame's pixel data.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota // packed BGRA, 4 bytes per pixel
	PixelFormatRGBA                    // packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatRGBA:
		return "RGBA"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the per-pixel storage size for the format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGRA, PixelFormatRGBA:
		return 4
	default:
		return 0
	}
}

// SampleFormat identifies the memory layout of audio samples.
type SampleFormat int

const (
	SampleFormatS16 SampleFormat = iota // signed 16-bit little-endian PCM
)

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatS16:
		return "S16"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the storage size of one sample on one channel.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatS16:
		return 2
	default:
		return 0
	}
}

// VideoFormat describes the dimensions and pixel layout of a video frame.
// A format description never changes after the frame carrying it is captured.
type VideoFormat struct {
	Width  int
	Height int
	Pixel  PixelFormat
}

// FrameBytes returns the buffer size needed to hold one frame.
func (f VideoFormat) FrameBytes() int {
	return f.Width * f.Height * f.Pixel.BytesPerPixel()
}

// Valid reports whether the format describes a renderable frame.
func (f VideoFormat) Valid() bool {
	return f.Width > 0 && f.Height > 0 && f.Pixel.BytesPerPixel() > 0
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.Pixel)
}

// AudioFormat describes the sample layout of an audio frame.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// Valid reports whether the format describes decodable audio.
func (f AudioFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Sample.BytesPerSample() > 0
}

// BytesPerFrame returns the storage size of one sample across all channels.
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * f.Sample.BytesPerSample()
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz %dch %s", f.SampleRate, f.Channels, f.Sample)
}
