// Package media defines the core frame types that flow through the Reel
// capture pipeline, from the frame source through rendering to recording.
package media

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Channel buffer sizes used by frame sources (producer) and the pipeline
// delivery loops (consumer) to decouple frame production from consumption.
// Sized to absorb scheduling jitter without excessive memory: ~1 second of
// video at 60fps, ~1 second of audio at typical packet rates.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// Kind distinguishes video frames from audio frames.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Frame is one timestamped unit of audio or video data plus its format
// description. Frames are reference counted: every holder that wants to keep
// a frame past the call that delivered it must Retain it, and every holder
// releases exactly once. When the count reaches zero the frame's finalizer
// runs, which for pooled frames returns the buffer to its pool.
//
// The format description is immutable once the frame is created.
type Frame struct {
	Data []byte
	PTS  time.Duration // presentation time relative to the stream epoch
	Seq  uint64

	kind  Kind
	video VideoFormat
	audio AudioFormat

	refs  atomic.Int32
	final func(*Frame)
}

// NewVideoFrame creates a video frame with a reference count of one.
func NewVideoFrame(data []byte, pts time.Duration, seq uint64, format VideoFormat) *Frame {
	f := &Frame{Data: data, PTS: pts, Seq: seq, kind: KindVideo, video: format}
	f.refs.Store(1)
	return f
}

// NewAudioFrame creates an audio frame with a reference count of one.
func NewAudioFrame(data []byte, pts time.Duration, seq uint64, format AudioFormat) *Frame {
	f := &Frame{Data: data, PTS: pts, Seq: seq, kind: KindAudio, audio: format}
	f.refs.Store(1)
	return f
}

// Kind reports whether this is a video or audio frame.
func (f *Frame) Kind() Kind { return f.kind }

// VideoFormat returns the video format description. Only meaningful when
// Kind is KindVideo.
func (f *Frame) VideoFormat() VideoFormat { return f.video }

// AudioFormat returns the audio format description. Only meaningful when
// Kind is KindAudio.
func (f *Frame) AudioFormat() AudioFormat { return f.audio }

// Retain increments the reference count and returns the frame for chaining.
func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

// Release decrements the reference count. The holder that releases the last
// reference triggers the finalizer. Releasing past zero is a programmer
// error and panics.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("media: frame %d released past zero", f.Seq))
	}
	if n == 0 && f.final != nil {
		f.final(f)
	}
}

// Refs returns the current reference count. Diagnostic use only: the value
// may be stale by the time the caller observes it.
func (f *Frame) Refs() int { return int(f.refs.Load()) }
