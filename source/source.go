// Package source defines the frame source contract consumed by the capture
// pipeline: timestamped video and audio frames delivered on two independent
// channels, plus an event channel distinguishing recoverable interruptions
// from fatal errors.
package source

import "github.com/zsiec/reel/media"

// EventKind classifies out-of-band source events.
type EventKind int

const (
	// EventInterrupted signals a transient loss of the capture resource.
	// Delivery pauses; the source can be restarted once the interruption
	// ends. The frame channels stay open.
	EventInterrupted EventKind = iota

	// EventInterruptionEnded signals that the capture resource is available
	// again and Start may be called to resume delivery.
	EventInterruptionEnded

	// EventFatal signals that the source is permanently unusable. The
	// pipeline responds by tearing down.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventInterrupted:
		return "interrupted"
	case EventInterruptionEnded:
		return "interruption-ended"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is one out-of-band source notification. Err is set for EventFatal.
type Event struct {
	Kind EventKind
	Err  error
}

// Source delivers timestamped frames from a live capture device or a
// synthetic generator.
//
// Contract:
//   - Video and Audio return the same channels for the lifetime of the
//     source. Frames on each channel arrive in presentation order.
//   - Each delivered frame carries one reference owned by the receiver.
//   - Start begins delivery. It may be called again after a recoverable
//     interruption to resume.
//   - Stop ends delivery permanently and closes all three channels once no
//     further sends are in flight.
//   - A source never blocks on a slow consumer; it drops frames instead.
type Source interface {
	Start() error
	Stop()
	Video() <-chan *media.Frame
	Audio() <-chan *media.Frame
	Events() <-chan Event
}
