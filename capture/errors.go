package capture

import "errors"

var (
	// ErrInvalidState rejects an operation that would require an illegal
	// state-machine edge, such as starting a recording that is already in
	// flight. Callers can test for it with errors.Is.
	ErrInvalidState = errors.New("capture: invalid state for operation")

	// ErrAlreadyStarted rejects a second Start on the same pipeline.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrStopped rejects operations on a pipeline that has been stopped.
	// A pipeline is single use; construct a new one to restart.
	ErrStopped = errors.New("capture: pipeline stopped")

	// ErrNoVideoFormat rejects StartRecording before any video frame has
	// been observed, since the video track is initialized from the first
	// frame's format description.
	ErrNoVideoFormat = errors.New("capture: no video format observed yet")
)
