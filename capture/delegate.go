package capture

import "github.com/zsiec/reel/media"

// Delegate receives the pipeline's asynchronous preview and lifecycle
// notifications. Every callback is delivered on the caller-supplied delegate
// queue, serialized and in enqueue order; each must be treated as
// independent and idempotently consumable.
type Delegate interface {
	// PreviewFrameReady hands over the freshest rendered frame. The
	// pipeline has already fetched-and-cleared its preview slot, so the
	// receiver owns the reference and must Release it when done displaying.
	// Holding frames without releasing exhausts the retained-buffer budget,
	// which the pipeline reports via RanOutOfPreviewBuffers.
	PreviewFrameReady(f *media.Frame)

	// RanOutOfPreviewBuffers signals that a render was skipped because
	// every output buffer is outstanding. The expected response is to
	// release any frames the delegate is still holding; the notification
	// itself is the backpressure release mechanism.
	RanOutOfPreviewBuffers()

	RecordingStarted()
	RecordingWillStop()
	RecordingStopped()
	RecordingFailed(err error)

	// PipelineStoppedWithError reports a non-recoverable pipeline failure
	// after teardown has completed. Delivered at most once.
	PipelineStoppedWithError(err error)
}
