package capture

import (
	"sync"
	"time"
)

// rateEstimator keeps a sliding one-second window of frame arrival times.
// Entries older than now-1s are evicted on each record, so Rate reads the
// count of frames seen in the last second.
type rateEstimator struct {
	mu       sync.Mutex
	window   time.Duration
	arrivals []time.Time
}

func newRateEstimator() *rateEstimator {
	return &rateEstimator{window: time.Second}
}

func (r *rateEstimator) record(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.arrivals) && r.arrivals[i].Before(cutoff) {
		i++
	}
	r.arrivals = append(r.arrivals[i:], now)
}

// Rate returns frames-per-second over the window ending at now.
func (r *rateEstimator) rate(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	n := 0
	for i := len(r.arrivals) - 1; i >= 0 && !r.arrivals[i].Before(cutoff); i-- {
		n++
	}
	return float64(n) / r.window.Seconds()
}

// Snapshot is a point-in-time view of pipeline health, suitable for JSON
// serialization in diagnostics output.
type Snapshot struct {
	FramesReceived  int64   `json:"framesReceived"`
	FramesRendered  int64   `json:"framesRendered"`
	FramesDropped   int64   `json:"framesDropped"`
	PreviewDropped  int64   `json:"previewDropped"`
	RenderStarved   int64   `json:"renderStarved"`
	AudioReceived   int64   `json:"audioReceived"`
	FrameRate       float64 `json:"frameRate"`
	RecordingStatus string  `json:"recordingStatus"`
}
