package capture

// RecordingStatus is the pipeline's externally observable recording state.
// Legal sequences are Idle → StartingRecording → Recording →
// StoppingRecording → Idle, plus any state → Idle on failure. No other
// edges exist.
type RecordingStatus int

const (
	StatusIdle RecordingStatus = iota
	StatusStartingRecording
	StatusRecording
	StatusStoppingRecording
)

func (s RecordingStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStartingRecording:
		return "starting-recording"
	case StatusRecording:
		return "recording"
	case StatusStoppingRecording:
		return "stopping-recording"
	default:
		return "unknown"
	}
}
