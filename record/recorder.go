// Package record implements the asynchronous recording subsystem: a
// fire-and-forget fMP4 writer that accepts rendered video frames and raw
// audio frames without ever blocking the caller's delivery path. All file
// and codec work happens on the recorder's own serial write queue; results
// surface exactly once through callbacks on a caller-provided queue.
package record

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/dispatch"
	"github.com/zsiec/reel/media"
)

// Status is the recorder's internal lifecycle state.
type Status int

const (
	StatusNew       Status = iota // constructed, tracks may be declared
	StatusPreparing               // Prepare issued, writer opening
	StatusRecording               // ready, samples accepted
	StatusFinishing               // Finish issued, flushing
	StatusFinished                // terminal: file finalized
	StatusFailed                  // terminal: error surfaced
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPreparing:
		return "preparing"
	case StatusRecording:
		return "recording"
	case StatusFinishing:
		return "finishing"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Errors returned synchronously from track declaration and Prepare.
var (
	ErrBadState      = errors.New("record: operation invalid in current state")
	ErrTrackExists   = errors.New("record: track already declared")
	ErrNoTracks      = errors.New("record: no tracks declared")
	ErrInvalidFormat = errors.New("record: invalid track format")
)

// Callbacks receive the recorder's asynchronous results. Each fires at most
// once, serialized on the queue passed to New, in submission order. Exactly
// one of OnFinished or OnFailed fires over the recorder's lifetime (OnFailed
// may fire without OnReady if preparation fails).
type Callbacks struct {
	OnReady    func()
	OnFinished func()
	OnFailed   func(error)
}

// VideoSettings are the negotiated video encoding settings for a session.
type VideoSettings struct {
	// JPEGQuality is the M-JPEG encode quality, 1-100. Zero means 85.
	JPEGQuality int
	// FrameDuration is the nominal frame interval, used as the duration of
	// the final sample where no successor exists to compute a delta from.
	// Zero means 33ms.
	FrameDuration time.Duration
}

func (s VideoSettings) withDefaults() VideoSettings {
	if s.JPEGQuality <= 0 || s.JPEGQuality > 100 {
		s.JPEGQuality = 85
	}
	if s.FrameDuration <= 0 {
		s.FrameDuration = 33 * time.Millisecond
	}
	return s
}

// AudioSettings are the negotiated audio encoding settings for a session.
// LPCM needs no parameters beyond the track's format description; the type
// exists so the negotiation surface matches the video side.
type AudioSettings struct{}

// Recorder owns one container file for one recording session. It is single
// use: after OnFinished or OnFailed it is terminal and a new Recorder must
// be constructed for the next session.
type Recorder struct {
	log    *slog.Logger
	path   string
	cbq    *dispatch.Queue
	cb     Callbacks
	writeq *dispatch.Queue

	mu     sync.Mutex
	status Status
	video  *videoTrackDecl
	audio  *audioTrackDecl

	file *os.File
	mux  *muxer

	appendedVideo atomic.Int64
	appendedAudio atomic.Int64
	droppedVideo  atomic.Int64
	droppedAudio  atomic.Int64
}

type videoTrackDecl struct {
	format   media.VideoFormat
	settings VideoSettings
}

type audioTrackDecl struct {
	format   media.AudioFormat
	settings AudioSettings
}

// New creates a recorder targeting path. Result callbacks are delivered on
// callbackQueue, serialized and in order. The log may be nil.
func New(path string, callbackQueue *dispatch.Queue, cb Callbacks, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log:    log.With("component", "recorder", "path", path),
		path:   path,
		cbq:    callbackQueue,
		cb:     cb,
		writeq: dispatch.New("recorder-write"),
	}
}

// Path returns the container file path the recorder writes to.
func (r *Recorder) Path() string { return r.path }

// Status returns the recorder's current lifecycle state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Appended returns the number of video and audio samples accepted so far.
func (r *Recorder) Appended() (video, audio int64) {
	return r.appendedVideo.Load(), r.appendedAudio.Load()
}

// Dropped returns the number of samples discarded because they arrived
// outside the Recording state.
func (r *Recorder) Dropped() (video, audio int64) {
	return r.droppedVideo.Load(), r.droppedAudio.Load()
}

// AddVideoTrack declares the session's single video track. Must be called
// before Prepare; at most one video track.
func (r *Recorder) AddVideoTrack(format media.VideoFormat, settings VideoSettings) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusNew {
		return fmt.Errorf("%w: %s", ErrBadState, r.status)
	}
	if r.video != nil {
		return fmt.Errorf("%w: video", ErrTrackExists)
	}
	r.video = &videoTrackDecl{format: format, settings: settings.withDefaults()}
	return nil
}

// AddAudioTrack declares the session's single audio track. Must be called
// before Prepare; at most one audio track.
func (r *Recorder) AddAudioTrack(format media.AudioFormat, settings AudioSettings) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusNew {
		return fmt.Errorf("%w: %s", ErrBadState, r.status)
	}
	if r.audio != nil {
		return fmt.Errorf("%w: audio", ErrTrackExists)
	}
	r.audio = &audioTrackDecl{format: format, settings: settings}
	return nil
}

// Prepare opens the container file and writes the init segment, then signals
// OnReady (or OnFailed) via the callback queue. No samples are written
// before OnReady fires. Synchronous errors cover misuse only.
func (r *Recorder) Prepare() error {
	r.mu.Lock()
	if r.status != StatusNew {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadState, r.status)
	}
	if r.video == nil && r.audio == nil {
		r.mu.Unlock()
		return ErrNoTracks
	}
	r.status = StatusPreparing
	r.mu.Unlock()

	r.writeq.Async(r.prepareTask)
	return nil
}

func (r *Recorder) prepareTask() {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		r.fail(fmt.Errorf("record: create container: %w", err))
		return
	}

	mux := newMuxer(file, r.video, r.audio)
	if err := mux.writeInit(); err != nil {
		file.Close()
		os.Remove(r.path)
		r.fail(fmt.Errorf("record: write init segment: %w", err))
		return
	}

	r.mu.Lock()
	r.file = file
	r.mux = mux
	r.status = StatusRecording
	r.mu.Unlock()

	r.log.Debug("recorder ready")
	if r.cb.OnReady != nil {
		r.cbq.Async(r.cb.OnReady)
	}
}

// AppendVideoFrame enqueues a rendered video frame for asynchronous muxing
// and returns immediately. Frames appended outside the Recording state are
// counted and discarded, never an error: the delivery path must stay
// oblivious to recorder teardown races.
func (r *Recorder) AppendVideoFrame(f *media.Frame) {
	f.Retain()
	r.writeq.Async(func() {
		defer f.Release()
		r.mu.Lock()
		ok := r.status == StatusRecording && r.mux != nil && r.video != nil
		mux := r.mux
		r.mu.Unlock()
		if !ok {
			r.droppedVideo.Add(1)
			return
		}
		if err := mux.writeVideo(f); err != nil {
			r.fail(fmt.Errorf("record: append video: %w", err))
			return
		}
		r.appendedVideo.Add(1)
	})
}

// AppendAudioFrame enqueues a raw audio frame for asynchronous muxing and
// returns immediately. Same drop semantics as AppendVideoFrame.
func (r *Recorder) AppendAudioFrame(f *media.Frame) {
	f.Retain()
	r.writeq.Async(func() {
		defer f.Release()
		r.mu.Lock()
		ok := r.status == StatusRecording && r.mux != nil && r.audio != nil
		mux := r.mux
		r.mu.Unlock()
		if !ok {
			r.droppedAudio.Add(1)
			return
		}
		if err := mux.writeAudio(f); err != nil {
			r.fail(fmt.Errorf("record: append audio: %w", err))
			return
		}
		r.appendedAudio.Add(1)
	})
}

// Finish flushes queued samples, finalizes the container file, and signals
// OnFinished (or OnFailed) via the callback queue. Asynchronous; returns
// immediately.
func (r *Recorder) Finish() {
	r.writeq.Async(func() {
		r.mu.Lock()
		if r.status != StatusRecording {
			r.mu.Unlock()
			return
		}
		r.status = StatusFinishing
		mux := r.mux
		file := r.file
		r.mu.Unlock()

		if err := mux.finalize(); err != nil {
			r.fail(fmt.Errorf("record: finalize: %w", err))
			return
		}
		if err := file.Sync(); err != nil {
			r.fail(fmt.Errorf("record: sync: %w", err))
			return
		}
		if err := file.Close(); err != nil {
			r.fail(fmt.Errorf("record: close: %w", err))
			return
		}

		r.mu.Lock()
		r.status = StatusFinished
		r.file = nil
		r.mu.Unlock()

		r.log.Debug("recording finalized",
			"video", r.appendedVideo.Load(),
			"audio", r.appendedAudio.Load())
		if r.cb.OnFinished != nil {
			r.cbq.Async(r.cb.OnFinished)
		}
		r.shutdownQueue()
	})
}

// fail moves the recorder to its terminal failed state and reports the error
// exactly once. Runs on the write queue. The partial container file is left
// in place for the orchestrator to unlink.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	if r.status == StatusFailed || r.status == StatusFinished {
		r.mu.Unlock()
		return
	}
	r.status = StatusFailed
	file := r.file
	r.file = nil
	r.mu.Unlock()

	if file != nil {
		file.Close()
	}
	r.log.Error("recording failed", "error", err)
	if r.cb.OnFailed != nil {
		r.cbq.Async(func() { r.cb.OnFailed(err) })
	}
	r.shutdownQueue()
}

// shutdownQueue retires the write queue once the recorder is terminal. The
// close must happen off the queue's own goroutine; remaining queued appends
// run first and drop against the terminal state.
func (r *Recorder) shutdownQueue() {
	go r.writeq.Close()
}
