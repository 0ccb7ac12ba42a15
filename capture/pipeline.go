// Package capture implements the capture pipeline orchestrator: it wires a
// frame source, a pluggable renderer, and the recording subsystem together,
// drives the recording state machine, applies the retained-buffer
// backpressure policy, and notifies a delegate asynchronously of preview
// frames and lifecycle events.
//
// Concurrency model: cooperating independent serial queues. A configuration
// queue serializes start/stop and recording-state handling; one dedicated
// goroutine drains each of the source's video and audio channels so per
// channel ordering holds and heavy video work never starves audio; the
// recorder owns its own write queue; and all delegate notifications go out
// on a caller-supplied queue. Two lock domains protect shared state: the
// renderer lock (renderer access + the rendering-enabled flag) and the state
// lock (recording status + preview slot + last-seen formats). Neither lock
// is ever held across an asynchronous hand-off.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/reel/dispatch"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/record"
	"github.com/zsiec/reel/render"
	"github.com/zsiec/reel/source"
)

// DefaultRetainedBufferBudget bounds how many rendered frames may be
// outstanding across the preview and recording consumers at once.
const DefaultRetainedBufferBudget = 6

// RunningToken marks the span during which the pipeline is actively
// processing frames, letting the host extend process liveness across an OS
// suspend boundary. Acquired when delivery starts, released on teardown.
type RunningToken interface {
	Acquire()
	Release()
}

// recordingBackend is the subset of record.Recorder the pipeline drives.
// Accepting an interface here decouples the state machine from the concrete
// recorder, making it testable with stubs.
type recordingBackend interface {
	AddVideoTrack(format media.VideoFormat, settings record.VideoSettings) error
	AddAudioTrack(format media.AudioFormat, settings record.AudioSettings) error
	Prepare() error
	AppendVideoFrame(f *media.Frame)
	AppendAudioFrame(f *media.Frame)
	Finish()
}

// recorderFactory builds a fresh recording backend for one session.
type recorderFactory func(path string, cbq *dispatch.Queue, cb record.Callbacks, log *slog.Logger) recordingBackend

// Config wires a Pipeline's collaborators. Source, Renderer, Delegate, and
// DelegateQueue are required.
type Config struct {
	Source   source.Source
	Renderer render.Renderer

	// Delegate receives asynchronous notifications on DelegateQueue.
	Delegate      Delegate
	DelegateQueue *dispatch.Queue

	// RetainedBufferBudget caps simultaneously outstanding rendered frames.
	// Zero means DefaultRetainedBufferBudget.
	RetainedBufferBudget int

	VideoSettings record.VideoSettings
	AudioSettings record.AudioSettings

	// TempDir holds in-progress recordings before the durable hand-off.
	// Empty means os.TempDir.
	TempDir string

	// RunningToken is optional process-liveness plumbing.
	RunningToken RunningToken

	Logger *slog.Logger
}

// Pipeline is the capture pipeline orchestrator. A Pipeline is single use:
// Start once, Stop once; construct a new one to capture again.
type Pipeline struct {
	log    *slog.Logger
	cfg    Config
	budget int

	// configQueue serializes Start, recorder result handling, and source
	// event handling so none of them interleave.
	configQueue *dispatch.Queue

	newRecorder recorderFactory

	// renderMu guards the renderer and the enabled flag together so that
	// disabling rendering has a strict happens-after relationship with any
	// render in flight.
	renderMu         sync.Mutex
	renderingEnabled bool
	rendererPrepared bool
	preparedFormat   media.VideoFormat

	// stateMu guards the recording status, the preview slot, and the
	// last-seen format descriptions. A race between a status read and a
	// status transition would let a frame reach a recorder mid-teardown.
	stateMu          sync.Mutex
	idleCond         *sync.Cond // broadcast on every transition to StatusIdle
	status           RecordingStatus
	recorder         recordingBackend
	recordTemp       string
	recordDest       string
	pendingStop      bool
	previewFrame     *media.Frame
	videoFormat      media.VideoFormat
	haveVideoFormat  bool
	outputFormat     media.VideoFormat
	haveOutputFormat bool
	audioFormat      media.AudioFormat
	haveAudioFormat  bool

	started  atomic.Bool
	stopping atomic.Bool
	muted    atomic.Bool // set once Stop commits to silence
	stopOnce sync.Once
	loopWG   sync.WaitGroup

	interrupted atomic.Bool

	rate           *rateEstimator
	framesReceived atomic.Int64
	framesRendered atomic.Int64
	framesDropped  atomic.Int64
	previewDropped atomic.Int64
	renderStarved  atomic.Int64
	audioReceived  atomic.Int64
}

// New validates cfg and builds an idle pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture: config requires a source")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("capture: config requires a renderer")
	}
	if cfg.Delegate == nil || cfg.DelegateQueue == nil {
		return nil, fmt.Errorf("capture: config requires a delegate and delegate queue")
	}
	if cfg.RetainedBufferBudget < 0 {
		return nil, fmt.Errorf("capture: negative retained-buffer budget")
	}
	budget := cfg.RetainedBufferBudget
	if budget == 0 {
		budget = DefaultRetainedBufferBudget
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		log:              log.With("component", "capture"),
		cfg:              cfg,
		budget:           budget,
		configQueue:      dispatch.New("capture-config"),
		renderingEnabled: true,
		rate:             newRateEstimator(),
	}
	p.idleCond = sync.NewCond(&p.stateMu)
	p.newRecorder = func(path string, cbq *dispatch.Queue, cb record.Callbacks, log *slog.Logger) recordingBackend {
		return record.New(path, cbq, cb, log)
	}
	return p, nil
}

// Start configures the source and begins frame delivery. Safe to call
// exactly once per pipeline lifetime; concurrent Start/Stop calls are
// serialized on the configuration queue.
func (p *Pipeline) Start() error {
	err := ErrStopped // holds if the configuration queue is already closed
	p.configQueue.Sync(func() { err = p.startOnConfigQueue() })
	return err
}

func (p *Pipeline) startOnConfigQueue() error {
	if p.stopping.Load() {
		return ErrStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if p.cfg.RunningToken != nil {
		p.cfg.RunningToken.Acquire()
	}
	if err := p.cfg.Source.Start(); err != nil {
		if p.cfg.RunningToken != nil {
			p.cfg.RunningToken.Release()
		}
		p.started.Store(false)
		return fmt.Errorf("capture: start source: %w", err)
	}

	p.loopWG.Add(3)
	go p.videoLoop()
	go p.audioLoop()
	go p.eventLoop()

	p.log.Info("pipeline started", "budget", p.budget)
	return nil
}

// Stop synchronously drains all in-flight frames, stops recording if active,
// releases the source, and tears down the render pipeline. When Stop
// returns, no further delegate callback for this pipeline will ever be
// delivered. Must not be called from a delegate callback or from the
// configuration queue.
func (p *Pipeline) Stop() {
	p.shutdown(nil)
	p.muted.Store(true)
	// Drain barrier on the delegate queue: everything enqueued before the
	// mute has run by the time Stop returns.
	p.cfg.DelegateQueue.Sync(func() {})
	p.configQueue.Close()
	p.log.Info("pipeline stopped")
}

// shutdown is the single teardown path shared by Stop, fatal source errors,
// and nothing else. Blocks until delivery has drained and any active
// recording has resolved to Idle.
func (p *Pipeline) shutdown(cause error) {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		// Resolve an active recording first so queued samples flush while
		// delivery winds down.
		p.stateMu.Lock()
		switch p.status {
		case StatusRecording:
			p.status = StatusStoppingRecording
			rec := p.recorder
			p.stateMu.Unlock()
			p.notify(func(d Delegate) { d.RecordingWillStop() })
			rec.Finish()
		case StatusStartingRecording:
			p.pendingStop = true
			p.stateMu.Unlock()
		default:
			p.stateMu.Unlock()
		}

		p.cfg.Source.Stop()
		p.loopWG.Wait() // drain barrier: no further frame processing

		p.stateMu.Lock()
		for p.status != StatusIdle {
			p.idleCond.Wait()
		}
		if p.previewFrame != nil {
			p.previewFrame.Release()
			p.previewFrame = nil
		}
		p.stateMu.Unlock()

		p.renderMu.Lock()
		if p.rendererPrepared {
			p.cfg.Renderer.Reset()
			p.rendererPrepared = false
		}
		p.renderMu.Unlock()

		if p.cfg.RunningToken != nil && p.started.Load() {
			p.cfg.RunningToken.Release()
		}

		if cause != nil {
			p.log.Error("pipeline stopped with error", "error", cause)
			p.notify(func(d Delegate) { d.PipelineStoppedWithError(cause) })
		}
	})
}

// SetRenderingEnabled atomically toggles whether incoming video frames are
// rendered at all. Because the flag shares the renderer lock, a caller that
// disables rendering is guaranteed no render completes concurrently with
// the call returning.
func (p *Pipeline) SetRenderingEnabled(enabled bool) {
	p.renderMu.Lock()
	p.renderingEnabled = enabled
	p.renderMu.Unlock()
}

// RenderingEnabled reports whether incoming frames are passed to the
// renderer.
func (p *Pipeline) RenderingEnabled() bool {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	return p.renderingEnabled
}

// RecordingStatus returns the current recording state.
func (p *Pipeline) RecordingStatus() RecordingStatus {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.status
}

// Stats returns a point-in-time snapshot of pipeline counters.
func (p *Pipeline) Stats() Snapshot {
	return Snapshot{
		FramesReceived:  p.framesReceived.Load(),
		FramesRendered:  p.framesRendered.Load(),
		FramesDropped:   p.framesDropped.Load(),
		PreviewDropped:  p.previewDropped.Load(),
		RenderStarved:   p.renderStarved.Load(),
		AudioReceived:   p.audioReceived.Load(),
		FrameRate:       p.rate.rate(time.Now()),
		RecordingStatus: p.RecordingStatus().String(),
	}
}

// StartRecording begins a new recording session targeting dest. Rejected
// with ErrInvalidState unless the recording status is Idle, and with
// ErrNoVideoFormat before the first video frame has been observed. Track
// declaration failures surface synchronously and leave no side effect.
func (p *Pipeline) StartRecording(dest string) error {
	if dest == "" {
		return fmt.Errorf("capture: empty recording destination")
	}
	if p.stopping.Load() {
		return ErrStopped
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.status != StatusIdle {
		return fmt.Errorf("%w: recording status is %s", ErrInvalidState, p.status)
	}

	// The video track is declared from the rendered-output format when one
	// has been seen, since that is what gets appended; otherwise from the
	// source format.
	videoFormat := p.videoFormat
	if p.haveOutputFormat {
		videoFormat = p.outputFormat
	} else if !p.haveVideoFormat {
		return ErrNoVideoFormat
	}

	tempDir := p.cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	temp := filepath.Join(tempDir, "reel-"+uuid.NewString()+".mp4")

	var rec recordingBackend
	cb := record.Callbacks{
		OnReady:    func() { p.configQueue.Async(func() { p.recorderReady(rec) }) },
		OnFinished: func() { p.configQueue.Async(func() { p.recorderFinished(rec) }) },
		OnFailed:   func(err error) { p.configQueue.Async(func() { p.recorderFailed(rec, err) }) },
	}
	rec = p.newRecorder(temp, p.configQueue, cb, p.log)

	if err := rec.AddVideoTrack(videoFormat, p.cfg.VideoSettings); err != nil {
		return fmt.Errorf("capture: declare video track: %w", err)
	}
	if p.haveAudioFormat {
		if err := rec.AddAudioTrack(p.audioFormat, p.cfg.AudioSettings); err != nil {
			return fmt.Errorf("capture: declare audio track: %w", err)
		}
	}
	if err := rec.Prepare(); err != nil {
		return fmt.Errorf("capture: prepare recorder: %w", err)
	}

	p.status = StatusStartingRecording
	p.recorder = rec
	p.recordTemp = temp
	p.recordDest = dest
	p.pendingStop = false

	p.log.Info("recording starting", "dest", dest, "temp", temp)
	return nil
}

// StopRecording ends the active recording session. A no-op unless the
// status is Recording, except that a stop issued while the session is still
// starting is remembered and applied as soon as the recorder reports ready,
// so a start immediately followed by a stop still yields a finalized file.
func (p *Pipeline) StopRecording() {
	p.stateMu.Lock()
	switch p.status {
	case StatusStartingRecording:
		p.pendingStop = true
		p.stateMu.Unlock()
	case StatusRecording:
		p.status = StatusStoppingRecording
		rec := p.recorder
		p.stateMu.Unlock()
		p.notify(func(d Delegate) { d.RecordingWillStop() })
		p.log.Info("recording stopping")
		rec.Finish()
	default:
		p.stateMu.Unlock()
	}
}

// recorderReady runs on the configuration queue when the recorder signals
// it is prepared. Stale callbacks from a superseded recorder are ignored.
func (p *Pipeline) recorderReady(rec recordingBackend) {
	p.stateMu.Lock()
	if p.recorder != rec || p.status != StatusStartingRecording {
		p.stateMu.Unlock()
		return
	}
	p.status = StatusRecording
	pending := p.pendingStop
	p.pendingStop = false
	p.stateMu.Unlock()

	p.notify(func(d Delegate) { d.RecordingStarted() })
	p.log.Info("recording started")

	if pending {
		p.StopRecording()
	}
}

// recorderFinished runs on the configuration queue when the recorder has
// finalized its file. Performs the durable-storage hand-off, then resolves
// the state machine to Idle.
func (p *Pipeline) recorderFinished(rec recordingBackend) {
	p.stateMu.Lock()
	if p.recorder != rec || p.status != StatusStoppingRecording {
		p.stateMu.Unlock()
		return
	}
	temp, dest := p.recordTemp, p.recordDest
	p.stateMu.Unlock()

	err := exportFile(temp, dest)

	p.stateMu.Lock()
	p.recorder = nil
	p.status = StatusIdle
	p.idleCond.Broadcast()
	p.stateMu.Unlock()

	if err != nil {
		os.Remove(temp)
		p.log.Error("recording export failed", "error", err)
		p.notify(func(d Delegate) { d.RecordingFailed(err) })
		return
	}
	p.log.Info("recording stopped", "dest", dest)
	p.notify(func(d Delegate) { d.RecordingStopped() })
}

// recorderFailed runs on the configuration queue for a failure in any
// recorder stage. The state machine resolves directly to Idle, bypassing
// StoppingRecording: there is nothing useful left to flush.
func (p *Pipeline) recorderFailed(rec recordingBackend, cause error) {
	p.stateMu.Lock()
	if p.recorder != rec || p.status == StatusIdle {
		p.stateMu.Unlock()
		return
	}
	temp := p.recordTemp
	p.recorder = nil
	p.status = StatusIdle
	p.pendingStop = false
	p.idleCond.Broadcast()
	p.stateMu.Unlock()

	os.Remove(temp)
	p.log.Error("recording failed", "error", cause)
	p.notify(func(d Delegate) { d.RecordingFailed(cause) })
}

// videoLoop drains the source's video channel, preserving delivery order.
func (p *Pipeline) videoLoop() {
	defer p.loopWG.Done()
	for f := range p.cfg.Source.Video() {
		p.handleVideoFrame(f)
	}
}

// audioLoop drains the source's audio channel on its own goroutine so audio
// is never starved by heavier video work.
func (p *Pipeline) audioLoop() {
	defer p.loopWG.Done()
	for f := range p.cfg.Source.Audio() {
		p.handleAudioFrame(f)
	}
}

// eventLoop handles out-of-band source events. Fatal errors hand off to the
// shared teardown path on a separate goroutine, since teardown waits for
// this loop to exit.
func (p *Pipeline) eventLoop() {
	defer p.loopWG.Done()
	for ev := range p.cfg.Source.Events() {
		switch ev.Kind {
		case source.EventInterrupted:
			p.log.Warn("source interrupted")
			p.interrupted.Store(true)
		case source.EventInterruptionEnded:
			if p.interrupted.Swap(false) && !p.stopping.Load() {
				p.configQueue.Async(p.resumeSource)
			}
		case source.EventFatal:
			go p.shutdown(ev.Err)
		}
	}
}

// resumeSource restarts delivery after a recoverable interruption, if the
// pipeline still believes it should be running.
func (p *Pipeline) resumeSource() {
	if p.stopping.Load() || !p.started.Load() {
		return
	}
	p.log.Info("source interruption ended, resuming")
	if err := p.cfg.Source.Start(); err != nil {
		go p.shutdown(fmt.Errorf("capture: resume source: %w", err))
	}
}

// handleVideoFrame processes one source video frame on the video delivery
// loop. The first frame after (re)configuration prepares the renderer and
// is deliberately never rendered, keeping pipeline setup off the hot path.
func (p *Pipeline) handleVideoFrame(f *media.Frame) {
	defer f.Release()
	p.framesReceived.Add(1)
	p.rate.record(time.Now())

	format := f.VideoFormat()
	p.stateMu.Lock()
	p.videoFormat = format
	p.haveVideoFormat = true
	p.stateMu.Unlock()

	p.renderMu.Lock()
	if !p.rendererPrepared || p.preparedFormat != format {
		err := p.cfg.Renderer.Prepare(format, p.budget)
		if err == nil {
			p.rendererPrepared = true
			p.preparedFormat = format
		}
		p.renderMu.Unlock()
		if err != nil {
			p.log.Error("renderer prepare failed", "format", format.String(), "error", err)
		}
		p.framesDropped.Add(1)
		return
	}
	enabled := p.renderingEnabled
	var out *media.Frame
	if enabled {
		out = p.cfg.Renderer.Render(f)
	}
	p.renderMu.Unlock()

	if !enabled {
		p.framesDropped.Add(1)
		return
	}
	if out == nil {
		// Pool exhausted: the notification asks the delegate to release
		// what it holds, which is itself the backpressure release.
		p.renderStarved.Add(1)
		p.notify(func(d Delegate) { d.RanOutOfPreviewBuffers() })
		return
	}
	p.framesRendered.Add(1)

	p.stateMu.Lock()
	p.outputFormat = out.VideoFormat()
	p.haveOutputFormat = true
	stale := p.previewFrame
	p.previewFrame = out.Retain()
	recording := p.status == StatusRecording
	rec := p.recorder
	p.stateMu.Unlock()

	if stale != nil {
		// Preview favors freshness over completeness.
		stale.Release()
		p.previewDropped.Add(1)
	}
	p.notify(func(d Delegate) {
		if fr := p.takePreviewFrame(); fr != nil {
			d.PreviewFrameReady(fr)
		}
	})

	if recording {
		rec.AppendVideoFrame(out)
	}
	out.Release()
}

// handleAudioFrame processes one source audio frame on the audio delivery
// loop. The format description is recorded for track initialization whether
// or not a recording is active.
func (p *Pipeline) handleAudioFrame(f *media.Frame) {
	defer f.Release()
	p.audioReceived.Add(1)

	p.stateMu.Lock()
	p.audioFormat = f.AudioFormat()
	p.haveAudioFormat = true
	recording := p.status == StatusRecording
	rec := p.recorder
	p.stateMu.Unlock()

	if recording {
		rec.AppendAudioFrame(f)
	}
}

// takePreviewFrame atomically fetches and clears the preview slot, so a
// notification superseded by a fresher frame delivers nothing rather than a
// duplicate.
func (p *Pipeline) takePreviewFrame() *media.Frame {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	f := p.previewFrame
	p.previewFrame = nil
	return f
}

// notify enqueues one delegate callback on the delegate queue. Silenced
// once Stop has committed to returning.
func (p *Pipeline) notify(fn func(Delegate)) {
	if p.muted.Load() {
		return
	}
	d := p.cfg.Delegate
	p.cfg.DelegateQueue.Async(func() { fn(d) })
}
