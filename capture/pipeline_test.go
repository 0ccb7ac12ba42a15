package capture

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/dispatch"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/record"
	"github.com/zsiec/reel/render"
	"github.com/zsiec/reel/source"
)

const waitFor = 5 * time.Second

var pipeFormat = media.VideoFormat{Width: 16, Height: 16, Pixel: media.PixelFormatBGRA}

func pipeVideoFrame(seq uint64) *media.Frame {
	data := make([]byte, pipeFormat.FrameBytes())
	for i := 0; i < len(data); i += 4 {
		data[i+3] = 0xff
	}
	return media.NewVideoFrame(data, time.Duration(seq)*33*time.Millisecond, seq, pipeFormat)
}

func pipeAudioFrame(seq uint64) *media.Frame {
	format := media.AudioFormat{SampleRate: 48000, Channels: 2, Sample: media.SampleFormatS16}
	return media.NewAudioFrame(make([]byte, 480*format.BytesPerFrame()),
		time.Duration(seq)*10*time.Millisecond, seq, format)
}

// fakeSource hands the pipeline frames pushed by the test. Stop closes all
// three channels, matching the Source contract.
type fakeSource struct {
	video  chan *media.Frame
	audio  chan *media.Frame
	events chan source.Event

	mu      sync.Mutex
	starts  int
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		video:  make(chan *media.Frame, 64),
		audio:  make(chan *media.Frame, 64),
		events: make(chan source.Event, 8),
	}
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return source.ErrSourceStopped
	}
	s.starts++
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.video)
	close(s.audio)
	close(s.events)
}

func (s *fakeSource) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSource) Video() <-chan *media.Frame  { return s.video }
func (s *fakeSource) Audio() <-chan *media.Frame  { return s.audio }
func (s *fakeSource) Events() <-chan source.Event { return s.events }

// collectDelegate records the order of delegate callbacks. With hold set it
// retains delivered preview frames instead of releasing them, simulating a
// consumer that sits on buffers.
type collectDelegate struct {
	mu      sync.Mutex
	names   []string
	held    []*media.Frame
	hold    bool
	lastErr error
}

func (d *collectDelegate) add(name string) {
	d.mu.Lock()
	d.names = append(d.names, name)
	d.mu.Unlock()
}

func (d *collectDelegate) PreviewFrameReady(f *media.Frame) {
	d.mu.Lock()
	if d.hold {
		d.held = append(d.held, f)
	} else {
		f.Release()
	}
	d.names = append(d.names, "preview")
	d.mu.Unlock()
}

func (d *collectDelegate) RanOutOfPreviewBuffers() { d.add("starved") }
func (d *collectDelegate) RecordingStarted()       { d.add("started") }
func (d *collectDelegate) RecordingWillStop()      { d.add("will-stop") }
func (d *collectDelegate) RecordingStopped()       { d.add("stopped") }

func (d *collectDelegate) RecordingFailed(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.names = append(d.names, "failed")
	d.mu.Unlock()
}

func (d *collectDelegate) PipelineStoppedWithError(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.names = append(d.names, "pipeline-error")
	d.mu.Unlock()
}

func (d *collectDelegate) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.names {
		if v == name {
			n++
		}
	}
	return n
}

// lifecycle returns the callback order with preview deliveries filtered out.
func (d *collectDelegate) lifecycle() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, v := range d.names {
		if v != "preview" {
			out = append(out, v)
		}
	}
	return out
}

func (d *collectDelegate) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.names)
}

func (d *collectDelegate) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *collectDelegate) releaseOne() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.held) == 0 {
		return
	}
	d.held[0].Release()
	d.held = d.held[1:]
}

func (d *collectDelegate) releaseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.held {
		f.Release()
	}
	d.held = nil
}

// fakeRecorder implements recordingBackend with test-triggered results. Its
// Prepare writes a stub container file so the export rename has something to
// move.
type fakeRecorder struct {
	path string
	cb   record.Callbacks

	mu         sync.Mutex
	hasVideo   bool
	hasAudio   bool
	video      int
	audio      int
	finishes   int
	autoFinish bool
}

func (r *fakeRecorder) AddVideoTrack(format media.VideoFormat, _ record.VideoSettings) error {
	if !format.Valid() {
		return record.ErrInvalidFormat
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasVideo {
		return record.ErrTrackExists
	}
	r.hasVideo = true
	return nil
}

func (r *fakeRecorder) AddAudioTrack(format media.AudioFormat, _ record.AudioSettings) error {
	if !format.Valid() {
		return record.ErrInvalidFormat
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasAudio {
		return record.ErrTrackExists
	}
	r.hasAudio = true
	return nil
}

func (r *fakeRecorder) Prepare() error {
	return os.WriteFile(r.path, []byte("stub container"), 0o644)
}

func (r *fakeRecorder) AppendVideoFrame(*media.Frame) {
	r.mu.Lock()
	r.video++
	r.mu.Unlock()
}

func (r *fakeRecorder) AppendAudioFrame(*media.Frame) {
	r.mu.Lock()
	r.audio++
	r.mu.Unlock()
}

func (r *fakeRecorder) Finish() {
	r.mu.Lock()
	r.finishes++
	auto := r.autoFinish
	r.mu.Unlock()
	if auto && r.cb.OnFinished != nil {
		r.cb.OnFinished()
	}
}

func (r *fakeRecorder) ready()         { r.cb.OnReady() }
func (r *fakeRecorder) fail(err error) { r.cb.OnFailed(err) }

func (r *fakeRecorder) appended() (video, audio int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.video, r.audio
}

// harness assembles a pipeline with fakes and a real renderer.
type harness struct {
	pipe *Pipeline
	src  *fakeSource
	del  *collectDelegate
	dq   *dispatch.Queue

	mu  sync.Mutex
	rec *fakeRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		src: newFakeSource(),
		del: &collectDelegate{},
		dq:  dispatch.New("delegate"),
	}
	t.Cleanup(h.dq.Close)
	t.Cleanup(h.del.releaseAll)

	cfg := Config{
		Source:        h.src,
		Renderer:      render.NewRosy(),
		Delegate:      h.del,
		DelegateQueue: h.dq,
		TempDir:       t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pipe, err := New(cfg)
	require.NoError(t, err)
	pipe.newRecorder = func(path string, _ *dispatch.Queue, cb record.Callbacks, _ *slog.Logger) recordingBackend {
		fr := &fakeRecorder{path: path, cb: cb, autoFinish: true}
		h.mu.Lock()
		h.rec = fr
		h.mu.Unlock()
		return fr
	}
	h.pipe = pipe
	return h
}

func (h *harness) recorder() *fakeRecorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

// feedFrames pushes n video frames and waits until the pipeline has consumed
// them.
func (h *harness) feedFrames(t *testing.T, n int) {
	t.Helper()
	base := h.pipe.framesReceived.Load()
	seq := uint64(base)
	for i := 0; i < n; i++ {
		h.src.video <- pipeVideoFrame(seq)
		seq++
	}
	require.Eventually(t, func() bool {
		return h.pipe.framesReceived.Load() >= base+int64(n)
	}, waitFor, time.Millisecond)
}

// awaitPreview blocks until the delegate has received exactly want preview
// frames, the externally observable end of the delivery path.
func (h *harness) awaitPreview(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.del.count("preview") == want
	}, waitFor, time.Millisecond)
}

func (h *harness) awaitStatus(t *testing.T, want RecordingStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.pipe.RecordingStatus() == want
	}, waitFor, time.Millisecond)
}

func TestPipelineConfigValidation(t *testing.T) {
	t.Parallel()

	dq := dispatch.New("delegate")
	defer dq.Close()
	del := &collectDelegate{}
	src := newFakeSource()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no source", Config{Renderer: render.NewRosy(), Delegate: del, DelegateQueue: dq}},
		{"no renderer", Config{Source: src, Delegate: del, DelegateQueue: dq}},
		{"no delegate", Config{Source: src, Renderer: render.NewRosy(), DelegateQueue: dq}},
		{"no delegate queue", Config{Source: src, Renderer: render.NewRosy(), Delegate: del}},
		{"negative budget", Config{Source: src, Renderer: render.NewRosy(), Delegate: del, DelegateQueue: dq, RetainedBufferBudget: -1}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Fatalf("%s: expected a config error", tc.name)
		}
	}
}

func TestPipelineStartStopLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	require.ErrorIs(t, h.pipe.Start(), ErrAlreadyStarted)

	h.feedFrames(t, 3)
	// The first frame only prepares the renderer and is never rendered.
	h.awaitPreview(t, 2)

	stats := h.pipe.Stats()
	require.EqualValues(t, 3, stats.FramesReceived)
	require.EqualValues(t, 2, stats.FramesRendered)
	require.EqualValues(t, 1, stats.FramesDropped)

	h.pipe.Stop()
	require.ErrorIs(t, h.pipe.Start(), ErrStopped)
}

func TestPipelineStopSilencesDelegate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 5)

	h.pipe.Stop()
	seen := h.del.total()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, seen, h.del.total(), "delegate callback delivered after Stop returned")
}

func TestRecordingStateMachine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())

	// No video format observed yet.
	dest := filepath.Join(t.TempDir(), "clips", "take1.mp4")
	require.ErrorIs(t, h.pipe.StartRecording(dest), ErrNoVideoFormat)

	h.feedFrames(t, 2)
	require.NoError(t, h.pipe.StartRecording(dest))
	require.Equal(t, StatusStartingRecording, h.pipe.RecordingStatus())

	// Frames arriving before the recorder is ready are not appended.
	h.feedFrames(t, 2)
	rec := h.recorder()
	v, _ := rec.appended()
	require.Zero(t, v)

	rec.ready()
	h.awaitStatus(t, StatusRecording)

	h.feedFrames(t, 3)
	h.src.audio <- pipeAudioFrame(0)
	require.Eventually(t, func() bool {
		v, a := rec.appended()
		return v == 3 && a == 1
	}, waitFor, time.Millisecond)

	h.pipe.StopRecording()
	require.Eventually(t, func() bool {
		return h.del.count("stopped") == 1
	}, waitFor, time.Millisecond)
	require.Equal(t, StatusIdle, h.pipe.RecordingStatus())
	require.Equal(t, []string{"started", "will-stop", "stopped"}, h.del.lifecycle())

	// The export moved the file out of the staging directory.
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("destination file missing: %v", err)
	}
	if _, err := os.Stat(rec.path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staging file still present: %v", err)
	}

	h.pipe.Stop()
}

func TestStartRecordingRejectedWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 2)

	dest := filepath.Join(t.TempDir(), "a.mp4")
	require.NoError(t, h.pipe.StartRecording(dest))
	require.ErrorIs(t, h.pipe.StartRecording(filepath.Join(t.TempDir(), "b.mp4")), ErrInvalidState)

	h.recorder().ready()
	h.awaitStatus(t, StatusRecording)
	require.ErrorIs(t, h.pipe.StartRecording(filepath.Join(t.TempDir(), "c.mp4")), ErrInvalidState)

	h.pipe.Stop()
}

func TestStopBeforeRecorderReadyStillFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 2)

	dest := filepath.Join(t.TempDir(), "short.mp4")
	require.NoError(t, h.pipe.StartRecording(dest))

	// Stop before the recorder reports ready: remembered, applied on ready.
	h.pipe.StopRecording()
	require.Equal(t, StatusStartingRecording, h.pipe.RecordingStatus())

	h.recorder().ready()
	require.Eventually(t, func() bool {
		return h.del.count("stopped") == 1
	}, waitFor, time.Millisecond)

	require.Equal(t, []string{"started", "will-stop", "stopped"}, h.del.lifecycle())
	require.Equal(t, StatusIdle, h.pipe.RecordingStatus())
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("destination file missing: %v", err)
	}

	h.pipe.Stop()
}

func TestRecorderFailureResolvesToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 2)

	require.NoError(t, h.pipe.StartRecording(filepath.Join(t.TempDir(), "fail.mp4")))
	rec := h.recorder()
	rec.ready()
	h.awaitStatus(t, StatusRecording)

	cause := errors.New("disk full")
	rec.fail(cause)
	require.Eventually(t, func() bool {
		return h.del.count("failed") == 1
	}, waitFor, time.Millisecond)
	require.Equal(t, StatusIdle, h.pipe.RecordingStatus())
	require.ErrorIs(t, h.del.err(), cause)

	// The partial staging file was unlinked.
	if _, err := os.Stat(rec.path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staging file still present: %v", err)
	}

	// A fresh session is possible after the failure.
	require.NoError(t, h.pipe.StartRecording(filepath.Join(t.TempDir(), "retry.mp4")))
	h.recorder().ready()
	h.awaitStatus(t, StatusRecording)

	h.pipe.Stop()
}

func TestRetainedBufferBackpressure(t *testing.T) {
	t.Parallel()

	const budget = 6
	h := newHarness(t, func(cfg *Config) { cfg.RetainedBufferBudget = budget })
	h.del.hold = true

	require.NoError(t, h.pipe.Start())

	// Frame 1 prepares the renderer; each following frame leaves one
	// rendered buffer in the delegate's hands.
	h.feedFrames(t, 1)
	for i := 1; i <= budget; i++ {
		h.feedFrames(t, 1)
		h.awaitPreview(t, i)
	}
	require.Zero(t, h.del.count("starved"))

	// Budget exhausted: the next frame cannot obtain a buffer.
	h.feedFrames(t, 1)
	require.Eventually(t, func() bool {
		return h.del.count("starved") == 1
	}, waitFor, time.Millisecond)
	require.EqualValues(t, 1, h.pipe.renderStarved.Load())

	// Releasing one held buffer restores forward progress.
	h.del.releaseOne()
	h.feedFrames(t, 1)
	h.awaitPreview(t, budget+1)
	require.Equal(t, 1, h.del.count("starved"))

	h.pipe.Stop()
}

func TestSetRenderingEnabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())

	h.feedFrames(t, 2) // prepare + one rendered
	h.awaitPreview(t, 1)

	h.pipe.SetRenderingEnabled(false)
	require.False(t, h.pipe.RenderingEnabled())
	h.feedFrames(t, 3)
	require.Eventually(t, func() bool {
		return h.pipe.framesDropped.Load() == 4 // 1 prepare + 3 disabled
	}, waitFor, time.Millisecond)
	require.EqualValues(t, 1, h.pipe.framesRendered.Load())

	h.pipe.SetRenderingEnabled(true)
	h.feedFrames(t, 1)
	h.awaitPreview(t, 2)

	h.pipe.Stop()
}

func TestFatalSourceErrorTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 2)

	cause := errors.New("capture device lost")
	h.src.events <- source.Event{Kind: source.EventFatal, Err: cause}

	require.Eventually(t, func() bool {
		return h.del.count("pipeline-error") == 1
	}, waitFor, time.Millisecond)
	require.ErrorIs(t, h.del.err(), cause)

	// Stop after a fatal teardown is safe and idempotent.
	h.pipe.Stop()
	require.ErrorIs(t, h.pipe.Start(), ErrStopped)
}

func TestInterruptionResumesSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	require.Equal(t, 1, h.src.startCount())

	h.src.events <- source.Event{Kind: source.EventInterrupted}
	h.src.events <- source.Event{Kind: source.EventInterruptionEnded}

	require.Eventually(t, func() bool {
		return h.src.startCount() == 2
	}, waitFor, time.Millisecond)

	h.feedFrames(t, 2)
	h.pipe.Stop()
}

func TestStopWhileRecordingFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipe.Start())
	h.feedFrames(t, 2)

	dest := filepath.Join(t.TempDir(), "interrupted.mp4")
	require.NoError(t, h.pipe.StartRecording(dest))
	h.recorder().ready()
	h.awaitStatus(t, StatusRecording)

	// Stop with the recording still active: teardown resolves the session
	// before returning.
	h.pipe.Stop()
	require.Equal(t, StatusIdle, h.pipe.RecordingStatus())
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("destination file missing after Stop: %v", err)
	}
}
