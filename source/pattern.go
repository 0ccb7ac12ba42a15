package source

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/media"
)

// PatternConfig configures a synthetic pattern source.
type PatternConfig struct {
	Width      int // default 320
	Height     int // default 240
	FPS        int // default 30
	SampleRate int // default 48000
	Channels   int // default 2
	ToneHz     int // default 440
}

func (c *PatternConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 320
	}
	if c.Height <= 0 {
		c.Height = 240
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.ToneHz <= 0 {
		c.ToneHz = 440
	}
}

// PatternSource generates BGRA video frames with an animated gradient and a
// matching sine-tone audio track. It satisfies the Source contract and is
// used by the demo binary and tests in place of capture hardware.
type PatternSource struct {
	log *slog.Logger
	cfg PatternConfig

	videoFormat media.VideoFormat
	audioFormat media.AudioFormat

	video  chan *media.Frame
	audio  chan *media.Frame
	events chan Event

	mu      sync.Mutex
	running bool
	stopped bool
	pause   chan struct{} // closed to stop the current generator run
	genDone chan struct{} // closed when the current generator exits

	videoSeq uint64
	audioSeq uint64
	elapsed  time.Duration // media time generated so far, survives restarts

	droppedVideo atomic.Int64
	droppedAudio atomic.Int64
}

// NewPattern creates a pattern source. Zero config fields take defaults.
func NewPattern(cfg PatternConfig) *PatternSource {
	cfg.applyDefaults()
	return &PatternSource{
		log: slog.With("component", "pattern-source"),
		cfg: cfg,
		videoFormat: media.VideoFormat{
			Width:  cfg.Width,
			Height: cfg.Height,
			Pixel:  media.PixelFormatBGRA,
		},
		audioFormat: media.AudioFormat{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Sample:     media.SampleFormatS16,
		},
		video:  make(chan *media.Frame, media.VideoBufferSize),
		audio:  make(chan *media.Frame, media.AudioBufferSize),
		events: make(chan Event, 4),
	}
}

// VideoFormat returns the format of generated video frames.
func (s *PatternSource) VideoFormat() media.VideoFormat { return s.videoFormat }

// AudioFormat returns the format of generated audio frames.
func (s *PatternSource) AudioFormat() media.AudioFormat { return s.audioFormat }

// Video implements Source.
func (s *PatternSource) Video() <-chan *media.Frame { return s.video }

// Audio implements Source.
func (s *PatternSource) Audio() <-chan *media.Frame { return s.audio }

// Events implements Source.
func (s *PatternSource) Events() <-chan Event { return s.events }

// Dropped returns the number of video and audio frames discarded because the
// consumer's channel was full.
func (s *PatternSource) Dropped() (video, audio int64) {
	return s.droppedVideo.Load(), s.droppedAudio.Load()
}

// Start begins (or resumes) frame generation. Idempotent while running.
func (s *PatternSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSourceStopped
	}
	if s.running {
		return nil
	}
	s.running = true
	s.pause = make(chan struct{})
	s.genDone = make(chan struct{})
	go s.generate(s.pause, s.genDone)
	return nil
}

// Interrupt simulates a transient capture-resource loss: generation pauses
// and an EventInterrupted is emitted, followed by EventInterruptionEnded
// after the given delay. Used by tests and the demo binary.
func (s *PatternSource) Interrupt(resumeAfter time.Duration) {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.pause)
	done := s.genDone
	s.mu.Unlock()

	<-done
	s.events <- Event{Kind: EventInterrupted}
	time.AfterFunc(resumeAfter, func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.events <- Event{Kind: EventInterruptionEnded}
		}
	})
}

// Fail emits a fatal event and halts generation permanently.
func (s *PatternSource) Fail(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.running = false
		close(s.pause)
		done := s.genDone
		s.mu.Unlock()
		<-done
	} else {
		s.mu.Unlock()
	}
	s.events <- Event{Kind: EventFatal, Err: err}
}

// Stop implements Source: ends delivery permanently and closes all channels.
func (s *PatternSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var done chan struct{}
	if s.running {
		s.running = false
		close(s.pause)
		done = s.genDone
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	close(s.video)
	close(s.audio)
	close(s.events)
}

// generate runs until the pause channel closes, emitting one video frame per
// tick and enough audio to keep the audio clock level with the video clock.
func (s *PatternSource) generate(pause, done chan struct{}) {
	defer close(done)

	frameDur := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	audioGenerated := s.elapsed

	for {
		select {
		case <-pause:
			return
		case <-ticker.C:
		}

		pts := s.elapsed
		s.deliverVideo(s.videoFrame(pts))
		s.elapsed += frameDur

		// Keep audio caught up with video in one packet per tick.
		if s.elapsed > audioGenerated {
			packet := s.audioFrame(audioGenerated, s.elapsed-audioGenerated)
			s.deliverAudio(packet)
			audioGenerated = s.elapsed
		}
	}
}

func (s *PatternSource) deliverVideo(f *media.Frame) {
	select {
	case s.video <- f:
	default:
		f.Release()
		s.droppedVideo.Add(1)
	}
}

func (s *PatternSource) deliverAudio(f *media.Frame) {
	select {
	case s.audio <- f:
	default:
		f.Release()
		s.droppedAudio.Add(1)
	}
}

// videoFrame renders one frame of the animated gradient pattern.
func (s *PatternSource) videoFrame(pts time.Duration) *media.Frame {
	w, h := s.cfg.Width, s.cfg.Height
	data := make([]byte, s.videoFormat.FrameBytes())
	phase := uint8(pts / (10 * time.Millisecond))
	for y := 0; y < h; y++ {
		row := y * w * 4
		g := uint8(y * 255 / h)
		for x := 0; x < w; x++ {
			i := row + x*4
			data[i] = uint8(x*255/w) + phase // B
			data[i+1] = g                    // G
			data[i+2] = phase                // R
			data[i+3] = 0xff                 // A
		}
	}
	seq := s.videoSeq
	s.videoSeq++
	return media.NewVideoFrame(data, pts, seq, s.videoFormat)
}

// audioFrame synthesizes dur worth of the configured sine tone.
func (s *PatternSource) audioFrame(pts, dur time.Duration) *media.Frame {
	rate := s.cfg.SampleRate
	n := int(dur * time.Duration(rate) / time.Second)
	if n < 1 {
		n = 1
	}
	data := make([]byte, n*s.audioFormat.BytesPerFrame())
	start := int64(pts * time.Duration(rate) / time.Second)
	step := 2 * math.Pi * float64(s.cfg.ToneHz) / float64(rate)
	for i := 0; i < n; i++ {
		v := int16(math.Sin(float64(start+int64(i))*step) * 12000)
		for c := 0; c < s.cfg.Channels; c++ {
			off := (i*s.cfg.Channels + c) * 2
			data[off] = byte(v)
			data[off+1] = byte(v >> 8)
		}
	}
	seq := s.audioSeq
	s.audioSeq++
	return media.NewAudioFrame(data, pts, seq, s.audioFormat)
}
