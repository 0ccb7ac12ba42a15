package record

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/reel/media"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// videoTimeScale is the fMP4 video track timescale in units per second.
	// 90kHz divides evenly by every common frame rate.
	videoTimeScale = 90000

	// partDuration is how much media accumulates per track before a
	// moof/mdat pair is flushed to disk.
	partDuration = time.Second
)

// muxer incrementally writes an fMP4 container: one init segment followed by
// a sequence of parts. Video samples are JPEG-encoded and muxed as M-JPEG;
// audio samples are raw LPCM. All methods run on the recorder's write queue,
// so no locking is needed here.
type muxer struct {
	w     *os.File
	video *videoTrackDecl
	audio *audioTrackDecl

	seq        uint32
	videoState trackState
	audioState trackState

	// pendingVideo holds the last video sample so its duration can be
	// computed from the PTS delta to its successor. Audio needs no pending
	// slot: an LPCM payload's duration is its sample count.
	pendingVideo *pendingSample

	rgba *image.RGBA
	jbuf bytes.Buffer
}

// trackState accumulates samples for the part currently being built.
type trackState struct {
	timescale uint32
	queued    []*fmp4.Sample
	baseTime  time.Duration // PTS of the first queued sample
	endTime   time.Duration // PTS end of the last queued sample
}

type pendingSample struct {
	pts     time.Duration
	payload []byte
}

func newMuxer(w *os.File, video *videoTrackDecl, audio *audioTrackDecl) *muxer {
	m := &muxer{w: w, video: video, audio: audio}
	if video != nil {
		m.videoState.timescale = videoTimeScale
		m.rgba = image.NewRGBA(image.Rect(0, 0, video.format.Width, video.format.Height))
	}
	if audio != nil {
		m.audioState.timescale = uint32(audio.format.SampleRate)
	}
	return m
}

// writeInit marshals the init segment (ftyp + moov) for the declared tracks.
func (m *muxer) writeInit() error {
	var init fmp4.Init
	if m.video != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec: &mp4.CodecMJPEG{
				Width:  m.video.format.Width,
				Height: m.video.format.Height,
			},
		})
	}
	if m.audio != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(m.audio.format.SampleRate),
			Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     m.audio.format.Sample.BytesPerSample() * 8,
				SampleRate:   m.audio.format.SampleRate,
				ChannelCount: m.audio.format.Channels,
			},
		})
	}
	return init.Marshal(m.w)
}

// writeVideo JPEG-encodes the frame and queues it. The previous frame's
// duration becomes the PTS delta to this one.
func (m *muxer) writeVideo(f *media.Frame) error {
	payload, err := m.encodeJPEG(f)
	if err != nil {
		return err
	}
	if p := m.pendingVideo; p != nil {
		dur := scaleDuration(f.PTS-p.pts, videoTimeScale)
		m.queueSample(&m.videoState, p.pts, f.PTS, p.payload, dur)
	}
	m.pendingVideo = &pendingSample{pts: f.PTS, payload: payload}
	return m.maybeFlush()
}

// writeAudio queues a raw LPCM payload. Duration is the payload's sample
// count, already in track-timescale units.
func (m *muxer) writeAudio(f *media.Frame) error {
	payload := make([]byte, len(f.Data))
	copy(payload, f.Data)
	samples := len(payload) / m.audio.format.BytesPerFrame()
	end := f.PTS + time.Duration(samples)*time.Second/time.Duration(m.audio.format.SampleRate)
	m.queueSample(&m.audioState, f.PTS, end, payload, uint32(samples))
	return m.maybeFlush()
}

func (m *muxer) queueSample(t *trackState, pts, end time.Duration, payload []byte, dur uint32) {
	if len(t.queued) == 0 {
		t.baseTime = pts
	}
	t.queued = append(t.queued, &fmp4.Sample{
		Duration: dur,
		Payload:  payload,
	})
	t.endTime = end
}

// maybeFlush writes a part once either track has accumulated a full part's
// worth of media.
func (m *muxer) maybeFlush() error {
	if m.spanned(&m.videoState) >= partDuration || m.spanned(&m.audioState) >= partDuration {
		return m.flushPart()
	}
	return nil
}

func (m *muxer) spanned(t *trackState) time.Duration {
	if len(t.queued) == 0 {
		return 0
	}
	return t.endTime - t.baseTime
}

// flushPart marshals one moof/mdat pair containing everything queued on both
// tracks.
func (m *muxer) flushPart() error {
	part := fmp4.Part{SequenceNumber: m.seq}
	if len(m.videoState.queued) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       videoTrackID,
			BaseTime: baseTime(m.videoState.baseTime, videoTimeScale),
			Samples:  m.videoState.queued,
		})
	}
	if len(m.audioState.queued) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       audioTrackID,
			BaseTime: baseTime(m.audioState.baseTime, m.audioState.timescale),
			Samples:  m.audioState.queued,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}
	m.seq++
	m.videoState.queued = nil
	m.audioState.queued = nil
	return part.Marshal(m.w)
}

// finalize queues the held-back final video sample with its nominal duration
// and flushes the remaining part. fMP4 needs no trailer beyond that.
func (m *muxer) finalize() error {
	if p := m.pendingVideo; p != nil {
		dur := scaleDuration(m.video.settings.FrameDuration, videoTimeScale)
		end := p.pts + m.video.settings.FrameDuration
		m.queueSample(&m.videoState, p.pts, end, p.payload, dur)
		m.pendingVideo = nil
	}
	return m.flushPart()
}

// encodeJPEG converts the frame's pixels to RGBA and JPEG-encodes them into
// a fresh payload slice.
func (m *muxer) encodeJPEG(f *media.Frame) ([]byte, error) {
	format := f.VideoFormat()
	if format.FrameBytes() != len(f.Data) {
		return nil, fmt.Errorf("record: frame size %d does not match format %s", len(f.Data), format)
	}
	switch format.Pixel {
	case media.PixelFormatRGBA:
		copy(m.rgba.Pix, f.Data)
	case media.PixelFormatBGRA:
		for i := 0; i+3 < len(f.Data); i += 4 {
			m.rgba.Pix[i] = f.Data[i+2]
			m.rgba.Pix[i+1] = f.Data[i+1]
			m.rgba.Pix[i+2] = f.Data[i]
			m.rgba.Pix[i+3] = f.Data[i+3]
		}
	default:
		return nil, fmt.Errorf("record: unsupported pixel format %s", format.Pixel)
	}

	m.jbuf.Reset()
	if err := jpeg.Encode(&m.jbuf, m.rgba, &jpeg.Options{Quality: m.video.settings.JPEGQuality}); err != nil {
		return nil, err
	}
	payload := make([]byte, m.jbuf.Len())
	copy(payload, m.jbuf.Bytes())
	return payload, nil
}

// scaleDuration converts a sample duration to track-timescale units.
func scaleDuration(d time.Duration, timescale uint32) uint32 {
	return uint32(d.Nanoseconds() * int64(timescale) / int64(time.Second))
}

// baseTime converts an absolute PTS to track-timescale units without the
// uint32 wrap that sample durations can tolerate.
func baseTime(d time.Duration, timescale uint32) uint64 {
	return uint64(d.Nanoseconds() * int64(timescale) / int64(time.Second))
}
