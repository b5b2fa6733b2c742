// Package capture samples the microphone and camera and turns them into
// wire-ready chunks. The audio path delivers fixed-size PCM blocks gated by
// the session and mute state; the video path samples the newest camera frame
// on a fixed-rate timer. Both devices stay running while muted so unmuting
// never pays a re-acquisition cost.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lucasreed/signstream/internal/media"
	"github.com/lucasreed/signstream/internal/metrics"
)

const (
	// BlockSize is the number of samples per outbound audio chunk.
	BlockSize = 4096
	// VideoPeriod is the camera sampling interval (5 Hz).
	VideoPeriod = 200 * time.Millisecond
)

// MicSource yields a continuous float32 sample stream.
type MicSource interface {
	// Start begins capture; onSamples is called from the device callback
	// with raw float32 samples in [-1, 1] and must not block.
	Start(onSamples func([]float32)) error
	Close() error
}

// CameraSource yields the most recent camera frame.
type CameraSource interface {
	// Frame returns the latest complete encoded frame, or nil when the
	// source has not decoded one yet.
	Frame() []byte
	Close() error
}

// Gate reports whether chunks may flow. Implemented by the session
// controller; capture only ever reads it.
type Gate interface {
	Connected() bool
	Muted() bool
}

// AudioSink receives finished audio blocks.
type AudioSink interface {
	EnqueueAudio(media.AudioChunk)
}

// VideoSink receives sampled frames.
type VideoSink interface {
	EnqueueVideo(media.VideoChunk)
}

// Pipeline drives both capture paths.
type Pipeline struct {
	mic    MicSource
	camera CameraSource
	gate   Gate
	audio  AudioSink
	video  VideoSink

	logger  *slog.Logger
	metrics *metrics.Metrics

	blockSize   int
	videoPeriod time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending []float32

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	zeroBlocks   int
	warnedSilent bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBlockSize overrides the audio block size.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithVideoPeriod overrides the camera sampling interval.
func WithVideoPeriod(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.videoPeriod = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New assembles a pipeline over already-acquired sources.
func New(mic MicSource, camera CameraSource, gate Gate, audio AudioSink, video VideoSink,
	logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		mic:         mic,
		camera:      camera,
		gate:        gate,
		audio:       audio,
		video:       video,
		logger:      logger,
		metrics:     m,
		blockSize:   BlockSize,
		videoPeriod: VideoPeriod,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins audio capture and the video timer.
func (p *Pipeline) Start() error {
	if err := p.mic.Start(p.onSamples); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.videoLoop()
	return nil
}

// Stop cancels the video timer and releases both devices. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	_ = p.mic.Close()
	_ = p.camera.Close()
}

// onSamples accumulates device callback data into fixed-size blocks. Runs on
// the capture callback; it only appends, slices, and hands off.
func (p *Pipeline) onSamples(samples []float32) {
	p.mu.Lock()
	p.pending = append(p.pending, samples...)
	var blocks [][]float32
	for len(p.pending) >= p.blockSize {
		block := make([]float32, p.blockSize)
		copy(block, p.pending[:p.blockSize])
		p.pending = p.pending[p.blockSize:]
		blocks = append(blocks, block)
	}
	p.mu.Unlock()

	for _, block := range blocks {
		p.emitBlock(block)
	}
}

func (p *Pipeline) emitBlock(block []float32) {
	pcm := media.PCM16FromFloat32(block)

	peak, _ := media.PCM16Stats(pcm)
	p.metrics.SetMicPeak(peak)
	p.warnIfSilent(peak)

	// Audio flows only while connected and unmuted; the block was already
	// captured, so a gated block is simply discarded.
	if !p.gate.Connected() {
		return
	}
	if p.gate.Muted() {
		p.metrics.RecordBlockDroppedMuted()
		return
	}

	p.audio.EnqueueAudio(media.AudioChunk{
		Samples:    pcm,
		SampleRate: media.InputSampleRate,
		Timestamp:  p.now(),
	})
}

func (p *Pipeline) videoLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.videoPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sampleFrame()
		}
	}
}

// sampleFrame grabs the newest camera frame. Video runs irrespective of the
// mute gate; a not-yet-ready source is a skipped tick, not an error.
func (p *Pipeline) sampleFrame() {
	if !p.gate.Connected() {
		return
	}
	frame := p.camera.Frame()
	if frame == nil {
		return
	}
	p.video.EnqueueVideo(media.VideoChunk{
		Bytes:     frame,
		MimeType:  media.MimeImageJPEG,
		Timestamp: p.now(),
	})
}

// warnIfSilent flags a persistently all-zero mic once per pipeline. Usually
// the wrong device index or a missing OS permission.
func (p *Pipeline) warnIfSilent(peak int) {
	p.mu.Lock()
	if peak > 0 {
		p.zeroBlocks = 0
		p.mu.Unlock()
		return
	}
	p.zeroBlocks++
	warn := !p.warnedSilent && p.zeroBlocks >= 4 // roughly a second of zeros
	if warn {
		p.warnedSilent = true
	}
	p.mu.Unlock()
	if warn {
		p.logger.Warn("mic audio is all zeros; check input device selection and microphone permissions")
	}
}
