package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lucasreed/signstream/internal/media"
)

// Engine is the oto-backed Output. It keeps a sample-accurate timeline: the
// device pulls PCM through Read, gaps between scheduled buffers are
// zero-filled, and the clock is derived from samples served to the device
// rather than wall time, so scheduling accuracy does not depend on
// goroutine timing.
type Engine struct {
	sampleRate int

	mu     sync.Mutex
	served int64 // samples handed to the device so far
	bufs   []*engineBuf

	otoCtx *oto.Context
	player *oto.Player
}

type engineBuf struct {
	start int64 // sample index on the engine timeline
	pcm   []byte
	done  chan struct{}
	once  sync.Once
}

func (b *engineBuf) finish() {
	b.once.Do(func() { close(b.done) })
}

// NewEngine opens the audio device and starts the pull loop.
func NewEngine(sampleRate int) (*Engine, error) {
	if sampleRate <= 0 {
		sampleRate = media.OutputSampleRate
	}
	e := &Engine{sampleRate: sampleRate}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	<-ready

	e.otoCtx = otoCtx
	e.player = otoCtx.NewPlayer(e)
	e.player.Play()
	return e, nil
}

// Now reports the device clock in seconds.
func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.served) / float64(e.sampleRate)
}

// Play schedules pcm to begin at clock time at. Buffers scheduled in the
// past are trimmed so the remainder still lands at the right position.
func (e *Engine) Play(pcm []byte, at float64) (Handle, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty buffer")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := int64(at * float64(e.sampleRate))
	if start < e.served {
		skip := (e.served - start) * 2
		if skip >= int64(len(pcm)) {
			// Entirely in the past; complete immediately.
			b := &engineBuf{done: make(chan struct{})}
			b.finish()
			return &engineHandle{e: e, b: b}, nil
		}
		pcm = pcm[skip:]
		start = e.served
	}

	b := &engineBuf{start: start, pcm: pcm, done: make(chan struct{})}
	e.bufs = append(e.bufs, b)
	return &engineHandle{e: e, b: b}, nil
}

// Read implements io.Reader for the oto player. It serves scheduled buffers
// at their timeline positions and silence everywhere else.
func (e *Engine) Read(p []byte) (int, error) {
	n := len(p) / 2 // samples requested
	if n == 0 {
		return 0, nil
	}
	for i := range p[:n*2] {
		p[i] = 0
	}

	e.mu.Lock()
	windowStart := e.served
	windowEnd := e.served + int64(n)

	kept := e.bufs[:0]
	var finished []*engineBuf
	for _, b := range e.bufs {
		bufEnd := b.start + int64(len(b.pcm))/2
		if bufEnd <= windowStart {
			finished = append(finished, b)
			continue
		}
		if b.start < windowEnd {
			from := windowStart
			if b.start > from {
				from = b.start
			}
			to := windowEnd
			if bufEnd < to {
				to = bufEnd
			}
			copy(p[(from-windowStart)*2:(to-windowStart)*2], b.pcm[(from-b.start)*2:(to-b.start)*2])
		}
		if bufEnd <= windowEnd {
			finished = append(finished, b)
			continue
		}
		kept = append(kept, b)
	}
	e.bufs = kept
	e.served = windowEnd
	e.mu.Unlock()

	for _, b := range finished {
		b.finish()
	}
	return n * 2, nil
}

// Close stops the player and releases the device.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.player != nil {
		_ = e.player.Close()
	}
	e.mu.Lock()
	bufs := e.bufs
	e.bufs = nil
	e.mu.Unlock()
	for _, b := range bufs {
		b.finish()
	}
	return nil
}

type engineHandle struct {
	e *Engine
	b *engineBuf
}

func (h *engineHandle) Stop() {
	h.e.mu.Lock()
	kept := h.e.bufs[:0]
	for _, b := range h.e.bufs {
		if b != h.b {
			kept = append(kept, b)
		}
	}
	h.e.bufs = kept
	h.e.mu.Unlock()

	h.b.finish()
}

func (h *engineHandle) Done() <-chan struct{} {
	return h.b.done
}
