// Package playback decodes inbound audio and schedules it for gapless
// playback against the output device's own clock. The scheduler owns the
// playback clock state: the next start time and the set of in-flight units.
// Server-initiated barge-in stops everything at once and rewinds the clock.
package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasreed/signstream/internal/media"
	"github.com/lucasreed/signstream/internal/metrics"
)

// MaxLookahead bounds how far ahead of the device clock the schedule may
// drift before it is snapped back to now.
const MaxLookahead = 0.5 // seconds

// Output is the audio device collaborator: a monotonic clock plus the
// ability to start a decoded buffer at a future clock time and stop it
// early.
type Output interface {
	// Now reports seconds on the device's monotonic clock.
	Now() float64
	// Play schedules pcm (16-bit LE mono) to begin at clock time at.
	Play(pcm []byte, at float64) (Handle, error)
}

// Handle controls one scheduled buffer.
type Handle interface {
	// Stop cancels any unplayed remainder.
	Stop()
	// Done is closed when playback completes or the buffer is stopped.
	Done() <-chan struct{}
}

// Unit is one decoded inbound audio chunk.
type Unit struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// DecodeUnit turns a base64 PCM16LE payload at 24 kHz into a playable unit.
// Malformed payloads are reported as errors and never panic.
func DecodeUnit(b64 string) (Unit, error) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Unit{}, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(pcm) == 0 {
		return Unit{}, fmt.Errorf("decode audio payload: empty chunk")
	}
	if len(pcm)%2 != 0 {
		return Unit{}, fmt.Errorf("decode audio payload: odd byte count %d", len(pcm))
	}
	return Unit{
		PCM:        pcm,
		SampleRate: media.OutputSampleRate,
		Duration:   media.PCMDuration(len(pcm), media.OutputSampleRate),
	}, nil
}

// Scheduler maintains the playback clock over an Output device. All clock
// mutations happen under one mutex so scheduled intervals never overlap.
type Scheduler struct {
	out     Output
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	next   float64
	active map[uint64]Handle
	seq    uint64
}

// NewScheduler wires a scheduler to an output device. logger and m may be
// nil.
func NewScheduler(out Output, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		out:     out,
		logger:  logger,
		metrics: m,
		active:  make(map[uint64]Handle),
	}
}

// Enqueue decodes one inbound chunk and schedules it. A decode failure drops
// only the offending chunk: it is logged and counted, and scheduling
// continues for later chunks.
func (s *Scheduler) Enqueue(b64 string) error {
	unit, err := DecodeUnit(b64)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", "error", err)
		s.metrics.RecordDecodeError()
		return err
	}
	s.Schedule(unit)
	return nil
}

// Schedule places a decoded unit on the playback clock: behind-schedule
// (underrun) or too-far-ahead clocks snap to now, then the unit starts at
// nextStartTime and the clock advances by its duration.
func (s *Scheduler) Schedule(unit Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	if s.next < now || s.next > now+MaxLookahead {
		s.next = now
		s.metrics.RecordScheduleReset()
	}

	h, err := s.out.Play(unit.PCM, s.next)
	if err != nil {
		s.logger.Warn("output rejected scheduled unit", "error", err)
		return
	}

	s.seq++
	id := s.seq
	s.active[id] = h
	s.next += unit.Duration.Seconds()
	s.metrics.RecordUnitScheduled(unit.Duration)

	go func() {
		<-h.Done()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()
}

// Interrupt implements barge-in: every in-flight unit is stopped, the active
// set is cleared, and the clock rewinds to zero so the next unit starts
// immediately via the underrun branch.
func (s *Scheduler) Interrupt() {
	s.stopAll()
	s.metrics.RecordInterruption()
}

// Reset tears playback down; identical to Interrupt without being counted as
// a barge-in.
func (s *Scheduler) Reset() {
	s.stopAll()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	stopped := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		stopped = append(stopped, h)
	}
	s.active = make(map[uint64]Handle)
	s.next = 0
	s.mu.Unlock()

	// Stop outside the lock; handle Done callbacks take the lock again.
	for _, h := range stopped {
		h.Stop()
	}
}

// ActiveCount reports how many units are currently in flight.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStartTime exposes the clock position for diagnostics.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
