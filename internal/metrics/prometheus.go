// Package metrics exposes Prometheus instrumentation for the media
// pipeline. All Record helpers are nil-receiver safe so packages can run
// without metrics wired (tests do this).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the client pipeline.
type Metrics struct {
	// Outbound path
	AudioChunksSent    prometheus.Counter
	VideoChunksSent    prometheus.Counter
	BlocksDroppedMuted prometheus.Counter
	SendsDroppedClosed prometheus.Counter
	QueueFullDrops     *prometheus.CounterVec
	MicPeak            prometheus.Gauge

	// Inbound path
	DecodeErrors   prometheus.Counter
	UnitsScheduled prometheus.Counter
	ScheduledAudio prometheus.Histogram
	ScheduleResets prometheus.Counter
	Interruptions  prometheus.Counter

	// Transcript
	TranscriptMessages prometheus.Counter
	TranscriptMerges   prometheus.Counter

	// Session lifecycle
	SessionsStarted prometheus.Counter
	SessionErrors   prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		AudioChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_audio_chunks_sent_total",
			Help: "Outbound audio chunks handed to the channel",
		}),
		VideoChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_video_chunks_sent_total",
			Help: "Outbound video frames handed to the channel",
		}),
		BlocksDroppedMuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_audio_blocks_dropped_muted_total",
			Help: "Captured audio blocks discarded by the mute gate",
		}),
		SendsDroppedClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_sends_dropped_closed_total",
			Help: "Pending sends dropped because the session was torn down",
		}),
		QueueFullDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signstream_queue_full_drops_total",
			Help: "Chunks dropped because a send queue was full",
		}, []string{"stream"}),
		MicPeak: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signstream_mic_peak_abs",
			Help: "Peak absolute PCM16 amplitude of the latest mic block",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_decode_errors_total",
			Help: "Inbound audio chunks dropped as undecodable",
		}),
		UnitsScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_playback_units_scheduled_total",
			Help: "Decoded units placed on the playback clock",
		}),
		ScheduledAudio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "signstream_playback_unit_duration_seconds",
			Help:    "Duration of scheduled playback units",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}),
		ScheduleResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_playback_schedule_resets_total",
			Help: "Times the playback clock snapped back to now",
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_interruptions_total",
			Help: "Server-initiated barge-in events",
		}),
		TranscriptMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_transcript_messages_total",
			Help: "Transcript messages started",
		}),
		TranscriptMerges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_transcript_merges_total",
			Help: "Transcript fragments merged into an open message",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_sessions_started_total",
			Help: "Sessions that reached the Connected state",
		}),
		SessionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signstream_session_errors_total",
			Help: "Sessions terminated by a device or channel error",
		}),
	}
}

// RecordAudioChunkSent increments the outbound audio counter.
func (m *Metrics) RecordAudioChunkSent() {
	if m == nil {
		return
	}
	m.AudioChunksSent.Inc()
}

// RecordVideoChunkSent increments the outbound video counter.
func (m *Metrics) RecordVideoChunkSent() {
	if m == nil {
		return
	}
	m.VideoChunksSent.Inc()
}

// RecordBlockDroppedMuted counts an audio block discarded by the mute gate.
func (m *Metrics) RecordBlockDroppedMuted() {
	if m == nil {
		return
	}
	m.BlocksDroppedMuted.Inc()
}

// RecordSendDroppedClosed counts a send dropped after teardown.
func (m *Metrics) RecordSendDroppedClosed() {
	if m == nil {
		return
	}
	m.SendsDroppedClosed.Inc()
}

// RecordQueueFullDrop counts a chunk dropped on a saturated queue.
func (m *Metrics) RecordQueueFullDrop(stream string) {
	if m == nil {
		return
	}
	m.QueueFullDrops.WithLabelValues(stream).Inc()
}

// SetMicPeak records the latest mic block peak amplitude.
func (m *Metrics) SetMicPeak(peak int) {
	if m == nil {
		return
	}
	m.MicPeak.Set(float64(peak))
}

// RecordDecodeError counts an undecodable inbound chunk.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordUnitScheduled counts a unit placed on the playback clock.
func (m *Metrics) RecordUnitScheduled(d time.Duration) {
	if m == nil {
		return
	}
	m.UnitsScheduled.Inc()
	m.ScheduledAudio.Observe(d.Seconds())
}

// RecordScheduleReset counts a playback clock snap-to-now.
func (m *Metrics) RecordScheduleReset() {
	if m == nil {
		return
	}
	m.ScheduleResets.Inc()
}

// RecordInterruption counts a barge-in event.
func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// RecordTranscriptMessage counts a new transcript line.
func (m *Metrics) RecordTranscriptMessage() {
	if m == nil {
		return
	}
	m.TranscriptMessages.Inc()
}

// RecordTranscriptMerge counts an in-place transcript concatenation.
func (m *Metrics) RecordTranscriptMerge() {
	if m == nil {
		return
	}
	m.TranscriptMerges.Inc()
}

// RecordSessionStarted counts a session reaching Connected.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionError counts a terminal session failure.
func (m *Metrics) RecordSessionError() {
	if m == nil {
		return
	}
	m.SessionErrors.Inc()
}
