// Package media defines the wire-ready media chunk model and the PCM16
// conversion and timing math shared by the capture and playback paths.
package media

import (
	"encoding/binary"
	"math"
	"time"
)

// Mime labels accepted by the remote channel.
const (
	MimeAudioPCM16k = "audio/pcm;rate=16000"
	MimeAudioPCM24k = "audio/pcm;rate=24000"
	MimeImageJPEG   = "image/jpeg"
)

const (
	// InputSampleRate is the capture-side PCM rate in Hz.
	InputSampleRate = 16000
	// OutputSampleRate is the playback-side PCM rate in Hz.
	OutputSampleRate = 24000

	bytesPerSample = 2
)

// AudioChunk is a block of 16-bit mono PCM produced by the capture pipeline.
// Chunks are immutable once created; ownership passes to the dispatcher.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Timestamp  time.Time
}

// VideoChunk is a single encoded camera frame.
type VideoChunk struct {
	Bytes     []byte
	MimeType  string
	Timestamp time.Time
}

// Duration reports the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// PCM16FromFloat32 converts floating-point samples in [-1, 1] to 16-bit
// signed integers. Out-of-range values saturate rather than wrap.
func PCM16FromFloat32(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// PCM16Bytes packs samples as little-endian PCM16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16Samples unpacks little-endian PCM16 bytes.
func PCM16Samples(p []byte) []int16 {
	n := len(p) / bytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

// PCMDuration reports how long byteLen bytes of mono PCM16 last at the given
// sample rate.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := byteLen / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// PCM16Stats reports the peak absolute amplitude and RMS of a PCM16LE
// buffer. Used for mic health diagnostics.
func PCM16Stats(samples []int16) (peakAbs int, rms float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sumSquares float64
	for _, v := range samples {
		abs := int(v)
		if abs < 0 {
			abs = -abs
		}
		if abs > peakAbs {
			peakAbs = abs
		}
		f := float64(v) / 32768.0
		sumSquares += f * f
	}
	return peakAbs, math.Sqrt(sumSquares / float64(len(samples)))
}
