package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoMic captures microphone audio through miniaudio. The device is
// acquired in New so acquisition failures surface before the session
// reaches the Connected state.
type MalgoMic struct {
	ctx        *malgo.AllocatedContext
	sampleRate int

	mu        sync.Mutex
	device    *malgo.Device
	onSamples func([]float32)
}

// NewMalgoMic initializes the audio backend. The capture device itself is
// opened in Start once the pipeline has a consumer.
func NewMalgoMic(sampleRate int) (*MalgoMic, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire microphone backend: %w", err)
	}
	return &MalgoMic{ctx: ctx, sampleRate: sampleRate}, nil
}

// Start opens the capture device and begins delivering float32 samples.
func (m *MalgoMic) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("microphone already started")
	}
	m.onSamples = onSamples

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onSamples(decodeF32LE(input))
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return nil
}

// Close stops the device and releases the backend. Idempotent.
func (m *MalgoMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}

func decodeF32LE(p []byte) []float32 {
	n := len(p) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return out
}
