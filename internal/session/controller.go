// Package session owns the connection lifecycle: it acquires capture devices,
// opens the remote channel, and fans inbound events out to playback and the
// transcript. Exactly one live session exists at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasreed/signstream/internal/capture"
	"github.com/lucasreed/signstream/internal/dispatch"
	"github.com/lucasreed/signstream/internal/live"
	"github.com/lucasreed/signstream/internal/metrics"
	"github.com/lucasreed/signstream/internal/playback"
	"github.com/lucasreed/signstream/internal/transcript"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Devices acquires the capture hardware. Acquisition order is microphone
// first, then camera; a camera failure must not leave the mic held.
type Devices interface {
	OpenMic() (capture.MicSource, error)
	OpenCamera() (capture.CameraSource, error)
}

// RemoteChannel is the slice of live.Channel the controller drives.
type RemoteChannel interface {
	Events() <-chan live.Event
	SendMedia(mimeType, b64 string) error
	SendText(role, text string) error
	Close() error
}

// Dialer opens a remote channel. Swapped out in tests.
type Dialer func(ctx context.Context, cfg live.Config) (RemoteChannel, error)

// Listener receives controller callbacks. All methods are called from
// controller goroutines; implementations must not call back into the
// controller synchronously.
type Listener interface {
	OnStateChange(from, to State)
	OnTranscript(m transcript.Message)
	OnError(err error)
}

// Config carries the per-session parameters.
type Config struct {
	Live        live.Config
	BlockSize   int           // samples per audio block; 0 uses the capture default
	VideoPeriod time.Duration // frame sampling period; 0 uses the capture default
	StartMuted  bool
}

// Controller is the session state machine. It implements capture.Gate so the
// pipeline reads connection and mute state without a lock.
type Controller struct {
	cfg     Config
	devices Devices
	out     playback.Output
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener  Listener
	trOpts    []transcript.Option
	assembler *transcript.Assembler

	connected atomic.Bool
	muted     atomic.Bool

	trMu      sync.Mutex
	lastMsgID string

	mu         sync.Mutex
	state      State
	channel    RemoteChannel
	pipeline   *capture.Pipeline
	dispatcher *dispatch.Dispatcher
	scheduler  *playback.Scheduler
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithListener installs the callback sink.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// WithDialer replaces the live websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dial = d }
}

// WithTranscriptOptions forwards options to the transcript assembler.
func WithTranscriptOptions(opts ...transcript.Option) Option {
	return func(c *Controller) { c.trOpts = append(c.trOpts, opts...) }
}

// New builds a controller in the Disconnected state. The transcript persists
// across sessions of the same controller.
func New(cfg Config, devices Devices, out playback.Output,
	logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		devices: devices,
		out:     out,
		dial: func(ctx context.Context, lc live.Config) (RemoteChannel, error) {
			return live.Connect(ctx, lc)
		},
		logger:  logger,
		metrics: m,
		state:   StateDisconnected,
	}
	c.muted.Store(cfg.StartMuted)
	for _, opt := range opts {
		opt(c)
	}
	trOpts := append([]transcript.Option{transcript.WithListener(c.onTranscript)}, c.trOpts...)
	c.assembler = transcript.New(trOpts...)
	return c
}

// Start opens a session: Connecting, acquire mic then camera, dial the
// channel, start the pipeline. Valid only from Disconnected or Error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("session already active (state %s)", st)
	}
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(from, StateConnecting)

	mic, err := c.devices.OpenMic()
	if err != nil {
		return c.fail(&DeviceError{Device: "microphone", Err: err})
	}
	camera, err := c.devices.OpenCamera()
	if err != nil {
		_ = mic.Close()
		return c.fail(&DeviceError{Device: "camera", Err: err})
	}

	ch, err := c.dial(ctx, c.cfg.Live)
	if err != nil {
		_ = camera.Close()
		_ = mic.Close()
		return c.fail(&ChannelError{Err: err})
	}

	sched := playback.NewScheduler(c.out, c.logger, c.metrics)
	disp := dispatch.New(ch, c.logger, c.metrics)
	var pipeOpts []capture.Option
	if c.cfg.BlockSize > 0 {
		pipeOpts = append(pipeOpts, capture.WithBlockSize(c.cfg.BlockSize))
	}
	if c.cfg.VideoPeriod > 0 {
		pipeOpts = append(pipeOpts, capture.WithVideoPeriod(c.cfg.VideoPeriod))
	}
	pipe := capture.New(mic, camera, c, disp, disp, c.logger, c.metrics, pipeOpts...)
	if err := pipe.Start(); err != nil {
		_ = ch.Close()
		pipe.Stop()
		disp.Close()
		return c.fail(&DeviceError{Device: "microphone", Err: err})
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Stop raced the connect; unwind everything we just built.
		c.mu.Unlock()
		_ = ch.Close()
		pipe.Stop()
		disp.Close()
		sched.Reset()
		return fmt.Errorf("session stopped during start")
	}
	c.channel = ch
	c.pipeline = pipe
	c.dispatcher = disp
	c.scheduler = sched
	c.state = StateConnected
	c.connected.Store(true)
	c.mu.Unlock()

	c.notifyState(StateConnecting, StateConnected)
	c.metrics.RecordSessionStarted()
	c.logger.Info("session connected",
		slog.String("model", c.cfg.Live.Model))

	go c.pump(ch, sched)
	return nil
}

// Stop tears the session down and returns to Disconnected. Valid from any
// state and safe to repeat.
func (c *Controller) Stop() {
	c.teardown(StateDisconnected, nil)
}

// Probe sends a text turn over the live channel and records it in the
// transcript. Valid only while Connected.
func (c *Controller) Probe(text string) error {
	c.mu.Lock()
	ch := c.channel
	st := c.state
	c.mu.Unlock()
	if st != StateConnected || ch == nil {
		return fmt.Errorf("probe requires a connected session (state %s)", st)
	}
	if err := ch.SendText("user", text); err != nil {
		return fmt.Errorf("probe send: %w", err)
	}
	c.assembler.Append(transcript.RoleUser, text)
	return nil
}

// Mute toggles the outbound audio gate. Capture keeps running either way;
// gated blocks are discarded before dispatch.
func (c *Controller) Mute(on bool) {
	c.muted.Store(on)
	c.logger.Info("mute changed", slog.Bool("muted", on))
}

// Connected reports whether outbound media may flow (capture.Gate).
func (c *Controller) Connected() bool { return c.connected.Load() }

// Muted reports the outbound audio gate (capture.Gate).
func (c *Controller) Muted() bool { return c.muted.Load() }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a snapshot of the merged transcript.
func (c *Controller) Transcript() []transcript.Message {
	return c.assembler.Messages()
}

// pump routes inbound channel events until the event stream closes. Audio
// and transcript fields on the same event are both handled, audio first.
func (c *Controller) pump(ch RemoteChannel, sched *playback.Scheduler) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case live.EventOpened:
			c.logger.Debug("channel acknowledged setup")
		case live.EventMessage:
			m := ev.Message
			if m.Interrupted {
				c.logger.Debug("barge-in: stopping active playback")
				sched.Interrupt()
			}
			if m.AudioB64 != "" {
				_ = sched.Enqueue(m.AudioB64)
			}
			if m.TranscriptDelta != "" {
				c.assembler.Append(transcript.RoleModel, m.TranscriptDelta)
			}
			if m.TurnComplete {
				c.logger.Debug("model turn complete")
			}
		case live.EventClosed:
			c.teardown(StateDisconnected, nil)
			return
		case live.EventError:
			c.teardown(StateError, &ChannelError{Err: ev.Err})
			return
		}
	}
}

// teardown releases every session resource exactly once and lands in the
// given state. The channel is invalidated first so a dispatcher worker
// blocked mid-send fails out with ErrClosed instead of wedging the
// wg.Wait inside disp.Close.
func (c *Controller) teardown(to State, cause error) {
	c.mu.Lock()
	ch, pipe, disp, sched := c.channel, c.pipeline, c.dispatcher, c.scheduler
	c.channel, c.pipeline, c.dispatcher, c.scheduler = nil, nil, nil, nil
	c.connected.Store(false)
	from := c.state
	c.state = to
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if pipe != nil {
		pipe.Stop()
	}
	if disp != nil {
		disp.Close()
	}
	if sched != nil {
		sched.Reset()
	}

	c.notifyState(from, to)
	if cause != nil {
		c.metrics.RecordSessionError()
		c.logger.Error("session failed", slog.String("error", cause.Error()))
		if c.listener != nil {
			c.listener.OnError(cause)
		}
	}
}

// fail lands in StateError after a start-time failure and surfaces the cause.
func (c *Controller) fail(cause error) error {
	c.mu.Lock()
	from := c.state
	c.state = StateError
	c.mu.Unlock()

	c.notifyState(from, StateError)
	c.metrics.RecordSessionError()
	c.logger.Error("session start failed", slog.String("error", cause.Error()))
	if c.listener != nil {
		c.listener.OnError(cause)
	}
	return cause
}

func (c *Controller) notifyState(from, to State) {
	if from == to {
		return
	}
	c.logger.Info("session state",
		slog.String("from", from.String()), slog.String("to", to.String()))
	if c.listener != nil {
		c.listener.OnStateChange(from, to)
	}
}

// onTranscript is the assembler listener: it distinguishes a merge (same
// message grew) from a new line, counts both, and forwards to the listener.
func (c *Controller) onTranscript(m transcript.Message) {
	c.trMu.Lock()
	if m.ID == c.lastMsgID {
		c.metrics.RecordTranscriptMerge()
	} else {
		c.metrics.RecordTranscriptMessage()
		c.lastMsgID = m.ID
	}
	c.trMu.Unlock()
	if c.listener != nil {
		c.listener.OnTranscript(m)
	}
}
