package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucasreed/signstream/internal/capture"
	"github.com/lucasreed/signstream/internal/live"
	"github.com/lucasreed/signstream/internal/playback"
	"github.com/lucasreed/signstream/internal/transcript"
)

type stubMic struct {
	mu     sync.Mutex
	closed bool
}

func (m *stubMic) Start(func([]float32)) error { return nil }

func (m *stubMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *stubMic) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type stubCam struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubCam) Frame() []byte { return nil }

func (c *stubCam) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type stubDevices struct {
	mic    *stubMic
	cam    *stubCam
	micErr error
	camErr error
}

func (d *stubDevices) OpenMic() (capture.MicSource, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	return d.mic, nil
}

func (d *stubDevices) OpenCamera() (capture.CameraSource, error) {
	if d.camErr != nil {
		return nil, d.camErr
	}
	return d.cam, nil
}

type stubHandle struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func (h *stubHandle) Stop() {
	h.once.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *stubHandle) Done() <-chan struct{} { return h.done }

func (h *stubHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type stubOutput struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (o *stubOutput) Now() float64 { return 0 }

func (o *stubOutput) Play(pcm []byte, at float64) (playback.Handle, error) {
	h := &stubHandle{done: make(chan struct{})}
	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
	return h, nil
}

func (o *stubOutput) playing() []*stubHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*stubHandle(nil), o.handles...)
}

type stubChannel struct {
	mu        sync.Mutex
	events    chan live.Event
	texts     []string
	media     []string
	closeOnce sync.Once
}

func newStubChannel() *stubChannel {
	return &stubChannel{events: make(chan live.Event, 16)}
}

func (c *stubChannel) Events() <-chan live.Event { return c.events }

func (c *stubChannel) SendMedia(mimeType, b64 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, mimeType)
	return nil
}

func (c *stubChannel) SendText(role, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, role+": "+text)
	return nil
}

func (c *stubChannel) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *stubChannel) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type recListener struct {
	mu     sync.Mutex
	states []string
	msgs   []transcript.Message
	errs   []error
}

func (l *recListener) OnStateChange(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, fmt.Sprintf("%s->%s", from, to))
}

func (l *recListener) OnTranscript(m transcript.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *recListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recListener) stateLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

func (l *recListener) transcriptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *recListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioPayload(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *stubChannel, *stubDevices, *stubOutput, *recListener) {
	t.Helper()
	ch := newStubChannel()
	dev := &stubDevices{mic: &stubMic{}, cam: &stubCam{}}
	out := &stubOutput{}
	lis := &recListener{}
	base := []Option{
		WithListener(lis),
		WithDialer(func(context.Context, live.Config) (RemoteChannel, error) {
			return ch, nil
		}),
	}
	c := New(Config{}, dev, out, nil, nil, append(base, opts...)...)
	return c, ch, dev, out, lis
}

func TestStart_TransitionsToConnected(t *testing.T) {
	c, _, _, _, lis := newTestController(t)
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %v", c.State())
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if c.State() != StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	if !c.Connected() {
		t.Fatal("gate not open after connect")
	}
	want := []string{"disconnected->connecting", "connecting->connected"}
	got := lis.stateLog()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestStart_RejectedWhileActive(t *testing.T) {
	c, _, _, _, _ := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
}

func TestStart_CameraFailureReleasesMic(t *testing.T) {
	c, _, dev, _, lis := newTestController(t)
	dev.camErr = errors.New("no camera")

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded without camera")
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Device != "camera" {
		t.Fatalf("err = %v, want camera DeviceError", err)
	}
	if !dev.mic.isClosed() {
		t.Fatal("mic held after camera failure")
	}
	if c.State() != StateError {
		t.Fatalf("state = %v, want error", c.State())
	}
	if lis.errorCount() != 1 {
		t.Fatalf("errors surfaced = %d, want 1", lis.errorCount())
	}

	// Error is a valid restart point.
	dev.camErr = nil
	dev.mic = &stubMic{}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart from error: %v", err)
	}
	c.Stop()
}

func TestStart_DialFailureReleasesDevices(t *testing.T) {
	dev := &stubDevices{mic: &stubMic{}, cam: &stubCam{}}
	lis := &recListener{}
	c := New(Config{}, dev, &stubOutput{}, nil, nil,
		WithListener(lis),
		WithDialer(func(context.Context, live.Config) (RemoteChannel, error) {
			return nil, errors.New("refused")
		}))

	err := c.Start(context.Background())
	var chErr *ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("err = %v, want ChannelError", err)
	}
	if !dev.mic.isClosed() {
		t.Fatal("mic held after dial failure")
	}
	dev.cam.mu.Lock()
	camClosed := dev.cam.closed
	dev.cam.mu.Unlock()
	if !camClosed {
		t.Fatal("camera held after dial failure")
	}
}

func TestTranscript_DeltasMergeIntoOneLine(t *testing.T) {
	c, ch, _, _, lis := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{TranscriptDelta: "Hello"}}
	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{TranscriptDelta: " there"}}

	waitFor(t, "two transcript callbacks", func() bool {
		return lis.transcriptCount() == 2
	})

	msgs := c.Transcript()
	if len(msgs) != 1 {
		t.Fatalf("transcript lines = %d, want 1", len(msgs))
	}
	if msgs[0].Text != "Hello there" || msgs[0].Role != transcript.RoleModel {
		t.Fatalf("line = %+v", msgs[0])
	}
}

func TestInterrupted_StopsAllActivePlayback(t *testing.T) {
	c, ch, _, out, _ := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{AudioB64: audioPayload(2400)}}
	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{AudioB64: audioPayload(2400)}}
	waitFor(t, "two scheduled units", func() bool {
		return len(out.playing()) == 2
	})

	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{Interrupted: true}}
	waitFor(t, "all handles stopped", func() bool {
		for _, h := range out.playing() {
			if !h.isStopped() {
				return false
			}
		}
		return true
	})
}

func TestAudioAndTranscriptOnOneEvent(t *testing.T) {
	c, ch, _, out, lis := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ch.events <- live.Event{Kind: live.EventMessage,
		Message: live.ServerEvent{AudioB64: audioPayload(2400), TranscriptDelta: "Hi"}}

	waitFor(t, "audio scheduled and transcript recorded", func() bool {
		return len(out.playing()) == 1 && lis.transcriptCount() == 1
	})
}

func TestRemoteClose_ReturnsToDisconnected(t *testing.T) {
	c, ch, dev, _, _ := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.events <- live.Event{Kind: live.EventClosed}
	waitFor(t, "disconnected state", func() bool {
		return c.State() == StateDisconnected
	})
	if !dev.mic.isClosed() {
		t.Fatal("mic held after remote close")
	}
	if c.Connected() {
		t.Fatal("gate open after remote close")
	}
}

func TestRemoteError_SurfacesAndLandsInError(t *testing.T) {
	c, ch, _, _, lis := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.events <- live.Event{Kind: live.EventError, Err: errors.New("quota exceeded")}
	waitFor(t, "error state", func() bool {
		return c.State() == StateError
	})
	if lis.errorCount() != 1 {
		t.Fatalf("errors surfaced = %d, want 1", lis.errorCount())
	}
}

func TestStop_IsIdempotentAndReleasesEverything(t *testing.T) {
	c, _, dev, _, _ := newTestController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()
	c.Stop()

	if c.State() != StateDisconnected {
		t.Fatalf("state = %v", c.State())
	}
	if !dev.mic.isClosed() {
		t.Fatal("mic held after stop")
	}

	// Stop with nothing running is a no-op.
	fresh, _, _, _, _ := newTestController(t)
	fresh.Stop()
	if fresh.State() != StateDisconnected {
		t.Fatalf("state = %v", fresh.State())
	}
}

func TestProbe_RequiresConnected(t *testing.T) {
	c, ch, _, _, _ := newTestController(t)
	if err := c.Probe("ping"); err == nil {
		t.Fatal("probe succeeded while disconnected")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.Probe("ping"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	texts := ch.sentTexts()
	if len(texts) != 1 || texts[0] != "user: ping" {
		t.Fatalf("sent = %v", texts)
	}
	msgs := c.Transcript()
	if len(msgs) != 1 || msgs[0].Role != transcript.RoleUser || msgs[0].Text != "ping" {
		t.Fatalf("transcript = %+v", msgs)
	}
}

// feedMic hands the capture callback back to the test so it can push blocks.
type feedMic struct {
	mu      sync.Mutex
	onBlock func([]float32)
}

func (m *feedMic) Start(fn func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBlock = fn
	return nil
}

func (m *feedMic) Close() error { return nil }

func (m *feedMic) feed(samples []float32) {
	m.mu.Lock()
	fn := m.onBlock
	m.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type feedDevices struct {
	mic *feedMic
}

func (d *feedDevices) OpenMic() (capture.MicSource, error) { return d.mic, nil }

func (d *feedDevices) OpenCamera() (capture.CameraSource, error) { return &stubCam{}, nil }

// stallChannel models a send blocked on a dead peer: SendMedia parks until
// Close fails it out, the way a deadline-less conn write would.
type stallChannel struct {
	events    chan live.Event
	sending   chan struct{}
	release   chan struct{}
	sendOnce  sync.Once
	closeOnce sync.Once
}

func newStallChannel() *stallChannel {
	return &stallChannel{
		events:  make(chan live.Event, 16),
		sending: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *stallChannel) Events() <-chan live.Event { return c.events }

func (c *stallChannel) SendMedia(string, string) error {
	c.sendOnce.Do(func() { close(c.sending) })
	<-c.release
	return live.ErrClosed
}

func (c *stallChannel) SendText(string, string) error { return nil }

func (c *stallChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.release)
		close(c.events)
	})
	return nil
}

func TestStop_UnblocksWorkerStalledMidSend(t *testing.T) {
	ch := newStallChannel()
	mic := &feedMic{}
	c := New(Config{BlockSize: 4}, &feedDevices{mic: mic}, &stubOutput{}, nil, nil,
		WithDialer(func(context.Context, live.Config) (RemoteChannel, error) {
			return ch, nil
		}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One block puts the audio worker inside SendMedia, where it parks.
	mic.feed(make([]float32, 4))
	select {
	case <-ch.sending:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the send")
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a stalled send")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestMute_TogglesGateOnly(t *testing.T) {
	c, _, _, _, _ := newTestController(t)
	if c.Muted() {
		t.Fatal("muted by default")
	}
	c.Mute(true)
	if !c.Muted() {
		t.Fatal("mute did not latch")
	}
	c.Mute(false)
	if c.Muted() {
		t.Fatal("unmute did not latch")
	}

	muted := New(Config{StartMuted: true}, &stubDevices{mic: &stubMic{}, cam: &stubCam{}},
		&stubOutput{}, nil, nil)
	if !muted.Muted() {
		t.Fatal("StartMuted ignored")
	}
}
