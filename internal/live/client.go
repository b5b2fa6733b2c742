// Package live implements the client side of the remote interpretation
// channel: websocket dial, setup handshake, ordered frame writes, and a
// receive loop that surfaces decoded events on a channel.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by sends attempted after the channel was torn down.
// Callers treat it as a signal to drop the payload, not as a failure.
var ErrClosed = errors.New("live: channel closed")

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config describes the session to open.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://; http(s) is rewritten).
	URL string
	// APIKey authenticates the connection; passed as a query parameter.
	APIKey string
	// Model names the remote interpretation model.
	Model string
	// SystemInstruction is the behavioral instruction for the session.
	SystemInstruction string
	// Voice is the synthesis voice identifier.
	Voice string
}

// Channel is an open interpretation session. One Channel maps to one
// websocket connection; it is not reusable after Close.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials the endpoint, performs the setup handshake, and starts the
// receive loop. The returned channel has already emitted EventOpened.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	wsURL, err := endpointURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial channel: %w", err)
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}

	if err := ch.handshake(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	ch.events <- Event{Kind: EventOpened}
	go ch.readLoop()
	return ch, nil
}

func (c *Channel) handshake(cfg Config) error {
	setup := SetupFrame{Setup: &Setup{
		Model: cfg.Model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		OutputAudioTranscription: &TranscriptionOpts{},
	}}
	if strings.TrimSpace(cfg.Voice) != "" {
		setup.Setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.Setup.SystemInstruction = &Content{
			Parts: []Part{{Text: cfg.SystemInstruction}},
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := c.conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var frame ServerFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read setup ack: %w", err)
	}
	if frame.Error != nil {
		return fmt.Errorf("channel error: %s (%s)", frame.Error.Message, frame.Error.Code)
	}
	if frame.SetupComplete == nil {
		return fmt.Errorf("expected setupComplete, got %s", frameLabel(frame))
	}

	_ = c.conn.SetReadDeadline(time.Time{})
	_ = c.conn.SetWriteDeadline(time.Time{})
	return nil
}

// Events returns the event stream. The channel is closed after EventClosed
// or EventError is delivered.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SendMedia transmits one mime-tagged base64 chunk. Returns ErrClosed after
// teardown.
func (c *Channel) SendMedia(mimeType, b64 string) error {
	return c.writeJSON(RealtimeInputFrame{RealtimeInput: &RealtimeInput{
		MediaChunks: []Blob{{MimeType: mimeType, Data: b64}},
	}})
}

// SendText injects a role-tagged text turn. Used by the diagnostic probe.
func (c *Channel) SendText(role, text string) error {
	return c.writeJSON(ClientContentFrame{ClientContent: &ClientContent{
		Turns:        []Content{{Role: role, Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

func (c *Channel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Re-checked under the mutex: a Close that won the race must yield
	// ErrClosed, never a raw write error.
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		select {
		case <-c.closed:
			// The write lost against teardown; the conn error is expected.
			return ErrClosed
		default:
		}
		return fmt.Errorf("channel write: %w", err)
	}
	return nil
}

// Close tears the channel down. Idempotent; pending sends fail with
// ErrClosed afterwards.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl is safe concurrently with other writes, so Close
		// never waits behind a writer stalled on a dead peer; closing the
		// conn then fails that writer out.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.events)
	for {
		var frame ServerFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
				// Local teardown; the read error is expected.
				c.events <- Event{Kind: EventClosed}
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.events <- Event{Kind: EventClosed}
				} else {
					c.events <- Event{Kind: EventError, Err: err}
				}
			}
			return
		}

		if frame.Error != nil {
			c.events <- Event{Kind: EventError,
				Err: fmt.Errorf("channel error: %s (%s)", frame.Error.Message, frame.Error.Code)}
			return
		}
		if frame.ServerContent == nil {
			// Unknown frame kinds are ignored, matching forward-compatible
			// server behavior.
			continue
		}

		for _, ev := range decodeServerContent(frame.ServerContent) {
			c.events <- Event{Kind: EventMessage, Message: ev}
		}
	}
}

// decodeServerContent flattens one serverContent frame into ordered events.
// The transcript delta and control flags ride on the first event; additional
// audio parts on the same frame become audio-only follow-ups so chunk order
// is preserved.
func decodeServerContent(sc *ServerContent) []ServerEvent {
	first := ServerEvent{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.OutputTranscription != nil {
		first.TranscriptDelta = sc.OutputTranscription.Text
	}

	var extra []ServerEvent
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MimeType, "audio/pcm") {
				continue
			}
			if first.AudioB64 == "" {
				first.AudioB64 = part.InlineData.Data
			} else {
				extra = append(extra, ServerEvent{AudioB64: part.InlineData.Data})
			}
		}
	}

	if first.Empty() && len(extra) == 0 {
		return nil
	}
	return append([]ServerEvent{first}, extra...)
}

func endpointURL(raw, apiKey string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty channel url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid channel url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(apiKey) != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func frameLabel(f ServerFrame) string {
	switch {
	case f.SetupComplete != nil:
		return "setupComplete"
	case f.ServerContent != nil:
		return "serverContent"
	case f.Error != nil:
		return "error"
	default:
		return "unknown frame"
	}
}
