// Package transcript merges streaming text fragments into display messages.
//
// Remote transcription arrives as small deltas, often a word or two at a
// time. The assembler concatenates consecutive same-role fragments that
// arrive within a merge window into one message, so the display shows
// human-legible lines instead of one entry per fragment.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// DefaultMergeWindow is how long the most recent message stays open for
// in-place concatenation of same-role fragments.
const DefaultMergeWindow = 2000 * time.Millisecond

// Message is one transcript line. Text is append-only for the most recent
// model message while its merge window is open; Timestamp is the arrival
// time of the first fragment and never changes on merge.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
}

// Assembler accumulates messages in arrival order.
type Assembler struct {
	mu          sync.Mutex
	messages    []Message
	mergeWindow time.Duration
	now         func() time.Time
	onChange    func(Message)
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMergeWindow overrides the merge window.
func WithMergeWindow(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.mergeWindow = d
		}
	}
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithListener registers a callback invoked, outside the assembler lock,
// with the message that was appended or extended.
func WithListener(fn func(Message)) Option {
	return func(a *Assembler) { a.onChange = fn }
}

// New returns an empty assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		mergeWindow: DefaultMergeWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append records a text fragment. If the most recent message has the same
// role and its timestamp is within the merge window of now, the fragment is
// concatenated onto it and the timestamp is left untouched; otherwise a new
// message is started.
func (a *Assembler) Append(role Role, text string) Message {
	if text == "" {
		a.mu.Lock()
		var last Message
		if n := len(a.messages); n > 0 {
			last = a.messages[n-1]
		}
		a.mu.Unlock()
		return last
	}

	a.mu.Lock()
	now := a.now()
	var out Message
	if n := len(a.messages); n > 0 {
		last := &a.messages[n-1]
		if last.Role == role && now.Sub(last.Timestamp) <= a.mergeWindow {
			last.Text += text
			out = *last
			a.mu.Unlock()
			a.notify(out)
			return out
		}
	}
	out = Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	}
	a.messages = append(a.messages, out)
	a.mu.Unlock()
	a.notify(out)
	return out
}

// Messages returns a snapshot of the transcript in insertion order.
func (a *Assembler) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Len reports the number of messages.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

func (a *Assembler) notify(m Message) {
	if a.onChange != nil {
		a.onChange(m)
	}
}
