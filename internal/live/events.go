package live

// EventKind discriminates channel lifecycle events.
type EventKind int

const (
	// EventOpened fires once after the server acknowledges setup.
	EventOpened EventKind = iota
	// EventMessage carries a ServerEvent payload.
	EventMessage
	// EventClosed fires when the channel closes cleanly (remote or local).
	EventClosed
	// EventError fires on a transport or protocol failure; the channel is
	// unusable afterwards.
	EventError
)

// Event is the explicit tagged union consumed by the session controller.
type Event struct {
	Kind    EventKind
	Message ServerEvent
	Err     error
}

// ServerEvent is one decoded serverContent frame. A single event may carry
// both an audio payload and a transcript delta; consumers route each field
// independently.
type ServerEvent struct {
	// TranscriptDelta is an incremental fragment of the output transcript,
	// empty when the frame carried none.
	TranscriptDelta string
	// AudioB64 is base64 PCM16 little-endian mono at 24 kHz, empty when the
	// frame carried no audio. Decoding is deferred to the playback path so a
	// corrupt payload cannot take down the receive loop.
	AudioB64 string
	// Interrupted signals server-initiated barge-in: all queued playback
	// must stop immediately.
	Interrupted bool
	// TurnComplete marks the end of a model turn.
	TurnComplete bool
}

// Empty reports whether the event carries nothing actionable.
func (e ServerEvent) Empty() bool {
	return e.TranscriptDelta == "" && e.AudioB64 == "" && !e.Interrupted && !e.TurnComplete
}
