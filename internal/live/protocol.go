package live

// Wire frames for the interpretation channel. The channel speaks JSON over a
// websocket: the client opens with a setup frame, the server acknowledges
// with setupComplete, then media flows client-to-server as realtimeInput and
// synthesized output flows back as serverContent.

// SetupFrame is the first client frame on a fresh connection.
type SetupFrame struct {
	Setup *Setup `json:"setup,omitempty"`
}

// Setup configures the interpretation session.
type Setup struct {
	Model                    string             `json:"model"`
	GenerationConfig         *GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction        *Content           `json:"systemInstruction,omitempty"`
	OutputAudioTranscription *TranscriptionOpts `json:"outputAudioTranscription,omitempty"`
}

// GenerationConfig selects the response modality and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig names the synthesis voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// TranscriptionOpts requests incremental text transcription of output audio.
// It carries no fields; presence alone enables transcription.
type TranscriptionOpts struct{}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is either text or inline binary data, mirroring the server's
// union-of-optional-fields encoding.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob is mime-tagged base64 payload data.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// RealtimeInputFrame carries encoded media chunks upstream.
type RealtimeInputFrame struct {
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
}

type RealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks,omitempty"`
}

// ClientContentFrame injects a text turn into the session. Used by the
// diagnostic probe.
type ClientContentFrame struct {
	ClientContent *ClientContent `json:"clientContent,omitempty"`
}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete,omitempty"`
}

// ServerFrame is the envelope for every server-to-client message. Exactly
// one of the fields is set per frame.
type ServerFrame struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	Error         *ServerError   `json:"error,omitempty"`
}

type SetupComplete struct{}

// ServerContent carries any combination of synthesized audio, a transcript
// delta, and control flags on a single frame.
type ServerContent struct {
	ModelTurn           *Content           `json:"modelTurn,omitempty"`
	OutputTranscription *OutputTranscript  `json:"outputTranscription,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
}

type OutputTranscript struct {
	Text string `json:"text,omitempty"`
}

// ServerError is a protocol-level failure reported by the remote session.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
