package domain

import "time"

// SessionState models the recording lifecycle owned by the session controller.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStatePreparing SessionState = "preparing"
	SessionStateRecording SessionState = "recording"
	SessionStateStopping  SessionState = "stopping"
	SessionStateError     SessionState = "error"
)

// Active reports whether the state holds capture or transcription resources.
func (s SessionState) Active() bool {
	return s == SessionStatePreparing || s == SessionStateRecording || s == SessionStateStopping
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonReady               SessionStateReason = "ready"
	SessionReasonPreparing           SessionStateReason = "preparing"
	SessionReasonRecordingStarted    SessionStateReason = "recording_started"
	SessionReasonStopping            SessionStateReason = "stopping"
	SessionReasonStopped             SessionStateReason = "stopped"
	SessionReasonCancelled           SessionStateReason = "cancelled"
	SessionReasonStreamEnded         SessionStateReason = "stream_ended"
	SessionReasonMissingCredentials  SessionStateReason = "missing_credentials"
	SessionReasonInvalidSettings     SessionStateReason = "invalid_settings"
	SessionReasonAudioUnavailable    SessionStateReason = "audio_unavailable"
	SessionReasonTranscriptionFailed SessionStateReason = "transcription_failed"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeConfiguration ErrorCode = "configuration"
	ErrorCodeMicrophone    ErrorCode = "microphone"
	ErrorCodeSystemAudio   ErrorCode = "system_audio"
	ErrorCodeAudioStream   ErrorCode = "audio_stream"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeRules         ErrorCode = "rules"
	ErrorCodeClipboard     ErrorCode = "clipboard"
	ErrorCodeChat          ErrorCode = "chat"
)

// InputMode selects which capture sources a session opens.
type InputMode string

const (
	InputModeMicOnly    InputMode = "mic-only"
	InputModeSystemOnly InputMode = "system-only"
	InputModeBoth       InputMode = "both"
)

// Valid reports whether m is a known input mode.
func (m InputMode) Valid() bool {
	switch m {
	case InputModeMicOnly, InputModeSystemOnly, InputModeBoth:
		return true
	default:
		return false
	}
}

// SourceKind identifies the capture source type.
type SourceKind string

const (
	SourceMicrophone SourceKind = "microphone"
	SourceSystem     SourceKind = "system"
	SourceFile       SourceKind = "file"
)

// Canonical audio format sent to every transcription backend.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalEncoding   = "pcm"
)

// Device describes one capture device reported by an audio source.
type Device struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Kind              SourceKind `json:"kind"`
	Channels          int        `json:"channels"`
	DefaultSampleRate float64    `json:"defaultSampleRate"`
	IsDefault         bool       `json:"isDefault"`
}

// CaptureConfig holds the per-session capture parameters. It is built from settings at
// session start and never mutated while the session runs.
type CaptureConfig struct {
	Mode         InputMode
	MicrophoneID string
	ChunkSize    int
	SampleRate   int
}

// Credentials are passed explicitly to backend connections.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
}

// TranscriptionEvent is one unit received from the transcription backend.
type TranscriptionEvent struct {
	Text      string    `json:"text"`
	IsPartial bool      `json:"isPartial"`
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker,omitempty"`
}

// Segment is one committed, speaker-attributed block of transcript text.
type Segment struct {
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Warning is a non-fatal degradation surfaced to observers.
type Warning struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Status summarizes the current runtime status.
type Status struct {
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	Message   string       `json:"message,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Sources   []SourceKind `json:"sources,omitempty"`
	Warnings  []Warning    `json:"warnings,omitempty"`
}
