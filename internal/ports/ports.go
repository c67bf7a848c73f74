package ports

import (
	"context"
	"time"

	"meetscribe/internal/domain"
)

// SampleEncoding names the per-sample encoding of a native capture format.
type SampleEncoding string

const (
	EncodingS16LE SampleEncoding = "s16le"
	EncodingF32LE SampleEncoding = "f32le"
)

// BytesPerSample returns the width of one sample, or 0 for unknown encodings.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingS16LE:
		return 2
	case EncodingF32LE:
		return 4
	default:
		return 0
	}
}

// Format describes a native capture format, discovered once capture starts.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   SampleEncoding
}

// Frame is one buffer of interleaved PCM samples in the source's native format.
// Ownership passes to the receiver on delivery.
type Frame struct {
	Data     []byte
	Format   Format
	Seq      uint64
	Captured time.Time
}

// OpenRequest selects a device and the preferred capture shape.
type OpenRequest struct {
	DeviceID   string
	SampleRate int
	ChunkSize  int
}

// CaptureStream is an open capture handle. Frames is infinite until Close and cannot be
// restarted. Close is idempotent.
type CaptureStream interface {
	Kind() domain.SourceKind
	Frames() <-chan Frame
	Err() error
	Close() error
}

// AudioSource wraps one capture device family.
type AudioSource interface {
	Kind() domain.SourceKind
	Devices(ctx context.Context) ([]domain.Device, error)
	Open(ctx context.Context, req OpenRequest) (CaptureStream, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	LanguageCode   string
	InterimResults bool
	// StabilityLevel enables partial-result stabilization when non-empty (low|medium|high).
	StabilityLevel string
	SpeakerLabels  bool
}

// StreamingSession is an active backend streaming connection.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptionEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming transcription sessions.
type TranscriptionProvider interface {
	Name() string
	RequiresSecretKey() bool
	StartStreaming(ctx context.Context, creds domain.Credentials, cfg StreamingConfig) (StreamingSession, error)
}

// SessionSettings is the read-only settings snapshot taken at session start.
type SessionSettings struct {
	Credentials domain.Credentials
	Capture     domain.CaptureConfig
	Streaming   StreamingConfig
}

// SettingsProvider exposes current settings; it is consulted once per session start.
type SettingsProvider interface {
	SessionSettings() (SessionSettings, error)
}

// TextNormalizer transforms transcript text using deterministic rules.
type TextNormalizer interface {
	Apply(text string) (string, error)
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink receives controller state and transcript notifications. Calls arrive in order
// on a single goroutine that is not the controller's own, so sinks may call back into the
// controller.
type EventSink interface {
	SessionStateChanged(status domain.Status, reason domain.SessionStateReason)
	TranscriptUpdated(text string)
	SessionWarning(code domain.ErrorCode, detail string)
	SessionError(code domain.ErrorCode, detail string)
}
