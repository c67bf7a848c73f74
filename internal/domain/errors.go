package domain

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies failures by how the session reacts to them.
type ErrorKind string

const (
	KindUnknown       ErrorKind = "unknown"
	KindConfiguration ErrorKind = "configuration"
	KindDevice        ErrorKind = "device"
	KindPermission    ErrorKind = "permission"
	KindBackend       ErrorKind = "backend"
	KindCancelled     ErrorKind = "cancelled"
)

var (
	ErrInvalidCredentials = errors.New("transcription credentials are not configured")
	ErrDeviceUnavailable  = errors.New("audio device is unavailable")
	ErrPermissionDenied   = errors.New("system audio capture permission denied")
	ErrNoShareableDisplay = errors.New("no shareable display for system audio capture")
	ErrNoAudioSources     = errors.New("no audio source could be opened")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrSessionActive      = errors.New("a recording session is already active")
	ErrNoActiveSession    = errors.New("no active recording session")
)

// Error attaches an ErrorKind and the failing operation to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind and op. A nil err yields nil.
func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err using explicit kinds first and well-known sentinels second.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrInvalidCredentials):
		return KindConfiguration
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNoShareableDisplay):
		return KindPermission
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrNoAudioSources):
		return KindDevice
	default:
		return KindUnknown
	}
}

// Message renders err for display, dropping wrapping noise from empty operations.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
