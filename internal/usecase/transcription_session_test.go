package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

func openTestSession(t *testing.T, provider *fakeProvider, audio <-chan []byte) *TranscriptionSession {
	t.Helper()
	s := NewTranscriptionSession(provider, zerolog.Nop(), nil, 100*time.Millisecond)
	creds := domain.Credentials{AccessKey: "AKIA", SecretKey: "secret", Region: "us-east-1"}
	if err := s.Open(context.Background(), creds, ports.StreamingConfig{SampleRate: 16000}, audio); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return s
}

func TestTranscriptionSessionRelaysEventsInOrder(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	s := openTestSession(t, provider, make(chan []byte))
	if s.State() != TranscriptionStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}

	stream := provider.session(t, 0)
	stream.emit(domain.TranscriptionEvent{Text: "a", IsPartial: true})
	stream.emit(domain.TranscriptionEvent{Text: "a b"})
	stream.fail(nil)

	var got []string
	for event := range s.Results() {
		got = append(got, event.Text)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "a b" {
		t.Fatalf("unexpected events: %v", got)
	}
	eventually(t, "closed", func() bool { return s.State() == TranscriptionClosed })
	if s.Err() != nil {
		t.Fatalf("expected clean end, got %v", s.Err())
	}
}

func TestTranscriptionSessionBackendErrorFails(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	s := openTestSession(t, provider, make(chan []byte))
	provider.session(t, 0).fail(errBoom)

	for range s.Results() {
	}
	eventually(t, "failed", func() bool { return s.State() == TranscriptionFailed })
	if !errors.Is(s.Err(), errBoom) || domain.KindOf(s.Err()) != domain.KindBackend {
		t.Fatalf("unexpected error: %v", s.Err())
	}
}

func TestTranscriptionSessionRecordsLastError(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	audio := make(chan []byte, 1)
	s := openTestSession(t, provider, audio)

	stream := provider.session(t, 0)
	sendErr := errors.New("broken pipe")
	streamErr := errors.New("stream reset")
	stream.mu.Lock()
	stream.sendErr = sendErr
	stream.waitErr = streamErr
	stream.mu.Unlock()
	audio <- []byte{1, 2}

	for range s.Results() {
	}
	eventually(t, "failed", func() bool { return s.State() == TranscriptionFailed })
	if !errors.Is(s.Err(), streamErr) {
		t.Fatalf("expected the last error to be surfaced, got %v", s.Err())
	}
}

func TestTranscriptionSessionStopDuringConnectClosesStream(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{gate: make(chan struct{})}
	s := NewTranscriptionSession(provider, zerolog.Nop(), nil, 100*time.Millisecond)

	opened := make(chan error, 1)
	go func() {
		opened <- s.Open(context.Background(), domain.Credentials{AccessKey: "key"}, ports.StreamingConfig{}, make(chan []byte))
	}()
	eventually(t, "connecting", func() bool { return provider.callCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	close(provider.gate)

	if err := <-opened; domain.KindOf(err) != domain.KindCancelled {
		t.Fatalf("expected cancelled open, got %v", err)
	}
	if s.State() != TranscriptionClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected results closed")
	}
	stream := provider.session(t, 0)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.closeCalls != 1 {
		t.Fatalf("expected the late stream to be closed, got %d closes", stream.closeCalls)
	}
}

func TestTranscriptionSessionStopIsIdempotent(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	audio := make(chan []byte)
	s := openTestSession(t, provider, audio)

	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if s.State() != TranscriptionClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	stream := provider.session(t, 0)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.closeSend != 1 {
		t.Fatalf("expected a single CloseSend, got %d", stream.closeSend)
	}
}

func TestTranscriptionSessionRejectsBlankCredentials(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{requiresSecret: true}
	s := NewTranscriptionSession(provider, zerolog.Nop(), nil, 0)
	err := s.Open(context.Background(), domain.Credentials{AccessKey: "AKIA"}, ports.StreamingConfig{}, make(chan []byte))
	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("provider must not be called with blank credentials")
	}
}

func TestTranscriptionSessionOpenFailure(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("dial tcp: refused")}
	s := NewTranscriptionSession(provider, zerolog.Nop(), nil, 0)
	err := s.Open(context.Background(), domain.Credentials{AccessKey: "key"}, ports.StreamingConfig{}, make(chan []byte))
	if domain.KindOf(err) != domain.KindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
	if s.State() != TranscriptionFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected results closed")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop after failed open: %v", err)
	}
}

func TestValidateCredentialsSecretOptional(t *testing.T) {
	t.Parallel()

	if err := ValidateCredentials(&fakeProvider{}, domain.Credentials{AccessKey: "token"}); err != nil {
		t.Fatalf("expected key-only provider to accept access key, got %v", err)
	}
	if err := ValidateCredentials(&fakeProvider{}, domain.Credentials{AccessKey: "  "}); err == nil {
		t.Fatalf("expected blank access key to be rejected")
	}
}
