package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// callLog records cross-component call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeAudioSource struct {
	kind       domain.SourceKind
	devices    []domain.Device
	devicesErr error
	openErr    error
	log        *callLog

	mu      sync.Mutex
	opened  []*fakeCaptureStream
	devCall int
}

func newFakeMic(log *callLog) *fakeAudioSource {
	return &fakeAudioSource{
		kind:    domain.SourceMicrophone,
		devices: []domain.Device{{ID: "core:Built-in", Name: "Built-in", Kind: domain.SourceMicrophone, IsDefault: true}},
		log:     log,
	}
}

func newFakeSystem(log *callLog) *fakeAudioSource {
	return &fakeAudioSource{
		kind:    domain.SourceSystem,
		devices: []domain.Device{{ID: ":0", Name: "screen", Kind: domain.SourceSystem}},
		log:     log,
	}
}

func (f *fakeAudioSource) Kind() domain.SourceKind { return f.kind }

func (f *fakeAudioSource) Devices(context.Context) ([]domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devCall++
	return f.devices, f.devicesErr
}

func (f *fakeAudioSource) Open(_ context.Context, _ ports.OpenRequest) (ports.CaptureStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream := &fakeCaptureStream{
		kind:   f.kind,
		frames: make(chan ports.Frame, 8),
		log:    f.log,
	}
	stream.frames <- ports.Frame{
		Data:   []byte{1, 0, 2, 0},
		Format: ports.Format{SampleRate: 16000, Channels: 1, Encoding: ports.EncodingS16LE},
	}
	f.mu.Lock()
	f.opened = append(f.opened, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeAudioSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeAudioSource) stream(i int) *fakeCaptureStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[i]
}

type fakeCaptureStream struct {
	kind   domain.SourceKind
	frames chan ports.Frame
	log    *callLog

	mu     sync.Mutex
	closed int
}

func (s *fakeCaptureStream) Kind() domain.SourceKind    { return s.kind }
func (s *fakeCaptureStream) Frames() <-chan ports.Frame { return s.frames }
func (s *fakeCaptureStream) Err() error                 { return nil }

func (s *fakeCaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == 0 {
		s.log.add("audio.close:" + string(s.kind))
		close(s.frames)
	}
	s.closed++
	return nil
}

func (s *fakeCaptureStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	requiresSecret bool
	err            error
	block          bool
	gate           chan struct{}
	log            *callLog

	mu       sync.Mutex
	sessions []*fakeStreamingSession
	calls    int
	creds    []domain.Credentials
}

func (f *fakeProvider) Name() string            { return "fake" }
func (f *fakeProvider) RequiresSecretKey() bool { return f.requiresSecret }

func (f *fakeProvider) StartStreaming(ctx context.Context, creds domain.Credentials, _ ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	f.calls++
	f.creds = append(f.creds, creds)
	block := f.block
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	session := newFakeStreamingSession(f.log)
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()
	return session, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) session(t *testing.T, i int) *fakeStreamingSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sessions) > i {
			s := f.sessions[i]
			f.mu.Unlock()
			return s
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("stream session %d never opened", i)
	return nil
}

type fakeStreamingSession struct {
	events chan domain.TranscriptionEvent
	log    *callLog

	mu         sync.Mutex
	sent       int
	closeSend  int
	closeCalls int
	closed     bool
	waitErr    error
	sendErr    error
}

func newFakeStreamingSession(log *callLog) *fakeStreamingSession {
	return &fakeStreamingSession{events: make(chan domain.TranscriptionEvent, 32), log: log}
}

func (f *fakeStreamingSession) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent += len(chunk)
	return nil
}

func (f *fakeStreamingSession) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSend++
	f.log.add("stream.closeSend")
	f.endLocked()
	return nil
}

func (f *fakeStreamingSession) Events() <-chan domain.TranscriptionEvent { return f.events }

func (f *fakeStreamingSession) Wait() error {
	time.Sleep(2 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeStreamingSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.log.add("stream.close")
	f.endLocked()
	return nil
}

func (f *fakeStreamingSession) emit(event domain.TranscriptionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- event
	}
}

// fail ends the stream from the backend side.
func (f *fakeStreamingSession) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitErr = err
	f.endLocked()
}

func (f *fakeStreamingSession) endLocked() {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeStreamingSession) bytesSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type fakeSettings struct {
	mu       sync.Mutex
	settings ports.SessionSettings
	err      error
}

func newFakeSettings(mode domain.InputMode) *fakeSettings {
	return &fakeSettings{settings: ports.SessionSettings{
		Credentials: domain.Credentials{AccessKey: "AKIA", SecretKey: "secret", Region: "us-east-1"},
		Capture:     domain.CaptureConfig{Mode: mode, ChunkSize: 320, SampleRate: 16000},
		Streaming:   ports.StreamingConfig{SampleRate: 16000, LanguageCode: "en-US", SpeakerLabels: true},
	}}
}

func (f *fakeSettings) SessionSettings() (ports.SessionSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.err
}

type fakeRules struct {
	transform func(string) string
	err       error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.transform != nil {
		return f.transform(text), nil
	}
	return text, nil
}

type fakeClipboard struct {
	mu       sync.Mutex
	lastText string
	err      error
}

func (f *fakeClipboard) SetText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText = text
	return f.err
}

type stateEvent struct {
	status domain.Status
	reason domain.SessionStateReason
}

type codeEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu sync.Mutex

	states      []stateEvent
	transcripts []string
	warnings    []codeEvent
	errors      []codeEvent
}

func (f *fakeEventSink) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{status: status, reason: reason})
}

func (f *fakeEventSink) TranscriptUpdated(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, text)
}

func (f *fakeEventSink) SessionWarning(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, codeEvent{code: code, detail: detail})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, codeEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotWarnings() []codeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]codeEvent, len(f.warnings))
	copy(out, f.warnings)
	return out
}

func (f *fakeEventSink) snapshotErrors() []codeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]codeEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) lastTranscript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transcripts) == 0 {
		return ""
	}
	return f.transcripts[len(f.transcripts)-1]
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
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

func reasons(states []stateEvent) []domain.SessionStateReason {
	out := make([]domain.SessionStateReason, 0, len(states))
	for _, s := range states {
		out = append(out, s.reason)
	}
	return out
}

var errBoom = errors.New("boom")
