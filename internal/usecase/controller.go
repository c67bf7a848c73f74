package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meetscribe/internal/audio"
	"meetscribe/internal/domain"
	"meetscribe/internal/logging"
	"meetscribe/internal/metrics"
	"meetscribe/internal/ports"
	"meetscribe/internal/transcript"
)

var (
	ErrUnknownSpeaker  = errors.New("speaker label does not appear in the transcript")
	ErrEmptyTranscript = errors.New("transcript is empty")
)

var allStates = []string{
	string(domain.SessionStateIdle),
	string(domain.SessionStatePreparing),
	string(domain.SessionStateRecording),
	string(domain.SessionStateStopping),
	string(domain.SessionStateError),
}

// Config controls session teardown behavior.
type Config struct {
	// StopTimeout bounds each graceful shutdown step before resources are force-closed.
	StopTimeout time.Duration
	// MailboxSize is the actor queue depth.
	MailboxSize int
}

type snapshot struct {
	status  domain.Status
	display string
}

// SessionController coordinates capture, transcription and the transcript. All mutable
// state lives on a single actor goroutine; public methods are safe for concurrent use.
type SessionController struct {
	sources    Sources
	provider   ports.TranscriptionProvider
	settings   ports.SettingsProvider
	normalizer ports.TextNormalizer
	clipboard  ports.Clipboard
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	cfg        Config

	actor    *actor
	notifier *notifier
	snap     atomic.Pointer[snapshot]

	// Owned by the actor goroutine.
	state      domain.SessionState
	message    string
	warnings   []domain.Warning
	engine     *transcript.Engine
	current    *activeSession
	lastID     string
	generation uint64
	closed     bool
}

func NewSessionController(
	sources Sources,
	provider ports.TranscriptionProvider,
	settings ports.SettingsProvider,
	normalizer ports.TextNormalizer,
	clipboard ports.Clipboard,
	logger zerolog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *SessionController {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	c := &SessionController{
		sources:    sources,
		provider:   provider,
		settings:   settings,
		normalizer: normalizer,
		clipboard:  clipboard,
		logger:     logger.With().Str("component", "controller").Logger(),
		metrics:    m,
		cfg:        cfg,
		actor:      newActor(cfg.MailboxSize),
		notifier:   newNotifier(),
		state:      domain.SessionStateIdle,
		engine:     transcript.NewEngine(),
	}
	c.metrics.RecordState(string(c.state), allStates)
	c.storeSnapshot()
	return c
}

// Subscribe registers sink for state and transcript notifications.
func (c *SessionController) Subscribe(sink ports.EventSink) func() {
	return c.notifier.subscribe(sink)
}

// Start opens capture and transcription. It returns once the session is recording or has
// failed; ctx bounds only the wait.
func (c *SessionController) Start(ctx context.Context) error {
	wait := make(chan error, 1)
	if err := c.actor.do(func() { c.beginStart(wait) }); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the active session, audio first, then transcription, and returns once the
// controller is idle again.
func (c *SessionController) Stop(ctx context.Context) error {
	wait := make(chan error, 1)
	if err := c.actor.do(func() { c.beginStop(wait) }); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest published status.
func (c *SessionController) Status() domain.Status {
	return c.snap.Load().status
}

// DisplayText returns the latest rendered transcript, including the in-flight partial.
func (c *SessionController) DisplayText() string {
	return c.snap.Load().display
}

// Segments returns the committed segments.
func (c *SessionController) Segments() []domain.Segment {
	var out []domain.Segment
	_ = c.actor.do(func() { out = c.engine.Segments() })
	return out
}

// TranscriptText returns the rendered transcript bounded to its last maxChars runes.
func (c *SessionController) TranscriptText(maxChars int) string {
	return transcript.Tail(c.DisplayText(), maxChars)
}

func (c *SessionController) RenameSpeaker(raw, name string) error {
	var err error
	if doErr := c.actor.do(func() {
		if !c.engine.HasSpeaker(strings.TrimSpace(raw)) {
			err = fmt.Errorf("%w: %q", ErrUnknownSpeaker, raw)
			return
		}
		if c.engine.RenameSpeaker(raw, name) {
			c.publishTranscript()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// ClearTranscript empties segments, the partial and speaker names. A running session keeps
// running.
func (c *SessionController) ClearTranscript() error {
	return c.actor.do(func() {
		c.engine.Clear()
		c.metrics.RecordSegments(0)
		c.publishTranscript()
	})
}

// CopyTranscript places the rendered transcript on the clipboard.
func (c *SessionController) CopyTranscript(ctx context.Context) error {
	text := c.DisplayText()
	if strings.TrimSpace(text) == "" {
		return ErrEmptyTranscript
	}
	if c.clipboard == nil {
		return errors.New("clipboard is not available")
	}
	if err := c.clipboard.SetText(ctx, text); err != nil {
		c.notifier.publish(func(sink ports.EventSink) {
			sink.SessionError(domain.ErrorCodeClipboard, "failed to copy transcript to clipboard")
		})
		return fmt.Errorf("copy transcript: %w", err)
	}
	return nil
}

// Devices lists capture devices from every configured source. System audio enumeration
// failures are ignored; a missing microphone family is an error.
func (c *SessionController) Devices(ctx context.Context) ([]domain.Device, error) {
	if c.sources.Microphone == nil {
		return nil, fmt.Errorf("%w: no microphone source configured", domain.ErrDeviceUnavailable)
	}
	devices, err := c.sources.Microphone.Devices(ctx)
	if err != nil {
		return nil, err
	}
	if c.sources.System != nil {
		if system, sysErr := c.sources.System.Devices(ctx); sysErr == nil {
			devices = append(devices, system...)
		} else {
			c.logger.Debug().Err(sysErr).Msg("system audio enumeration failed")
		}
	}
	return devices, nil
}

// Close stops any session and releases the controller goroutines.
func (c *SessionController) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*c.cfg.StopTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveSession) && !errors.Is(err, errActorStopped) {
		c.logger.Warn().Err(err).Msg("stop on close failed")
	}
	_ = c.actor.do(func() { c.closed = true })
	c.actor.stop()
	c.notifier.close()
}

func (c *SessionController) beginStart(wait chan error) {
	if c.closed {
		wait <- errActorStopped
		return
	}
	if c.state.Active() {
		wait <- domain.ErrSessionActive
		return
	}

	settings, err := c.settings.SessionSettings()
	if err != nil {
		err = domain.NewError(domain.KindConfiguration, "load settings", err)
		c.failBeforeStart(err, domain.SessionReasonInvalidSettings)
		wait <- err
		return
	}
	if err := ValidateCredentials(c.provider, settings.Credentials); err != nil {
		c.failBeforeStart(err, domain.SessionReasonMissingCredentials)
		wait <- err
		return
	}
	if settings.Capture.Mode == "" {
		settings.Capture.Mode = domain.InputModeBoth
	}
	if !settings.Capture.Mode.Valid() {
		err := domain.NewError(domain.KindConfiguration, "load settings", fmt.Errorf("unknown audio input mode %q", settings.Capture.Mode))
		c.failBeforeStart(err, domain.SessionReasonInvalidSettings)
		wait <- err
		return
	}

	c.generation++
	id := uuid.NewString()
	sessionCtx, cancel := context.WithCancel(context.Background())
	active := &activeSession{
		id:           id,
		generation:   c.generation,
		logger:       logging.WithSession(c.logger, id),
		cancel:       cancel,
		pumpDone:     make(chan struct{}),
		startWaiters: []chan error{wait},
	}
	c.current = active
	c.lastID = id
	c.warnings = nil

	active.logger.Info().Str("mode", string(settings.Capture.Mode)).Str("provider", c.provider.Name()).Msg("preparing session")
	c.transition(domain.SessionStatePreparing, domain.SessionReasonPreparing, "")
	go c.prepare(sessionCtx, active, settings)
}

// prepare runs off the actor: it may block on device permission prompts and the backend
// handshake.
func (c *SessionController) prepare(ctx context.Context, active *activeSession, settings ports.SessionSettings) {
	var result preparedSession

	streams, kinds, warnings, err := c.openSources(ctx, active.logger, settings.Capture)
	result.warnings = warnings
	if err == nil {
		result.mixer, result.transcription, err = c.startPipeline(ctx, active.logger, settings, streams)
		if err == nil {
			result.sources = kinds
		}
	}
	result.err = err

	if !c.actor.post(func() { c.finishPrepare(active, result) }) {
		result.release()
	}
}

// startPipeline mixes the opened streams and connects them to a new transcription
// session. On failure every stream is closed.
func (c *SessionController) startPipeline(ctx context.Context, logger zerolog.Logger, settings ports.SessionSettings, streams []ports.CaptureStream) (*audio.Mixer, *TranscriptionSession, error) {
	streaming := settings.Streaming
	if streaming.SampleRate <= 0 {
		streaming.SampleRate = domain.CanonicalSampleRate
	}
	streaming.Channels = domain.CanonicalChannels
	if streaming.Encoding == "" {
		streaming.Encoding = domain.CanonicalEncoding
	}

	mixer := audio.NewMixer(logger, c.metrics, streaming.SampleRate)
	if err := mixer.Start(ctx, streams...); err != nil {
		_ = mixer.Close()
		return nil, nil, err
	}
	session := NewTranscriptionSession(c.provider, logger, c.metrics, c.cfg.StopTimeout)
	if err := session.Open(ctx, settings.Credentials, streaming, mixer.Chunks()); err != nil {
		_ = mixer.Close()
		return nil, nil, err
	}
	return mixer, session, nil
}

func (c *SessionController) finishPrepare(active *activeSession, result preparedSession) {
	if c.current != active {
		go result.release()
		return
	}

	if active.stopRequested {
		active.cancel()
		go func() {
			result.release()
			c.actor.post(func() {
				c.settle(active, domain.SessionStateIdle, domain.SessionReasonCancelled, "",
					domain.NewError(domain.KindCancelled, "start", context.Canceled))
			})
		}()
		return
	}

	if result.err != nil {
		active.cancel()
		c.warnings = result.warnings
		c.failSession(active, result.err)
		return
	}

	active.mixer = result.mixer
	active.transcription = result.transcription
	active.sources = result.sources
	c.warnings = result.warnings
	for _, w := range result.warnings {
		w := w
		c.notifier.publish(func(sink ports.EventSink) {
			sink.SessionWarning(w.Code, w.Message)
		})
	}

	c.metrics.RecordSessionStarted()
	active.logger.Info().Interface("sources", active.sources).Msg("recording")
	c.transition(domain.SessionStateRecording, domain.SessionReasonRecordingStarted, "")
	active.notifyStart(nil)

	go c.pump(active)
}

// pump moves backend events onto the actor in backend order.
func (c *SessionController) pump(active *activeSession) {
	defer close(active.pumpDone)

	warned := false
	for event := range active.transcription.Results() {
		event = c.normalize(active, event, &warned)
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		ev := event
		if !c.actor.post(func() { c.applyEvent(active, ev) }) {
			return
		}
	}
	c.actor.post(func() { c.streamEnded(active) })
}

func (c *SessionController) normalize(active *activeSession, event domain.TranscriptionEvent, warned *bool) domain.TranscriptionEvent {
	if c.normalizer == nil || strings.TrimSpace(event.Text) == "" {
		return event
	}
	text, err := c.normalizer.Apply(event.Text)
	if err != nil {
		if !*warned {
			*warned = true
			active.logger.Warn().Err(err).Msg("text rules failed, keeping raw text")
			c.notifier.publish(func(sink ports.EventSink) {
				sink.SessionWarning(domain.ErrorCodeRules, err.Error())
			})
		}
		return event
	}
	event.Text = text
	return event
}

func (c *SessionController) applyEvent(active *activeSession, event domain.TranscriptionEvent) {
	if c.current != active {
		return
	}
	c.engine.Apply(event)
	if !event.IsPartial {
		c.metrics.RecordSegments(len(c.engine.Segments()))
	}
	c.publishTranscript()
}

// streamEnded handles the result stream finishing without an explicit stop.
func (c *SessionController) streamEnded(active *activeSession) {
	if c.current != active || active.stopRequested || active.tearingDown {
		return
	}
	active.tearingDown = true
	active.logger.Info().Msg("transcription stream ended on its own")

	go func() {
		_ = active.mixer.Close()
		_ = active.transcription.Stop()
		active.cancel()

		err := active.transcription.Err()
		if err == nil {
			err = active.mixer.Err()
		}
		c.actor.post(func() {
			if err != nil {
				c.failSession(active, err)
				return
			}
			c.settle(active, domain.SessionStateIdle, domain.SessionReasonStreamEnded, "", nil)
		})
	}()
}

func (c *SessionController) beginStop(wait chan error) {
	active := c.current
	if active == nil {
		wait <- domain.ErrNoActiveSession
		return
	}
	active.stopWaiters = append(active.stopWaiters, wait)
	if active.stopRequested || active.tearingDown {
		return
	}
	active.stopRequested = true
	preparing := active.transcription == nil
	c.transition(domain.SessionStateStopping, domain.SessionReasonStopping, "")

	if preparing {
		// Still preparing; finishPrepare releases whatever was acquired.
		active.cancel()
		return
	}

	active.tearingDown = true
	go c.teardown(active)
}

func (c *SessionController) teardown(active *activeSession) {
	if err := active.mixer.Close(); err != nil {
		active.logger.Warn().Err(err).Msg("audio capture did not close cleanly")
	}
	if err := active.transcription.Stop(); err != nil {
		active.logger.Warn().Err(err).Msg("transcription did not close cleanly")
	}
	if !waitDone(active.pumpDone, c.cfg.StopTimeout) {
		active.logger.Warn().Msg("transcript pump did not drain in time")
	}
	active.cancel()

	c.actor.post(func() {
		c.settle(active, domain.SessionStateIdle, domain.SessionReasonStopped, "", nil)
	})
}

// failBeforeStart moves straight to Error without acquiring any resource.
func (c *SessionController) failBeforeStart(err error, reason domain.SessionStateReason) {
	message := domain.Message(err)
	c.lastID = ""
	c.logger.Error().Err(err).Msg("session start rejected")
	c.metrics.RecordSessionFailed(string(domain.KindOf(err)))
	c.notifier.publish(func(sink ports.EventSink) {
		sink.SessionError(domain.ErrorCodeConfiguration, message)
	})
	c.transition(domain.SessionStateError, reason, message)
}

func (c *SessionController) failSession(active *activeSession, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindCancelled {
		c.settle(active, domain.SessionStateIdle, domain.SessionReasonCancelled, "", err)
		return
	}

	code, reason := classifyFailure(kind)
	message := domain.Message(err)
	active.logger.Error().Err(err).Str("kind", string(kind)).Msg("session failed")
	c.metrics.RecordSessionFailed(string(kind))
	c.notifier.publish(func(sink ports.EventSink) {
		sink.SessionError(code, message)
	})
	c.settle(active, domain.SessionStateError, reason, message, err)
}

func classifyFailure(kind domain.ErrorKind) (domain.ErrorCode, domain.SessionStateReason) {
	switch kind {
	case domain.KindConfiguration:
		return domain.ErrorCodeConfiguration, domain.SessionReasonMissingCredentials
	case domain.KindDevice, domain.KindPermission:
		return domain.ErrorCodeAudioStream, domain.SessionReasonAudioUnavailable
	default:
		return domain.ErrorCodeTranscription, domain.SessionReasonTranscriptionFailed
	}
}

// settle ends active and moves to a resting state.
func (c *SessionController) settle(active *activeSession, state domain.SessionState, reason domain.SessionStateReason, message string, startErr error) {
	if c.current != active {
		return
	}
	c.current = nil
	c.transition(state, reason, message)
	active.notifyStart(startErr)
	active.notifyStop(nil)
}

func (c *SessionController) transition(state domain.SessionState, reason domain.SessionStateReason, message string) {
	c.state = state
	c.message = message
	c.metrics.RecordState(string(state), allStates)
	c.storeSnapshot()

	status := c.snap.Load().status
	c.notifier.publish(func(sink ports.EventSink) {
		sink.SessionStateChanged(status, reason)
	})
}

func (c *SessionController) publishTranscript() {
	c.storeSnapshot()
	text := c.snap.Load().display
	c.notifier.publish(func(sink ports.EventSink) {
		sink.TranscriptUpdated(text)
	})
}

func (c *SessionController) storeSnapshot() {
	status := domain.Status{
		State:    c.state,
		Active:   c.state.Active(),
		Message:  c.message,
		Warnings: append([]domain.Warning(nil), c.warnings...),
	}
	if c.current != nil {
		status.SessionID = c.current.id
		status.Sources = append([]domain.SourceKind(nil), c.current.sources...)
	} else if c.state == domain.SessionStateError {
		status.SessionID = c.lastID
	}
	c.snap.Store(&snapshot{status: status, display: c.engine.DisplayText()})
}

// openSources opens the capture sources selected by capture.Mode. In both mode a single
// failing source degrades to a warning; a system-only session denied screen capture falls
// back to the microphone.
func (c *SessionController) openSources(ctx context.Context, logger zerolog.Logger, capture domain.CaptureConfig) ([]ports.CaptureStream, []domain.SourceKind, []domain.Warning, error) {
	req := ports.OpenRequest{
		DeviceID:   capture.MicrophoneID,
		SampleRate: capture.SampleRate,
		ChunkSize:  capture.ChunkSize,
	}

	var (
		streams  []ports.CaptureStream
		warnings []domain.Warning
		failures []error
	)
	add := func(stream ports.CaptureStream) {
		streams = append(streams, stream)
	}
	degrade := func(code domain.ErrorCode, source domain.SourceKind, err error) {
		logger.Warn().Err(err).Str("source", string(source)).Msg("audio source unavailable")
		c.metrics.RecordSourceDegraded(string(source), string(domain.KindOf(err)))
		warnings = append(warnings, domain.Warning{Code: code, Message: domain.Message(err)})
		failures = append(failures, err)
	}

	switch capture.Mode {
	case domain.InputModeMicOnly:
		stream, err := c.openMicrophone(ctx, req)
		if err != nil {
			return nil, nil, nil, domain.NewError(domain.KindDevice, "open microphone", err)
		}
		add(stream)

	case domain.InputModeSystemOnly:
		stream, err := c.openSystem(ctx, req)
		switch {
		case err == nil:
			add(stream)
		case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrNoShareableDisplay):
			degrade(domain.ErrorCodeSystemAudio, domain.SourceSystem, err)
			mic, micErr := c.openMicrophone(ctx, req)
			if micErr != nil {
				return nil, nil, warnings, domain.NewError(domain.KindDevice, "open audio",
					fmt.Errorf("%w: %w", domain.ErrNoAudioSources, errors.Join(err, micErr)))
			}
			add(mic)
		default:
			return nil, nil, nil, domain.NewError(domain.KindDevice, "open system audio", err)
		}

	default:
		if mic, err := c.openMicrophone(ctx, req); err != nil {
			degrade(domain.ErrorCodeMicrophone, domain.SourceMicrophone, err)
		} else {
			add(mic)
		}
		if system, err := c.openSystem(ctx, req); err != nil {
			degrade(domain.ErrorCodeSystemAudio, domain.SourceSystem, err)
		} else {
			add(system)
		}
		if len(streams) == 0 {
			return nil, nil, warnings, domain.NewError(domain.KindDevice, "open audio",
				fmt.Errorf("%w: %w", domain.ErrNoAudioSources, errors.Join(failures...)))
		}
	}

	if err := ctx.Err(); err != nil {
		for _, s := range streams {
			_ = s.Close()
		}
		return nil, nil, warnings, domain.NewError(domain.KindCancelled, "open audio", err)
	}

	kinds := make([]domain.SourceKind, 0, len(streams))
	for _, s := range streams {
		kinds = append(kinds, s.Kind())
	}
	return streams, kinds, warnings, nil
}

func (c *SessionController) openMicrophone(ctx context.Context, req ports.OpenRequest) (ports.CaptureStream, error) {
	if c.sources.Microphone == nil {
		return nil, fmt.Errorf("%w: no microphone source configured", domain.ErrDeviceUnavailable)
	}
	devices, err := c.sources.Microphone.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no input device found", domain.ErrDeviceUnavailable)
	}
	if req.DeviceID != "" {
		found := false
		for _, d := range devices {
			if d.ID == req.DeviceID || d.Name == req.DeviceID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: input device %q not found", domain.ErrDeviceUnavailable, req.DeviceID)
		}
	}
	return c.sources.Microphone.Open(ctx, req)
}

func (c *SessionController) openSystem(ctx context.Context, req ports.OpenRequest) (ports.CaptureStream, error) {
	if c.sources.System == nil {
		return nil, fmt.Errorf("%w: no system audio source configured", domain.ErrDeviceUnavailable)
	}
	req.DeviceID = ""
	return c.sources.System.Open(ctx, req)
}
