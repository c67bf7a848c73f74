package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meetscribe/internal/domain"
	"meetscribe/internal/metrics"
	"meetscribe/internal/ports"
)

// TranscriptionState is the lifecycle of one backend streaming connection.
type TranscriptionState string

const (
	TranscriptionClosed    TranscriptionState = "closed"
	TranscriptionOpening   TranscriptionState = "opening"
	TranscriptionStreaming TranscriptionState = "streaming"
	TranscriptionClosing   TranscriptionState = "closing"
	TranscriptionFailed    TranscriptionState = "failed"
)

const (
	defaultStopTimeout = 4 * time.Second
	resultsBuffer      = 64
)

// TranscriptionSession owns one streaming connection: it forwards mixed audio to the
// backend and relays backend events on Results. A session instance is used once; there is
// no reconnection.
type TranscriptionSession struct {
	provider    ports.TranscriptionProvider
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	stopTimeout time.Duration

	results     chan domain.TranscriptionEvent
	stop        chan struct{}
	forwardDone chan struct{}
	relayDone   chan struct{}

	mu            sync.Mutex
	state         TranscriptionState
	stream        ports.StreamingSession
	err           error
	stopRequested bool

	stopOnce sync.Once
}

func NewTranscriptionSession(provider ports.TranscriptionProvider, logger zerolog.Logger, m *metrics.Metrics, stopTimeout time.Duration) *TranscriptionSession {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &TranscriptionSession{
		provider:    provider,
		logger:      logger.With().Str("component", "transcription").Str("provider", provider.Name()).Logger(),
		metrics:     m,
		stopTimeout: stopTimeout,
		results:     make(chan domain.TranscriptionEvent, resultsBuffer),
		stop:        make(chan struct{}),
		forwardDone: make(chan struct{}),
		relayDone:   make(chan struct{}),
		state:       TranscriptionClosed,
	}
}

// ValidateCredentials rejects blank keys before any connection is attempted.
func ValidateCredentials(provider ports.TranscriptionProvider, creds domain.Credentials) error {
	if strings.TrimSpace(creds.AccessKey) == "" {
		return domain.NewError(domain.KindConfiguration, "validate credentials", fmt.Errorf("%w: access key is empty", domain.ErrInvalidCredentials))
	}
	if provider.RequiresSecretKey() && strings.TrimSpace(creds.SecretKey) == "" {
		return domain.NewError(domain.KindConfiguration, "validate credentials", fmt.Errorf("%w: secret key is empty", domain.ErrInvalidCredentials))
	}
	return nil
}

// Open validates creds, connects, and starts forwarding audio. Audio ending closes the
// send side of the stream; the backend then finishes and Results closes.
func (s *TranscriptionSession) Open(ctx context.Context, creds domain.Credentials, cfg ports.StreamingConfig, audio <-chan []byte) error {
	if err := ValidateCredentials(s.provider, creds); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != TranscriptionClosed || s.stream != nil || s.stopRequested {
		s.mu.Unlock()
		return errors.New("transcription session already used")
	}
	s.state = TranscriptionOpening
	s.mu.Unlock()

	stream, err := s.provider.StartStreaming(ctx, creds, cfg)
	if err != nil {
		kind := domain.KindBackend
		if errors.Is(err, context.Canceled) {
			kind = domain.KindCancelled
		}
		err = domain.NewError(kind, "open transcription stream", err)
		s.mu.Lock()
		s.state = TranscriptionFailed
		s.err = err
		s.mu.Unlock()
		close(s.forwardDone)
		close(s.relayDone)
		close(s.results)
		return err
	}

	s.mu.Lock()
	if s.stopRequested {
		s.state = TranscriptionClosed
		s.mu.Unlock()
		_ = stream.Close()
		close(s.forwardDone)
		close(s.relayDone)
		close(s.results)
		return domain.NewError(domain.KindCancelled, "open transcription stream", errors.New("stopped while connecting"))
	}
	s.stream = stream
	s.state = TranscriptionStreaming
	s.mu.Unlock()

	s.logger.Info().
		Int("sampleRate", cfg.SampleRate).
		Str("language", cfg.LanguageCode).
		Bool("speakerLabels", cfg.SpeakerLabels).
		Msg("transcription stream opened")

	go forwardAudio(audio, stream, s.stop, s.metrics, s.sendFailed, s.forwardDone)
	go s.relay(stream)
	return nil
}

// Results delivers backend events in backend order. It closes when the stream ends.
func (s *TranscriptionSession) Results() <-chan domain.TranscriptionEvent {
	return s.results
}

// State returns the current lifecycle state.
func (s *TranscriptionSession) State() TranscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last error recorded before the stream ended, if any. Check it after
// Results has closed.
func (s *TranscriptionSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the session without flushing pending audio. It is idempotent and bounded by
// the stop timeout; past it the connection is force-closed.
func (s *TranscriptionSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.stopRequested = true
		if s.state == TranscriptionStreaming || s.state == TranscriptionOpening {
			s.state = TranscriptionClosing
		}
		s.mu.Unlock()

		close(s.stop)
		if stream == nil {
			return
		}

		if !waitDone(s.forwardDone, s.stopTimeout) {
			s.logger.Warn().Msg("audio forwarder did not stop in time, closing stream")
			_ = stream.Close()
		}
		if err := waitForStream(stream, s.stopTimeout); err != nil {
			s.logger.Debug().Err(err).Msg("stream ended with error during stop")
		}
		if !waitDone(s.relayDone, s.stopTimeout) {
			_ = stream.Close()
			<-s.relayDone
		}
		_ = stream.Close()
	})
	return nil
}

func (s *TranscriptionSession) sendFailed(err error) {
	s.logger.Error().Err(err).Msg("failed to send audio")
	s.record(domain.NewError(domain.KindBackend, "send audio", err))

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

func (s *TranscriptionSession) relay(stream ports.StreamingSession) {
	defer close(s.relayDone)
	defer close(s.results)

	for event := range stream.Events() {
		s.metrics.RecordTranscriptEvent(event.IsPartial)
		select {
		case s.results <- event:
		case <-s.stop:
			// Keep draining so the provider's read loop can finish.
			select {
			case s.results <- event:
			default:
			}
		}
	}

	if err := stream.Wait(); err != nil {
		s.record(domain.NewError(domain.KindBackend, "transcription stream", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopRequested:
		s.state = TranscriptionClosed
	case s.err != nil:
		s.state = TranscriptionFailed
		s.logger.Error().Err(s.err).Msg("transcription stream failed")
	default:
		s.state = TranscriptionClosed
		s.logger.Info().Msg("transcription stream ended")
	}
}

func (s *TranscriptionSession) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = err
	}
}
