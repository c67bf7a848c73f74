package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"meetscribe/internal/audio"
	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Sources are the capture families a controller may open.
type Sources struct {
	Microphone ports.AudioSource
	System     ports.AudioSource
}

// activeSession is one start..stop span. Every field is owned by the controller actor
// except the immutable identity fields and the resources handed to teardown goroutines.
type activeSession struct {
	id         string
	generation uint64
	logger     zerolog.Logger
	cancel     context.CancelFunc

	mixer         *audio.Mixer
	transcription *TranscriptionSession
	sources       []domain.SourceKind
	pumpDone      chan struct{}

	stopRequested bool
	tearingDown   bool

	startWaiters []chan error
	stopWaiters  []chan error
}

func (s *activeSession) notifyStart(err error) {
	for _, w := range s.startWaiters {
		w <- err
	}
	s.startWaiters = nil
}

func (s *activeSession) notifyStop(err error) {
	for _, w := range s.stopWaiters {
		w <- err
	}
	s.stopWaiters = nil
}

// preparedSession carries the result of the off-actor preparation step.
type preparedSession struct {
	mixer         *audio.Mixer
	transcription *TranscriptionSession
	sources       []domain.SourceKind
	warnings      []domain.Warning
	err           error
}

func (p preparedSession) release() {
	if p.mixer != nil {
		_ = p.mixer.Close()
	}
	if p.transcription != nil {
		_ = p.transcription.Stop()
	}
}
