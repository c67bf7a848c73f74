package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Config holds provider options that are not part of the per-session settings.
type Config struct {
	Endpoint string
}

// Provider implements ports.TranscriptionProvider for Amazon Transcribe streaming.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
	start  startFunc
}

type startFunc func(ctx context.Context, creds domain.Credentials, input *transcribestreaming.StartStreamTranscriptionInput) (*resultStream, error)

// resultStream is the subset of the SDK event stream a session drives.
type resultStream struct {
	send     func(ctx context.Context, chunk []byte) error
	endAudio func() error
	events   <-chan types.TranscriptResultStream
	err      func() error
	close    func() error
}

func NewProvider(cfg Config, logger zerolog.Logger) *Provider {
	p := &Provider{cfg: cfg, logger: logger.With().Str("component", "awstranscribe").Logger()}
	p.start = p.startSDK
	return p
}

func (p *Provider) Name() string            { return "aws" }
func (p *Provider) RequiresSecretKey() bool { return true }

func (p *Provider) StartStreaming(ctx context.Context, creds domain.Credentials, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	stream, err := p.start(ctx, creds, buildInput(cfg))
	if err != nil {
		return nil, err
	}
	return newStreamingSession(ctx, stream, p.logger), nil
}

func (p *Provider) startSDK(ctx context.Context, creds domain.Credentials, input *transcribestreaming.StartStreamTranscriptionInput) (*resultStream, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := transcribestreaming.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, creds.SessionToken)),
	}
	if p.cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(p.cfg.Endpoint)
	}
	client := transcribestreaming.New(opts)

	output, err := client.StartStreamTranscription(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start Amazon Transcribe stream: %w", err)
	}
	stream := output.GetStream()
	return &resultStream{
		send: func(ctx context.Context, chunk []byte) error {
			return stream.Send(ctx, &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: chunk}})
		},
		endAudio: func() error {
			// An empty audio event marks the end of the audio stream.
			_ = stream.Send(context.Background(), &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: []byte{}}})
			return stream.Writer.Close()
		},
		events: stream.Events(),
		err:    stream.Err,
		close:  stream.Close,
	}, nil
}

func buildInput(cfg ports.StreamingConfig) *transcribestreaming.StartStreamTranscriptionInput {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = domain.CanonicalSampleRate
	}
	language := cfg.LanguageCode
	if language == "" {
		language = "en-US"
	}
	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(language),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(rate)),
		ShowSpeakerLabel:     cfg.SpeakerLabels,
	}
	if level := strings.ToLower(strings.TrimSpace(cfg.StabilityLevel)); level != "" {
		input.EnablePartialResultsStabilization = true
		input.PartialResultsStability = types.PartialResultsStability(level)
	}
	return input
}

type streamingSession struct {
	stream  *resultStream
	ctx     context.Context
	started time.Time
	logger  zerolog.Logger

	events   chan domain.TranscriptionEvent
	audio    chan []byte
	sendDone chan struct{}
	quit     chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
}

var errAudioClosed = errors.New("audio stream is already closed")

func newStreamingSession(ctx context.Context, stream *resultStream, logger zerolog.Logger) *streamingSession {
	s := &streamingSession{
		stream:   stream,
		ctx:      ctx,
		started:  time.Now(),
		logger:   logger,
		events:   make(chan domain.TranscriptionEvent, 64),
		audio:    make(chan []byte, 32),
		sendDone: make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = stream.close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	select {
	case <-s.sendDone:
		return errAudioClosed
	default:
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.sendDone:
		return errAudioClosed
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		close(s.sendDone)
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.TranscriptionEvent {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.CloseSend()
		_ = s.stream.close()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case chunk := <-s.audio:
			if !s.send(chunk) {
				return
			}
		case <-s.sendDone:
			s.finishSend()
			return
		case <-s.quit:
			return
		}
	}
}

// finishSend flushes chunks queued before CloseSend, then ends the audio stream.
func (s *streamingSession) finishSend() {
	for {
		select {
		case chunk := <-s.audio:
			if !s.send(chunk) {
				return
			}
		case <-s.quit:
			return
		default:
			if err := s.stream.endAudio(); err != nil {
				s.logger.Debug().Err(err).Msg("closing audio stream")
			}
			return
		}
	}
}

func (s *streamingSession) send(chunk []byte) bool {
	if err := s.stream.send(s.ctx, chunk); err != nil {
		select {
		case <-s.quit:
		default:
			s.setErr(fmt.Errorf("failed to send audio: %w", err))
		}
		_ = s.stream.close()
		return false
	}
	return true
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()

	for event := range s.stream.events {
		transcript, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || transcript.Value.Transcript == nil {
			continue
		}
		for _, result := range transcript.Value.Transcript.Results {
			for _, ev := range translate(result, s.started) {
				s.emit(ev)
			}
		}
	}
	if err := s.stream.err(); err != nil {
		s.setErr(fmt.Errorf("transcription stream failed: %w", err))
	}
}

// emit blocks while the consumer is behind; finals must not be dropped.
func (s *streamingSession) emit(event domain.TranscriptionEvent) {
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	case <-s.quit:
	}
}
