// Package google streams audio to Google Cloud Speech-to-Text.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Config selects how the client authenticates. With CredentialsFile empty, the session access
// key is used as an API key.
type Config struct {
	CredentialsFile string
	Endpoint        string
	MaxSpeakers     int32
}

type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type dialFunc func(ctx context.Context, creds domain.Credentials) (recognizeStream, func() error, error)

// Provider implements ports.TranscriptionProvider for Google Speech-to-Text.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
	dial   dialFunc
}

func NewProvider(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.MaxSpeakers <= 0 {
		cfg.MaxSpeakers = 6
	}
	p := &Provider{cfg: cfg, logger: logger.With().Str("component", "google-speech").Logger()}
	p.dial = p.dialSDK
	return p
}

func (p *Provider) Name() string            { return "google" }
func (p *Provider) RequiresSecretKey() bool { return false }

func (p *Provider) dialSDK(ctx context.Context, creds domain.Credentials) (recognizeStream, func() error, error) {
	var opts []option.ClientOption
	switch {
	case p.cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	case strings.TrimSpace(creds.AccessKey) != "":
		opts = append(opts, option.WithAPIKey(creds.AccessKey))
	default:
		return nil, nil, fmt.Errorf("google speech: %w", domain.ErrInvalidCredentials)
	}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.Endpoint))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to open Google streaming recognize: %w", err)
	}
	return stream, client.Close, nil
}

func (p *Provider) StartStreaming(ctx context.Context, creds domain.Credentials, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, closeClient, err := p.dial(streamCtx, creds)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := stream.Send(configRequest(p.cfg, cfg)); err != nil {
		cancel()
		_ = closeClient()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &streamingSession{
		stream:      stream,
		cancel:      cancel,
		closeClient: closeClient,
		started:     time.Now(),
		logger:      p.logger,
		events:      make(chan domain.TranscriptionEvent, 64),
		audio:       make(chan []byte, 32),
		sendDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(streamCtx)
	go s.writeLoop(streamCtx)
	go func() {
		s.wg.Wait()
		close(s.events)
		cancel()
		_ = closeClient()
		close(s.done)
	}()
	return s, nil
}

func configRequest(providerCfg Config, cfg ports.StreamingConfig) *speechpb.StreamingRecognizeRequest {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = domain.CanonicalSampleRate
	}
	language := cfg.LanguageCode
	if language == "" {
		language = "en-US"
	}
	recognition := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(rate),
		AudioChannelCount:          domain.CanonicalChannels,
		LanguageCode:               language,
		EnableAutomaticPunctuation: true,
	}
	if cfg.SpeakerLabels {
		recognition.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          providerCfg.MaxSpeakers,
		}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognition,
				InterimResults: true,
			},
		},
	}
}

type streamingSession struct {
	stream      recognizeStream
	cancel      context.CancelFunc
	closeClient func() error
	started     time.Time
	logger      zerolog.Logger

	events   chan domain.TranscriptionEvent
	audio    chan []byte
	sendDone chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
}

var errAudioClosed = errors.New("audio stream is already closed")

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
	_ = s.CloseSend()
	s.cancel()
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case chunk := <-s.audio:
			if !s.send(ctx, chunk) {
				return
			}
		case <-s.sendDone:
			s.finishSend(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// finishSend flushes chunks queued before CloseSend, then half-closes the stream.
func (s *streamingSession) finishSend(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if !s.send(ctx, chunk) {
				return
			}
		case <-ctx.Done():
			return
		default:
			if err := s.stream.CloseSend(); err != nil {
				s.logger.Debug().Err(err).Msg("close send failed")
			}
			return
		}
	}
}

func (s *streamingSession) send(ctx context.Context, chunk []byte) bool {
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
	if err != nil {
		if ctx.Err() == nil {
			s.setErr(fmt.Errorf("failed to send audio: %w", err))
		}
		s.cancel()
		return false
	}
	return true
}

func (s *streamingSession) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.setErr(fmt.Errorf("failed to read recognition result: %w", err))
			}
			return
		}
		if resp.GetError() != nil && resp.GetError().GetCode() != 0 {
			s.setErr(errors.New(resp.GetError().GetMessage()))
			s.cancel()
			return
		}
		for _, result := range resp.GetResults() {
			for _, ev := range translate(result, s.started) {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// translate splits final results on speaker changes; partials keep their whole text.
func translate(result *speechpb.StreamingRecognitionResult, started time.Time) []domain.TranscriptionEvent {
	alts := result.GetAlternatives()
	if len(alts) == 0 {
		return nil
	}
	alt := alts[0]
	text := strings.TrimSpace(alt.GetTranscript())
	if text == "" {
		return nil
	}
	at := started
	if end := result.GetResultEndTime(); end != nil {
		at = started.Add(end.AsDuration())
	}

	type run struct {
		speaker string
		at      time.Time
		words   []string
	}
	var runs []run
	for _, w := range alt.GetWords() {
		speaker := speakerLabel(w.GetSpeakerTag())
		if n := len(runs); n > 0 && runs[n-1].speaker == speaker {
			runs[n-1].words = append(runs[n-1].words, w.GetWord())
			continue
		}
		wordAt := at
		if w.GetStartTime() != nil {
			wordAt = started.Add(w.GetStartTime().AsDuration())
		}
		runs = append(runs, run{speaker: speaker, at: wordAt, words: []string{w.GetWord()}})
	}

	if !result.GetIsFinal() || len(runs) <= 1 {
		speaker := ""
		if len(runs) > 0 {
			speaker = runs[0].speaker
		}
		return []domain.TranscriptionEvent{{Text: text, IsPartial: !result.GetIsFinal(), Timestamp: at, Speaker: speaker}}
	}

	events := make([]domain.TranscriptionEvent, 0, len(runs))
	for _, r := range runs {
		events = append(events, domain.TranscriptionEvent{Text: strings.Join(r.words, " "), Timestamp: r.at, Speaker: r.speaker})
	}
	return events
}

// speakerLabel maps Google's 1-based speaker tags to spk_N.
func speakerLabel(tag int32) string {
	if tag <= 0 {
		return ""
	}
	return "spk_" + strconv.Itoa(int(tag-1))
}
