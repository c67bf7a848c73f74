package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Config controls Deepgram websocket settings. The API key arrives per session as the
// access key of the session credentials.
type Config struct {
	APIBaseURL  string
	Model       string
	SmartFormat bool
}

// Provider implements ports.TranscriptionProvider for Deepgram.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
}

func NewProvider(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{cfg: cfg, logger: logger.With().Str("component", "deepgram").Logger()}
}

func (p *Provider) Name() string            { return "deepgram" }
func (p *Provider) RequiresSecretKey() bool { return false }

func (p *Provider) StartStreaming(ctx context.Context, creds domain.Credentials, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(creds.AccessKey) == "" {
		return nil, fmt.Errorf("deepgram: %w", domain.ErrInvalidCredentials)
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+creds.AccessKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	session := newStreamingSession(conn, time.Now())
	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

var errAudioClosed = errors.New("audio stream is already closed")

type streamingSession struct {
	conn    *websocket.Conn
	started time.Time

	events   chan domain.TranscriptionEvent
	audio    chan []byte
	sendDone chan struct{}
	done     chan struct{}
	quit     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	closing       atomic.Bool
}

// newStreamingSession allocates the session channels. The audio channel is never closed;
// CloseSend and Close signal through sendDone and quit instead.
func newStreamingSession(conn *websocket.Conn, started time.Time) *streamingSession {
	return &streamingSession{
		conn:     conn,
		started:  started,
		events:   make(chan domain.TranscriptionEvent, 64),
		audio:    make(chan []byte, 32),
		sendDone: make(chan struct{}),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
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
		s.closing.Store(true)
		close(s.quit)
		_ = s.CloseSend()
		_ = s.conn.Close()
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
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
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
			if !s.write(chunk) {
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

// finishSend flushes chunks queued before CloseSend, then asks Deepgram to finalize.
func (s *streamingSession) finishSend() {
	for {
		select {
		case chunk := <-s.audio:
			if !s.write(chunk) {
				return
			}
		default:
			if s.closing.Load() {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
				s.setErr(fmt.Errorf("failed to close stream: %w", err))
			}
			return
		}
	}
}

func (s *streamingSession) write(chunk []byte) bool {
	if s.closing.Load() {
		return false
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		s.setErr(fmt.Errorf("failed to send audio: %w", err))
		_ = s.conn.Close()
		return false
	}
	return true
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.setErr(fmt.Errorf("failed to read provider event: %w", err))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		for _, event := range translate(response, s.started) {
			s.emit(event)
		}
	}
}

// emit blocks until the consumer takes the event or Close is called.
func (s *streamingSession) emit(event domain.TranscriptionEvent) {
	select {
	case s.events <- event:
	case <-s.quit:
	}
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	Speaker        *int    `json:"speaker"`
}

type deepgramAlternative struct {
	Transcript string         `json:"transcript"`
	Words      []deepgramWord `json:"words"`
}

type deepgramResponse struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`

	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

// translate maps one Results message to session events. Final results with words from
// several speakers split into one event per contiguous speaker run.
func translate(response deepgramResponse, started time.Time) []domain.TranscriptionEvent {
	if len(response.Channel.Alternatives) == 0 {
		return nil
	}
	alt := response.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil
	}
	final := response.IsFinal || response.SpeechFinal
	at := started.Add(time.Duration(response.Start * float64(time.Second)))

	type run struct {
		speaker string
		start   float64
		words   []string
	}
	var runs []run
	for _, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		speaker := ""
		if w.Speaker != nil {
			speaker = "spk_" + strconv.Itoa(*w.Speaker)
		}
		if n := len(runs); n > 0 && runs[n-1].speaker == speaker {
			runs[n-1].words = append(runs[n-1].words, word)
			continue
		}
		runs = append(runs, run{speaker: speaker, start: w.Start, words: []string{word}})
	}

	if !final || len(runs) <= 1 {
		speaker := ""
		if len(runs) > 0 {
			speaker = runs[0].speaker
		}
		return []domain.TranscriptionEvent{{Text: text, IsPartial: !final, Timestamp: at, Speaker: speaker}}
	}

	events := make([]domain.TranscriptionEvent, 0, len(runs))
	for _, r := range runs {
		events = append(events, domain.TranscriptionEvent{
			Text:      strings.Join(r.words, " "),
			Timestamp: started.Add(time.Duration(r.start * float64(time.Second))),
			Speaker:   r.speaker,
		})
	}
	return events
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = domain.CanonicalSampleRate
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = domain.CanonicalChannels
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
	query.Set("channels", strconv.Itoa(streamCfg.Channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults || streamCfg.StabilityLevel != ""))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	query.Set("diarize", strconv.FormatBool(streamCfg.SpeakerLabels))
	if streamCfg.LanguageCode != "" {
		query.Set("language", streamCfg.LanguageCode)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
