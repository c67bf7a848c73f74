package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{}, zerolog.Nop())
	if p.cfg.APIBaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("unexpected base url: %q", p.cfg.APIBaseURL)
	}
	if p.cfg.Model != "nova-2" {
		t.Fatalf("unexpected model: %q", p.cfg.Model)
	}
	if p.RequiresSecretKey() {
		t.Fatalf("deepgram authenticates with a single key")
	}
}

func TestProviderStartStreamingRequiresAPIKey(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{}, zerolog.Nop())
	_, err := p.StartStreaming(context.Background(), domain.Credentials{}, ports.StreamingConfig{})
	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(Config{APIBaseURL: "https://api.deepgram.com/v1", Model: "nova-2"}, ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"wss://api.deepgram.com/v1/listen", "encoding=linear16", "sample_rate=16000", "channels=1", "diarize=false"} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLWithLanguageAndDiarization(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(
		Config{APIBaseURL: "http://localhost:8080/v1", Model: "m", SmartFormat: true},
		ports.StreamingConfig{SampleRate: 8000, LanguageCode: "en-US", StabilityLevel: "high", SpeakerLabels: true},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"ws://localhost:8080/v1/listen", "language=en-US", "smart_format=true", "diarize=true", "interim_results=true", "sample_rate=8000"} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	_, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.StreamingConfig{})
	if err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func intPtr(v int) *int { return &v }

func TestTranslateSplitsSpeakers(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	resp := deepgramResponse{IsFinal: true}
	resp.Channel.Alternatives = []deepgramAlternative{{
		Transcript: "ok thanks sure",
		Words: []deepgramWord{
			{Word: "ok", PunctuatedWord: "Ok,", Speaker: intPtr(0), Start: 0.5},
			{Word: "thanks", PunctuatedWord: "thanks.", Speaker: intPtr(0), Start: 0.8},
			{Word: "sure", PunctuatedWord: "Sure.", Speaker: intPtr(1), Start: 1.5},
		},
	}}

	events := translate(resp, started)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Speaker != "spk_0" || events[0].Text != "Ok, thanks." {
		t.Fatalf("unexpected first run: %+v", events[0])
	}
	if events[1].Speaker != "spk_1" || events[1].Text != "Sure." || !events[1].Timestamp.Equal(started.Add(1500*time.Millisecond)) {
		t.Fatalf("unexpected second run: %+v", events[1])
	}
}

func TestTranslatePartialAndEmpty(t *testing.T) {
	t.Parallel()

	resp := deepgramResponse{}
	resp.Channel.Alternatives = []deepgramAlternative{{Transcript: " hello "}}
	events := translate(resp, time.Time{})
	if len(events) != 1 || !events[0].IsPartial || events[0].Text != "hello" || events[0].Speaker != "" {
		t.Fatalf("unexpected partial: %+v", events)
	}

	if got := translate(deepgramResponse{}, time.Time{}); len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}
}

func TestStreamingSessionSendAudioClosed(t *testing.T) {
	t.Parallel()

	s := newStreamingSession(nil, time.Now())
	_ = s.CloseSend()
	if err := s.SendAudio([]byte("x")); !errors.Is(err, errAudioClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestStreamingSessionBlockedSendAudioReturnsOnCloseSend(t *testing.T) {
	t.Parallel()

	s := newStreamingSession(nil, time.Now())
	for i := 0; i < cap(s.audio); i++ {
		if err := s.SendAudio([]byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error filling buffer: %v", err)
		}
	}

	result := make(chan interface{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- r
			}
		}()
		result <- s.SendAudio([]byte("blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.CloseSend(); err != nil {
		t.Fatalf("close send failed: %v", err)
	}

	select {
	case got := <-result:
		err, ok := got.(error)
		if !ok || !errors.Is(err, errAudioClosed) {
			t.Fatalf("expected closed error from blocked send, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked SendAudio did not return after CloseSend")
	}
}

func TestStreamingSessionCloseSendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newStreamingSession(nil, time.Now())
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected second error: %v", err)
	}
}

func TestStreamingSessionSetErrIgnoresCloseErrors(t *testing.T) {
	t.Parallel()

	s := &streamingSession{}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	if s.waitErr() != nil {
		t.Fatalf("expected close error to be ignored")
	}

	s.setErr(errors.New("boom"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "boom" {
		t.Fatalf("expected first non-close error to be captured")
	}
}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func TestStreamingSessionEndToEnd(t *testing.T) {
	t.Parallel()

	received := make(chan int, 1)
	srv, auth := newTestServer(t, func(conn *websocket.Conn) {
		total := 0
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				total += len(payload)
				continue
			}
			received <- total
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","words":[{"word":"hello","speaker":0},{"word":"world","speaker":0}]}]}}`))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	})

	p := NewProvider(Config{APIBaseURL: srv.URL}, zerolog.Nop())
	session, err := p.StartStreaming(context.Background(), domain.Credentials{AccessKey: "dg-key"}, ports.StreamingConfig{SpeakerLabels: true})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := <-auth; got != "Token dg-key" {
		t.Fatalf("unexpected auth header: %q", got)
	}

	if err := session.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := session.CloseSend(); err != nil {
		t.Fatalf("close send failed: %v", err)
	}
	if got := <-received; got != 640 {
		t.Fatalf("server received %d bytes", got)
	}

	var events []domain.TranscriptionEvent
	for ev := range session.Events() {
		events = append(events, ev)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(events) != 1 || events[0].Text != "hello world" || events[0].Speaker != "spk_0" || events[0].IsPartial {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStreamingSessionSurfacesProviderError(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","message":"insufficient credits"}`))
		time.Sleep(50 * time.Millisecond)
	})

	p := NewProvider(Config{APIBaseURL: srv.URL}, zerolog.Nop())
	session, err := p.StartStreaming(context.Background(), domain.Credentials{AccessKey: "k"}, ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_ = session.CloseSend()
	for range session.Events() {
	}
	if err := session.Wait(); err == nil || !strings.Contains(err.Error(), "insufficient credits") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestStreamingSessionCloseWhileSending(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	p := NewProvider(Config{APIBaseURL: srv.URL}, zerolog.Nop())
	session, err := p.StartStreaming(context.Background(), domain.Credentials{AccessKey: "k"}, ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	sent := make(chan error, 1)
	go func() {
		for {
			if err := session.SendAudio(make([]byte, 3200)); err != nil {
				sent <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_ = session.Close()

	select {
	case err := <-sent:
		if err == nil {
			t.Fatalf("expected SendAudio to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("SendAudio kept succeeding after Close")
	}
	if _, open := <-session.Events(); open {
		t.Fatalf("expected events to be closed")
	}
}
