package awstranscribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

func word(content, speaker string, start float64) types.Item {
	return types.Item{Content: aws.String(content), Type: types.ItemTypePronunciation, Speaker: aws.String(speaker), StartTime: start}
}

func punct(content string) types.Item {
	return types.Item{Content: aws.String(content), Type: types.ItemTypePunctuation}
}

func TestTranslateSplitsFinalBySpeakerRun(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	result := types.Result{
		StartTime: 1,
		Alternatives: []types.Alternative{{
			Transcript: aws.String("Ready? Yes, go."),
			Items: []types.Item{
				word("Ready", "0", 1),
				punct("?"),
				word("Yes", "1", 2),
				punct(","),
				word("go", "1", 2.5),
				punct("."),
			},
		}},
	}

	events := translate(result, started)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TranscriptionEvent{Text: "Ready?", Speaker: "spk_0", Timestamp: started.Add(time.Second)}, events[0])
	assert.Equal(t, domain.TranscriptionEvent{Text: "Yes, go.", Speaker: "spk_1", Timestamp: started.Add(2 * time.Second)}, events[1])
}

func TestTranslatePartialKeepsWholeText(t *testing.T) {
	t.Parallel()

	result := types.Result{
		IsPartial: true,
		Alternatives: []types.Alternative{{
			Transcript: aws.String("ready yes"),
			Items:      []types.Item{word("ready", "spk_0", 0), word("yes", "spk_1", 1)},
		}},
	}

	events := translate(result, time.Time{})
	require.Len(t, events, 1)
	assert.True(t, events[0].IsPartial)
	assert.Equal(t, "ready yes", events[0].Text)
	assert.Equal(t, "spk_0", events[0].Speaker)
}

func TestTranslateWithoutSpeakerLabels(t *testing.T) {
	t.Parallel()

	result := types.Result{Alternatives: []types.Alternative{{Transcript: aws.String(" hello ")}}}
	events := translate(result, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Text)
	assert.Empty(t, events[0].Speaker)

	assert.Empty(t, translate(types.Result{}, time.Time{}))
	assert.Empty(t, translate(types.Result{Alternatives: []types.Alternative{{Transcript: aws.String("  ")}}}, time.Time{}))
}

func TestBuildInput(t *testing.T) {
	t.Parallel()

	input := buildInput(ports.StreamingConfig{SampleRate: 16000, LanguageCode: "en-GB", StabilityLevel: "High", SpeakerLabels: true})
	assert.Equal(t, types.LanguageCode("en-GB"), input.LanguageCode)
	assert.Equal(t, types.MediaEncodingPcm, input.MediaEncoding)
	assert.Equal(t, int32(16000), aws.ToInt32(input.MediaSampleRateHertz))
	assert.True(t, input.EnablePartialResultsStabilization)
	assert.Equal(t, types.PartialResultsStabilityHigh, input.PartialResultsStability)
	assert.True(t, input.ShowSpeakerLabel)

	plain := buildInput(ports.StreamingConfig{})
	assert.False(t, plain.EnablePartialResultsStabilization)
	assert.Equal(t, types.LanguageCode("en-US"), plain.LanguageCode)
}

type fakeResultStream struct {
	mu      sync.Mutex
	sent    [][]byte
	ended   bool
	closed  bool
	sendErr error
	err     error

	// stall, when set, holds every send until the stream is closed.
	stall     chan struct{}
	stallOnce sync.Once

	events chan types.TranscriptResultStream
}

func newFakeResultStream() *fakeResultStream {
	return &fakeResultStream{events: make(chan types.TranscriptResultStream, 8)}
}

func (f *fakeResultStream) stream() *resultStream {
	return &resultStream{
		send: func(_ context.Context, chunk []byte) error {
			if f.stall != nil {
				<-f.stall
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.sendErr != nil {
				return f.sendErr
			}
			f.sent = append(f.sent, chunk)
			return nil
		},
		endAudio: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.ended = true
			return nil
		},
		events: f.events,
		err: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.err
		},
		close: func() error {
			if f.stall != nil {
				f.stallOnce.Do(func() { close(f.stall) })
			}
			f.end()
			return nil
		},
	}
}

// end closes the result channel as the SDK does when the response stream finishes.
func (f *fakeResultStream) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func transcriptEvent(text string, partial bool) types.TranscriptResultStream {
	return &types.TranscriptResultStreamMemberTranscriptEvent{Value: types.TranscriptEvent{
		Transcript: &types.Transcript{Results: []types.Result{{
			IsPartial:    partial,
			Alternatives: []types.Alternative{{Transcript: aws.String(text)}},
		}}},
	}}
}

func newTestProvider(fake *fakeResultStream) *Provider {
	p := NewProvider(Config{}, zerolog.Nop())
	p.start = func(context.Context, domain.Credentials, *transcribestreaming.StartStreamTranscriptionInput) (*resultStream, error) {
		return fake.stream(), nil
	}
	return p
}

func TestStreamingSessionRelaysTranscripts(t *testing.T) {
	t.Parallel()

	fake := newFakeResultStream()
	session, err := newTestProvider(fake).StartStreaming(context.Background(), domain.Credentials{}, ports.StreamingConfig{})
	require.NoError(t, err)

	require.NoError(t, session.SendAudio([]byte{1, 2}))
	fake.events <- transcriptEvent("hel", true)
	fake.events <- transcriptEvent("hello", false)

	first := <-session.Events()
	second := <-session.Events()
	assert.True(t, first.IsPartial)
	assert.Equal(t, "hello", second.Text)
	assert.False(t, second.IsPartial)

	require.NoError(t, session.CloseSend())
	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.ended && len(fake.sent) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, session.Close())
	require.NoError(t, session.Wait())
	_, open := <-session.Events()
	assert.False(t, open)
}

func TestStreamingSessionSurfacesStreamError(t *testing.T) {
	t.Parallel()

	fake := newFakeResultStream()
	fake.err = errors.New("BadRequestException: invalid sample rate")
	session, err := newTestProvider(fake).StartStreaming(context.Background(), domain.Credentials{}, ports.StreamingConfig{})
	require.NoError(t, err)

	require.NoError(t, session.CloseSend())
	fake.end()

	err = session.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sample rate")
}

func TestStreamingSessionSendFailureEndsStream(t *testing.T) {
	t.Parallel()

	fake := newFakeResultStream()
	fake.sendErr = errors.New("broken pipe")
	session, err := newTestProvider(fake).StartStreaming(context.Background(), domain.Credentials{}, ports.StreamingConfig{})
	require.NoError(t, err)

	require.NoError(t, session.SendAudio([]byte{1}))
	err = session.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestStreamingSessionClosesOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fake := newFakeResultStream()
	session, err := newTestProvider(fake).StartStreaming(ctx, domain.Credentials{}, ports.StreamingConfig{})
	require.NoError(t, err)

	cancel()
	done := make(chan struct{})
	go func() {
		_ = session.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after context cancellation")
	}
}

func TestStreamingSessionCloseReleasesBlockedSendAudio(t *testing.T) {
	t.Parallel()

	fake := newFakeResultStream()
	fake.stall = make(chan struct{})
	session, err := newTestProvider(fake).StartStreaming(context.Background(), domain.Credentials{}, ports.StreamingConfig{})
	require.NoError(t, err)

	result := make(chan interface{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- r
			}
		}()
		for {
			if err := session.SendAudio([]byte{1}); err != nil {
				result <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, session.Close())

	select {
	case got := <-result:
		_, isErr := got.(error)
		assert.True(t, isErr, "SendAudio panicked: %v", got)
	case <-time.After(time.Second):
		t.Fatal("blocked SendAudio did not return after Close")
	}
}

func TestProviderRequiresSecretKey(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{}, zerolog.Nop())
	assert.Equal(t, "aws", p.Name())
	assert.True(t, p.RequiresSecretKey())
}
