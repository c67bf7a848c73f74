package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []Message
		want []Message
	}{
		{
			name: "empty",
			in:   nil,
			want: []Message{},
		},
		{
			name: "drops leading assistant and blanks",
			in: []Message{
				{Role: RoleAssistant, Content: "Hi! Ask me anything."},
				{Role: RoleUser, Content: "   "},
				{Role: RoleUser, Content: "what was decided?"},
			},
			want: []Message{{Role: RoleUser, Content: "what was decided?"}},
		},
		{
			name: "merges consecutive roles",
			in: []Message{
				{Role: RoleUser, Content: "first"},
				{Role: RoleUser, Content: "second"},
				{Role: RoleAssistant, Content: "a"},
				{Role: RoleAssistant, Content: "b"},
				{Role: RoleUser, Content: "third"},
			},
			want: []Message{
				{Role: RoleUser, Content: "first\n\nsecond"},
				{Role: RoleAssistant, Content: "a\n\nb"},
				{Role: RoleUser, Content: "third"},
			},
		},
		{
			name: "drops unknown roles",
			in: []Message{
				{Role: "system", Content: "ignored"},
				{Role: RoleUser, Content: "q"},
			},
			want: []Message{{Role: RoleUser, Content: "q"}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeHistory(tt.in))
		})
	}
}

func TestBuildSystemPromptBoundsTranscript(t *testing.T) {
	t.Parallel()

	prompt := BuildSystemPrompt("Be brief.", "[spk_0] alpha beta gamma", 8)
	assert.True(t, strings.HasPrefix(prompt, "Be brief."))
	assert.Contains(t, prompt, "<transcript>\ngamma\n</transcript>")
	assert.NotContains(t, prompt, "alpha")

	empty := BuildSystemPrompt("", "", 0)
	assert.Contains(t, empty, defaultSystemPrompt)
	assert.Contains(t, empty, "(no transcript yet)")
}

type fakeBackend struct {
	tokens []string
	err    error
	block  bool

	mu       sync.Mutex
	requests []Request
	started  chan struct{}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Stream(ctx context.Context, req Request, onToken func(string)) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	for _, tok := range f.tokens {
		onToken(tok)
	}
	if f.block {
		close(f.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeBackend) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func TestConversationSendStreamsTokens(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{tokens: []string{"The ", "budget ", "passed."}}
	conv := NewConversation(backend, func(int) string { return "[Alice] the budget passed" }, Config{}, zerolog.Nop(), nil)

	var streamed []string
	reply, err := conv.Send(context.Background(), " what happened? ", func(tok string) { streamed = append(streamed, tok) })
	require.NoError(t, err)
	assert.Equal(t, "The budget passed.", reply)
	assert.Equal(t, backend.tokens, streamed)

	req := backend.lastRequest()
	assert.Contains(t, req.SystemPrompt, "[Alice] the budget passed")
	assert.Equal(t, []Message{{Role: RoleUser, Content: "what happened?"}}, req.Messages)

	_, err = conv.Send(context.Background(), "who said it?", nil)
	require.NoError(t, err)
	req = backend.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, RoleAssistant, req.Messages[1].Role)
	assert.Len(t, conv.History(), 4)
}

func TestConversationRecordsBackendErrorAsReply(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{tokens: []string{"partial"}, err: errors.New("throttled")}
	conv := NewConversation(backend, nil, Config{}, zerolog.Nop(), nil)

	reply, err := conv.Send(context.Background(), "summarize", nil)
	require.Error(t, err)
	assert.Equal(t, "Error: throttled", reply)

	history := conv.History()
	require.Len(t, history, 2)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Error: throttled"}, history[1])
}

func TestConversationCancelKeepsPartialReply(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{tokens: []string{"Working on "}, block: true, started: make(chan struct{})}
	conv := NewConversation(backend, nil, Config{}, zerolog.Nop(), nil)

	done := make(chan struct{})
	var reply string
	var err error
	go func() {
		defer close(done)
		reply, err = conv.Send(context.Background(), "long answer please", nil)
	}()

	<-backend.started
	assert.True(t, conv.Busy())
	_, busyErr := conv.Send(context.Background(), "another", nil)
	assert.ErrorIs(t, busyErr, ErrBusy)

	conv.Cancel()
	<-done
	require.NoError(t, err)
	assert.Equal(t, "Working on ", reply)
	assert.False(t, conv.Busy())
}

func TestConversationRejectsEmptyQuestion(t *testing.T) {
	t.Parallel()

	conv := NewConversation(&fakeBackend{}, nil, Config{}, zerolog.Nop(), nil)
	_, err := conv.Send(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, conv.History())
}
