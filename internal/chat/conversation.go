package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"meetscribe/internal/metrics"
)

var (
	ErrBusy          = errors.New("a chat request is already in progress")
	ErrEmptyQuestion = errors.New("question is empty")
)

// Backend streams one completion. onToken is called for every text chunk in order; the
// call returns when the response is complete, the context is cancelled or the backend fails.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request, onToken func(string)) error
}

// TranscriptSource returns the rendered transcript bounded to its last maxChars runes.
type TranscriptSource func(maxChars int) string

// Config controls prompt construction.
type Config struct {
	SystemPrompt    string
	TranscriptChars int
}

// Conversation keeps the chat history for one transcript and runs one request at a time.
type Conversation struct {
	backend    Backend
	transcript TranscriptSource
	cfg        Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	history  []Message
	inflight context.CancelFunc
}

func NewConversation(backend Backend, source TranscriptSource, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Conversation {
	if cfg.TranscriptChars <= 0 {
		cfg.TranscriptChars = DefaultTranscriptChars
	}
	name := "none"
	if backend != nil {
		name = backend.Name()
	}
	return &Conversation{
		backend:    backend,
		transcript: source,
		cfg:        cfg,
		logger:     logger.With().Str("component", "chat").Str("backend", name).Logger(),
		metrics:    m,
	}
}

// Send asks question with the current transcript as context and returns the assistant
// reply. Cancellation through Cancel or ctx keeps whatever was received and is not an error.
// A backend failure is recorded in the history as a single "Error: ..." assistant message
// and returned.
func (c *Conversation) Send(ctx context.Context, question string, onToken func(string)) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if c.backend == nil {
		return "", errors.New("chat backend is not configured")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.inflight != nil {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.inflight = cancel
	c.history = append(c.history, Message{Role: RoleUser, Content: question})
	history := NormalizeHistory(c.history)
	c.mu.Unlock()

	var rendered string
	if c.transcript != nil {
		rendered = c.transcript(c.cfg.TranscriptChars)
	}
	req := Request{
		SystemPrompt: BuildSystemPrompt(c.cfg.SystemPrompt, rendered, c.cfg.TranscriptChars),
		Messages:     history,
	}

	var reply strings.Builder
	err := c.backend.Stream(reqCtx, req, func(token string) {
		reply.WriteString(token)
		if onToken != nil {
			onToken(token)
		}
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = nil

	answer := reply.String()
	switch {
	case err == nil:
		c.metrics.RecordChat("ok")
	case reqCtx.Err() != nil:
		c.metrics.RecordChat("cancelled")
		c.logger.Debug().Msg("chat generation stopped")
		err = nil
	default:
		c.metrics.RecordChat("error")
		c.logger.Error().Err(err).Msg("chat request failed")
		answer = "Error: " + err.Error()
	}
	c.history = append(c.history, Message{Role: RoleAssistant, Content: answer})
	return answer, err
}

// Cancel stops the in-flight request, if any.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		c.inflight()
	}
}

// Busy reports whether a request is in flight.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Reset clears the history. It does not cancel an in-flight request.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}
