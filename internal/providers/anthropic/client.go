package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"meetscribe/internal/chat"
)

const (
	defaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 1024
)

// Config controls the Anthropic Messages API client.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

type messageStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// Backend implements chat.Backend with streamed Anthropic messages.
type Backend struct {
	cfg    Config
	open   func(ctx context.Context, params anthropic.MessageNewParams) messageStream
	logger zerolog.Logger
}

func NewBackend(cfg Config, logger zerolog.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	open := func(ctx context.Context, params anthropic.MessageNewParams) messageStream {
		return client.Messages.NewStreaming(ctx, params)
	}
	return newBackend(cfg, open, logger), nil
}

func newBackend(cfg Config, open func(context.Context, anthropic.MessageNewParams) messageStream, logger zerolog.Logger) *Backend {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Backend{
		cfg:    cfg,
		open:   open,
		logger: logger.With().Str("component", "anthropic").Str("model", cfg.Model).Logger(),
	}
}

func (b *Backend) Name() string { return "anthropic" }

func (b *Backend) Stream(ctx context.Context, req chat.Request, onToken func(string)) error {
	if len(req.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	b.logger.Debug().Int("messages", len(req.Messages)).Msg("starting message stream")

	stream := b.open(ctx, buildParams(b.cfg, req))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			onToken(text.Text)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("anthropic message stream failed: %w", err)
	}
	return ctx.Err()
}

func buildParams(cfg Config, req chat.Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == chat.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: cfg.MaxTokens,
		Messages:  messages,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}
