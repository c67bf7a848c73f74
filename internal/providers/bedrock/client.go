package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/rs/zerolog"

	"meetscribe/internal/chat"
	"meetscribe/internal/domain"
)

const (
	defaultModel     = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	defaultMaxTokens = 1024
)

// Config selects the Bedrock model.
type Config struct {
	ModelID   string
	MaxTokens int32
	Endpoint  string
}

type converseStreamer interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Backend implements chat.Backend with the Bedrock Converse streaming API.
type Backend struct {
	cfg    Config
	client converseStreamer
	logger zerolog.Logger
}

// NewBackend builds a Bedrock runtime client from explicit credentials.
func NewBackend(cfg Config, creds domain.Credentials, logger zerolog.Logger) (*Backend, error) {
	if strings.TrimSpace(creds.AccessKey) == "" || strings.TrimSpace(creds.SecretKey) == "" {
		return nil, fmt.Errorf("bedrock: %w", domain.ErrInvalidCredentials)
	}
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := bedrockruntime.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, creds.SessionToken)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newBackend(cfg, bedrockruntime.New(opts), logger), nil
}

func newBackend(cfg Config, client converseStreamer, logger zerolog.Logger) *Backend {
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Backend{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "bedrock").Str("model", cfg.ModelID).Logger(),
	}
}

func (b *Backend) Name() string { return "bedrock" }

func (b *Backend) Stream(ctx context.Context, req chat.Request, onToken func(string)) error {
	if len(req.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	b.logger.Debug().Int("messages", len(req.Messages)).Msg("starting converse stream")

	output, err := b.client.ConverseStream(ctx, buildInput(b.cfg, req))
	if err != nil {
		return fmt.Errorf("bedrock converse stream failed: %w", err)
	}
	stream := output.GetStream()
	defer stream.Close()

	return drain(ctx, stream.Events(), stream.Err, onToken)
}

func buildInput(cfg Config, req chat.Request) *bedrockruntime.ConverseStreamInput {
	messages := make([]types.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := types.ConversationRoleUser
		if msg.Role == chat.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(cfg.ModelID),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(cfg.MaxTokens),
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	return input
}

// drain forwards text deltas until the stream ends or ctx is cancelled.
func drain(ctx context.Context, events <-chan types.ConverseStreamOutput, streamErr func() error, onToken func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return streamErr()
			}
			delta, isDelta := event.(*types.ConverseStreamOutputMemberContentBlockDelta)
			if !isDelta {
				continue
			}
			if text, isText := delta.Value.Delta.(*types.ContentBlockDeltaMemberText); isText && text.Value != "" {
				onToken(text.Value)
			}
		}
	}
}
