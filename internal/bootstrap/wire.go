package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"meetscribe/internal/audio"
	"meetscribe/internal/audio/mic"
	"meetscribe/internal/chat"
	"meetscribe/internal/config"
	"meetscribe/internal/domain"
	"meetscribe/internal/logging"
	"meetscribe/internal/metrics"
	"meetscribe/internal/ports"
	"meetscribe/internal/providers/anthropic"
	"meetscribe/internal/providers/awstranscribe"
	"meetscribe/internal/providers/bedrock"
	"meetscribe/internal/providers/deepgram"
	"meetscribe/internal/providers/google"
	"meetscribe/internal/rules"
	"meetscribe/internal/usecase"
)

// Options customizes the runtime graph. Zero values select the desktop defaults.
type Options struct {
	// SettingsPath overrides the settings file location.
	SettingsPath string
	// Registerer receives the metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	Clipboard  ports.Clipboard
	// Microphone and System replace the device-backed capture sources.
	Microphone ports.AudioSource
	System     ports.AudioSource
	// InputMode, when set, overrides the configured mode for every session.
	InputMode domain.InputMode
}

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Chat       *chat.Conversation
	Config     config.Config
	Store      *config.Store
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Close stops the controller and any chat request in flight.
func (s Services) Close() {
	if s.Chat != nil {
		s.Chat.Cancel()
	}
	if s.Controller != nil {
		s.Controller.Close()
	}
}

// Build wires all backend dependencies for the current runtime.
func Build(opts Options) (Services, error) {
	path := opts.SettingsPath
	if path == "" {
		resolved, err := config.SettingsPath()
		if err != nil {
			return Services{}, err
		}
		path = resolved
	}
	store := config.NewStore(path)
	cfg, err := store.Load()
	if err != nil {
		return Services{}, err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	m := metrics.New(opts.Registerer)

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}
	if rulesEngine.Len() > 0 {
		logger.Info().Str("path", cfg.Rules.Path).Int("rules", rulesEngine.Len()).Msg("substitution rules loaded")
	}

	provider, err := NewTranscriptionProvider(cfg, logger)
	if err != nil {
		return Services{}, err
	}

	sources := usecase.Sources{Microphone: opts.Microphone, System: opts.System}
	if sources.Microphone == nil {
		sources.Microphone = mic.NewSource(cfg.Audio.QueueFrames, func() {
			m.RecordFrameDropped(string(domain.SourceMicrophone))
		})
	}
	if sources.System == nil {
		sources.System = audio.NewFFMPEGSource(domain.SourceSystem, audio.FFMPEGConfig{
			Command:     cfg.Audio.SystemCommand,
			InputFormat: cfg.Audio.SystemInputFormat,
			InputDevice: cfg.Audio.SystemInputDevice,
			SampleRate:  cfg.Audio.SystemSampleRate,
			Channels:    cfg.Audio.SystemChannels,
			QueueFrames: cfg.Audio.QueueFrames,
		}, func() {
			m.RecordFrameDropped(string(domain.SourceSystem))
		})
	}

	var settings ports.SettingsProvider = store
	if opts.InputMode != "" {
		settings = fixedMode{SettingsProvider: store, mode: opts.InputMode}
	}

	controller := usecase.NewSessionController(
		sources,
		provider,
		settings,
		rulesEngine,
		opts.Clipboard,
		logger,
		m,
		usecase.Config{StopTimeout: cfg.Session.StopTimeout},
	)

	conversation := chat.NewConversation(
		&lazyBackend{name: cfg.Chat.Backend, store: store, logger: logger},
		controller.TranscriptText,
		chat.Config{SystemPrompt: cfg.Chat.SystemPrompt, TranscriptChars: cfg.Chat.TranscriptChars},
		logger,
		m,
	)

	logger.Info().
		Str("settings", path).
		Str("provider", provider.Name()).
		Str("inputMode", cfg.Audio.InputMode).
		Str("chat", cfg.Chat.Backend).
		Msg("services ready")

	return Services{
		Controller: controller,
		Chat:       conversation,
		Config:     cfg,
		Store:      store,
		Metrics:    m,
		Logger:     logger,
	}, nil
}

// NewTranscriptionProvider selects the streaming backend named by cfg.Provider.
func NewTranscriptionProvider(cfg config.Config, logger zerolog.Logger) (ports.TranscriptionProvider, error) {
	switch cfg.Provider {
	case config.ProviderAWS, "":
		return awstranscribe.NewProvider(awstranscribe.Config{Endpoint: cfg.Transcription.Endpoint}, logger), nil
	case config.ProviderDeepgram:
		return deepgram.NewProvider(deepgram.Config{
			APIBaseURL:  cfg.Transcription.DeepgramBaseURL,
			Model:       cfg.Transcription.DeepgramModel,
			SmartFormat: cfg.Transcription.DeepgramSmartFormat,
		}, logger), nil
	case config.ProviderGoogle:
		return google.NewProvider(google.Config{
			CredentialsFile: cfg.Transcription.GoogleCredentialsFile,
			Endpoint:        cfg.Transcription.Endpoint,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// NewChatBackend selects the chat backend named by cfg.Chat.Backend.
func NewChatBackend(cfg config.Config, logger zerolog.Logger) (chat.Backend, error) {
	switch cfg.Chat.Backend {
	case config.ChatAnthropic:
		return anthropic.NewBackend(anthropic.Config{
			APIKey:    cfg.Chat.AnthropicAPIKey,
			Model:     cfg.Chat.Model,
			MaxTokens: int64(cfg.Chat.MaxTokens),
		}, logger)
	case config.ChatBedrock, "":
		creds := cfg.Credentials
		return bedrock.NewBackend(bedrock.Config{
			ModelID:   cfg.Chat.Model,
			MaxTokens: int32(cfg.Chat.MaxTokens),
		}, domain.Credentials{
			AccessKey:    creds.AccessKey,
			SecretKey:    creds.SecretKey,
			SessionToken: creds.SessionToken,
			Region:       creds.Region,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown chat backend %q", cfg.Chat.Backend)
	}
}

// lazyBackend resolves the chat backend from current settings on first use and again
// whenever the backend selection or credentials change.
type lazyBackend struct {
	name   string
	store  *config.Store
	logger zerolog.Logger

	mu      sync.Mutex
	key     string
	backend chat.Backend
}

func (b *lazyBackend) Name() string { return b.name }

func (b *lazyBackend) Stream(ctx context.Context, req chat.Request, onToken func(string)) error {
	backend, err := b.resolve()
	if err != nil {
		return err
	}
	return backend.Stream(ctx, req, onToken)
}

func (b *lazyBackend) resolve() (chat.Backend, error) {
	cfg, err := b.store.Load()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		cfg.Chat.Backend, cfg.Chat.Model, cfg.Chat.MaxTokens, cfg.Chat.AnthropicAPIKey,
		cfg.Credentials.AccessKey, cfg.Credentials.SecretKey, cfg.Credentials.Region)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.backend != nil && b.key == key {
		return b.backend, nil
	}
	backend, err := NewChatBackend(cfg, b.logger)
	if err != nil {
		return nil, err
	}
	b.backend, b.key = backend, key
	return backend, nil
}

type fixedMode struct {
	ports.SettingsProvider
	mode domain.InputMode
}

func (f fixedMode) SessionSettings() (ports.SessionSettings, error) {
	settings, err := f.SettingsProvider.SessionSettings()
	if err != nil {
		return settings, err
	}
	settings.Capture.Mode = f.mode
	return settings, nil
}
