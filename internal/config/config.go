package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"meetscribe/internal/domain"
)

// Provider names accepted in settings.
const (
	ProviderAWS      = "aws"
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"

	ChatBedrock   = "bedrock"
	ChatAnthropic = "anthropic"
)

// Config stores runtime configuration. Precedence is environment, then the settings file,
// then defaults.
type Config struct {
	Provider      string              `yaml:"provider"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	Rules         RulesConfig         `yaml:"rules"`
	Chat          ChatConfig          `yaml:"chat"`
	Session       SessionConfig       `yaml:"session"`
	Log           LogConfig           `yaml:"log"`
	MetricsAddr   string              `yaml:"metricsAddr"`
}

type CredentialsConfig struct {
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	SessionToken string `yaml:"sessionToken"`
	Region       string `yaml:"region"`
}

type TranscriptionConfig struct {
	LanguageCode   string `yaml:"languageCode"`
	SampleRate     int    `yaml:"sampleRate"`
	StabilityLevel string `yaml:"stabilityLevel"`
	SpeakerLabels  bool   `yaml:"speakerLabels"`
	Endpoint       string `yaml:"endpoint"`

	DeepgramAPIKey      string `yaml:"deepgramApiKey"`
	DeepgramBaseURL     string `yaml:"deepgramBaseUrl"`
	DeepgramModel       string `yaml:"deepgramModel"`
	DeepgramSmartFormat bool   `yaml:"deepgramSmartFormat"`

	GoogleCredentialsFile string `yaml:"googleCredentialsFile"`
	GoogleAPIKey          string `yaml:"googleApiKey"`
}

type AudioConfig struct {
	InputMode    string `yaml:"audioInputMode"`
	MicrophoneID string `yaml:"microphoneId"`
	ChunkSize    int    `yaml:"chunkSize"`
	QueueFrames  int    `yaml:"queueFrames"`

	SystemCommand     string `yaml:"systemCommand"`
	SystemInputFormat string `yaml:"systemInputFormat"`
	SystemInputDevice string `yaml:"systemInputDevice"`
	SystemSampleRate  int    `yaml:"systemSampleRate"`
	SystemChannels    int    `yaml:"systemChannels"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iterationLimit"`
}

type ChatConfig struct {
	Backend         string `yaml:"backend"`
	Model           string `yaml:"model"`
	MaxTokens       int    `yaml:"maxTokens"`
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	SystemPrompt    string `yaml:"systemPrompt"`
	TranscriptChars int    `yaml:"transcriptChars"`
}

type SessionConfig struct {
	StopTimeout time.Duration `yaml:"stopTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when neither file nor environment set a value.
func Defaults() Config {
	return Config{
		Provider: ProviderAWS,
		Credentials: CredentialsConfig{
			Region: "us-east-1",
		},
		Transcription: TranscriptionConfig{
			LanguageCode:        "en-US",
			SampleRate:          domain.CanonicalSampleRate,
			StabilityLevel:      "high",
			SpeakerLabels:       true,
			DeepgramBaseURL:     "https://api.deepgram.com/v1",
			DeepgramModel:       "nova-2",
			DeepgramSmartFormat: true,
		},
		Audio: AudioConfig{
			InputMode:         string(domain.InputModeBoth),
			ChunkSize:         1024,
			QueueFrames:       32,
			SystemCommand:     "ffmpeg",
			SystemInputFormat: "avfoundation",
			SystemInputDevice: ":0",
			SystemSampleRate:  48000,
			SystemChannels:    2,
		},
		Rules: RulesConfig{
			IterationLimit: 30,
		},
		Chat: ChatConfig{
			Backend:         ChatBedrock,
			MaxTokens:       1024,
			TranscriptChars: 12000,
		},
		Session: SessionConfig{
			StopTimeout: 4 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SettingsPath returns the settings file location: $MEETSCRIBE_SETTINGS_FILE or
// ~/.config/meetscribe/settings.yaml.
func SettingsPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("MEETSCRIBE_SETTINGS_FILE")); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine home directory")
	}
	return filepath.Join(home, ".config", "meetscribe", "settings.yaml"), nil
}

// Load resolves configuration from the default settings path and the environment.
func Load() (Config, error) {
	path, err := SettingsPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(path)
}

// LoadFile resolves configuration from path (a missing file is not an error) and the
// environment.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse settings file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read settings file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if cfg.Rules.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Rules.Path = firstExisting(
				filepath.Join(home, ".config", "meetscribe", "substitutions.rules"),
				filepath.Join(home, ".meetscribe", "substitutions.rules"),
			)
		}
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Provider, "MEETSCRIBE_PROVIDER")
	setString(&cfg.Credentials.AccessKey, "MEETSCRIBE_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	setString(&cfg.Credentials.SecretKey, "MEETSCRIBE_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	setString(&cfg.Credentials.SessionToken, "MEETSCRIBE_SESSION_TOKEN", "AWS_SESSION_TOKEN")
	setString(&cfg.Credentials.Region, "MEETSCRIBE_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")

	setString(&cfg.Transcription.LanguageCode, "MEETSCRIBE_LANGUAGE_CODE")
	setInt(&cfg.Transcription.SampleRate, "MEETSCRIBE_SAMPLE_RATE")
	setString(&cfg.Transcription.StabilityLevel, "MEETSCRIBE_STABILITY_LEVEL")
	setBool(&cfg.Transcription.SpeakerLabels, "MEETSCRIBE_SPEAKER_LABELS")
	setString(&cfg.Transcription.Endpoint, "MEETSCRIBE_TRANSCRIBE_ENDPOINT")
	setString(&cfg.Transcription.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Transcription.DeepgramBaseURL, "DEEPGRAM_API_BASE")
	setString(&cfg.Transcription.DeepgramModel, "DEEPGRAM_MODEL")
	setBool(&cfg.Transcription.DeepgramSmartFormat, "DEEPGRAM_SMART_FORMAT")
	setString(&cfg.Transcription.GoogleCredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.Transcription.GoogleAPIKey, "GOOGLE_SPEECH_API_KEY")

	setString(&cfg.Audio.InputMode, "MEETSCRIBE_AUDIO_INPUT_MODE")
	setString(&cfg.Audio.MicrophoneID, "MEETSCRIBE_MICROPHONE")
	setInt(&cfg.Audio.ChunkSize, "MEETSCRIBE_CHUNK_SIZE")
	setInt(&cfg.Audio.QueueFrames, "MEETSCRIBE_QUEUE_FRAMES")
	setString(&cfg.Audio.SystemCommand, "MEETSCRIBE_FFMPEG_COMMAND")
	setString(&cfg.Audio.SystemInputFormat, "MEETSCRIBE_SYSTEM_INPUT_FORMAT")
	setString(&cfg.Audio.SystemInputDevice, "MEETSCRIBE_SYSTEM_INPUT_DEVICE")
	setInt(&cfg.Audio.SystemSampleRate, "MEETSCRIBE_SYSTEM_SAMPLE_RATE")
	setInt(&cfg.Audio.SystemChannels, "MEETSCRIBE_SYSTEM_CHANNELS")

	setString(&cfg.Rules.Path, "MEETSCRIBE_RULES_FILE")
	setInt(&cfg.Rules.IterationLimit, "MEETSCRIBE_RULE_ITERATION_LIMIT")

	setString(&cfg.Chat.Backend, "MEETSCRIBE_CHAT_BACKEND")
	setString(&cfg.Chat.Model, "MEETSCRIBE_CHAT_MODEL")
	setInt(&cfg.Chat.MaxTokens, "MEETSCRIBE_CHAT_MAX_TOKENS")
	setString(&cfg.Chat.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setInt(&cfg.Chat.TranscriptChars, "MEETSCRIBE_CHAT_TRANSCRIPT_CHARS")

	if ms, ok := lookupInt("MEETSCRIBE_STOP_TIMEOUT_MS"); ok && ms > 0 {
		cfg.Session.StopTimeout = time.Duration(ms) * time.Millisecond
	}

	setString(&cfg.Log.Level, "MEETSCRIBE_LOG_LEVEL")
	setString(&cfg.Log.Format, "MEETSCRIBE_LOG_FORMAT")
	setString(&cfg.MetricsAddr, "MEETSCRIBE_METRICS_ADDR")
}

func normalize(cfg *Config) {
	defaults := Defaults()
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.Chat.Backend = strings.ToLower(strings.TrimSpace(cfg.Chat.Backend))
	cfg.Transcription.StabilityLevel = strings.ToLower(strings.TrimSpace(cfg.Transcription.StabilityLevel))
	cfg.Audio.InputMode = strings.ToLower(strings.TrimSpace(cfg.Audio.InputMode))

	if cfg.Transcription.SampleRate <= 0 {
		cfg.Transcription.SampleRate = defaults.Transcription.SampleRate
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = defaults.Audio.ChunkSize
	}
	if cfg.Audio.QueueFrames <= 0 {
		cfg.Audio.QueueFrames = defaults.Audio.QueueFrames
	}
	if cfg.Audio.SystemSampleRate <= 0 {
		cfg.Audio.SystemSampleRate = defaults.Audio.SystemSampleRate
	}
	if cfg.Audio.SystemChannels <= 0 {
		cfg.Audio.SystemChannels = defaults.Audio.SystemChannels
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = defaults.Rules.IterationLimit
	}
	if cfg.Chat.MaxTokens <= 0 {
		cfg.Chat.MaxTokens = defaults.Chat.MaxTokens
	}
	if cfg.Chat.TranscriptChars <= 0 {
		cfg.Chat.TranscriptChars = defaults.Chat.TranscriptChars
	}
	if cfg.Session.StopTimeout <= 0 {
		cfg.Session.StopTimeout = defaults.Session.StopTimeout
	}
}

// Validate rejects values no session could run with. Missing credentials are not checked
// here; the controller reports them when a session starts.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderAWS, ProviderDeepgram, ProviderGoogle:
	default:
		errs = append(errs, fmt.Errorf("unknown transcription provider %q", c.Provider))
	}
	if !domain.InputMode(c.Audio.InputMode).Valid() {
		errs = append(errs, fmt.Errorf("unknown audio input mode %q", c.Audio.InputMode))
	}
	switch c.Transcription.StabilityLevel {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("unknown stability level %q", c.Transcription.StabilityLevel))
	}
	switch c.Chat.Backend {
	case ChatBedrock, ChatAnthropic:
	default:
		errs = append(errs, fmt.Errorf("unknown chat backend %q", c.Chat.Backend))
	}
	return errors.Join(errs...)
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func lookup(keys ...string) (string, bool) {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value, true
		}
	}
	return "", false
}

func lookupInt(keys ...string) (int, bool) {
	value, ok := lookup(keys...)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func setString(dst *string, keys ...string) {
	if value, ok := lookup(keys...); ok {
		*dst = value
	}
}

func setInt(dst *int, keys ...string) {
	if value, ok := lookupInt(keys...); ok {
		*dst = value
	}
}

func setBool(dst *bool, keys ...string) {
	value, ok := lookup(keys...)
	if !ok {
		return
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
