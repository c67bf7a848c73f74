package config

import (
	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Store implements ports.SettingsProvider over a settings file. Each call re-reads the file
// and environment so a new session observes edits made since the last one.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file the store reads.
func (s *Store) Path() string { return s.path }

// Load resolves the full configuration.
func (s *Store) Load() (Config, error) {
	return LoadFile(s.path)
}

func (s *Store) SessionSettings() (ports.SessionSettings, error) {
	cfg, err := s.Load()
	if err != nil {
		return ports.SessionSettings{}, domain.NewError(domain.KindConfiguration, "load settings", err)
	}
	return cfg.SessionSettings(), nil
}

// SessionSettings projects the configuration onto what one recording session needs.
func (c Config) SessionSettings() ports.SessionSettings {
	return ports.SessionSettings{
		Credentials: c.SessionCredentials(),
		Capture: domain.CaptureConfig{
			Mode:         domain.InputMode(c.Audio.InputMode),
			MicrophoneID: c.Audio.MicrophoneID,
			ChunkSize:    c.Audio.ChunkSize,
			SampleRate:   c.Transcription.SampleRate,
		},
		Streaming: ports.StreamingConfig{
			SampleRate:     c.Transcription.SampleRate,
			Channels:       domain.CanonicalChannels,
			Encoding:       domain.CanonicalEncoding,
			LanguageCode:   c.Transcription.LanguageCode,
			InterimResults: true,
			StabilityLevel: c.Transcription.StabilityLevel,
			SpeakerLabels:  c.Transcription.SpeakerLabels,
		},
	}
}

// SessionCredentials returns the credentials for the selected provider. Single-key
// providers carry their key in AccessKey.
func (c Config) SessionCredentials() domain.Credentials {
	creds := domain.Credentials{
		AccessKey:    c.Credentials.AccessKey,
		SecretKey:    c.Credentials.SecretKey,
		SessionToken: c.Credentials.SessionToken,
		Region:       c.Credentials.Region,
	}
	switch c.Provider {
	case ProviderDeepgram:
		if c.Transcription.DeepgramAPIKey != "" {
			creds.AccessKey = c.Transcription.DeepgramAPIKey
		}
	case ProviderGoogle:
		if c.Transcription.GoogleAPIKey != "" {
			creds.AccessKey = c.Transcription.GoogleAPIKey
		}
	}
	return creds
}
