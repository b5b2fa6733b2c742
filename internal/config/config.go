package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasreed/signstream/internal/media"
)

// Config represents the complete client configuration.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Video   VideoConfig   `yaml:"video"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig contains remote session parameters. The API key is never
// stored in the file; APIKeyEnv names the environment variable holding it.
type SessionConfig struct {
	URL               string `yaml:"url"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	APIKeyEnv         string `yaml:"api_key_env"`
}

// AudioConfig contains audio capture and playback parameters.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	BlockSize        int `yaml:"block_size"` // samples per dispatched block
}

// VideoConfig contains camera capture parameters.
type VideoConfig struct {
	Device     string `yaml:"device"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FrameRate  int    `yaml:"frame_rate"`
	Quality    int    `yaml:"quality"` // ffmpeg qscale, 2 best .. 31 worst
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// MetricsConfig contains the Prometheus exposition listener configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			URL:       "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:     "models/gemini-2.0-flash-live-001",
			Voice:     "Puck",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		Audio: AudioConfig{
			InputSampleRate:  media.InputSampleRate,
			OutputSampleRate: media.OutputSampleRate,
			BlockSize:        4096,
		},
		Video: VideoConfig{
			Width:     640,
			Height:    360,
			FrameRate: 10,
			Quality:   7,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults. An
// empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs validation of the complete configuration.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates session configuration.
func (s *SessionConfig) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if !strings.HasPrefix(s.URL, "ws") && !strings.HasPrefix(s.URL, "http") {
		return fmt.Errorf("url must be a ws(s) or http(s) endpoint, got %q", s.URL)
	}
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if strings.TrimSpace(s.APIKeyEnv) == "" {
		return fmt.Errorf("api_key_env cannot be empty")
	}
	return nil
}

// APIKey resolves the API key from the environment.
func (s *SessionConfig) APIKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(s.APIKeyEnv))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", s.APIKeyEnv)
	}
	return key, nil
}

// Validate validates audio configuration. The sample rates are fixed by the
// wire protocol and are configurable only so a mismatch fails loudly.
func (a *AudioConfig) Validate() error {
	if a.InputSampleRate != media.InputSampleRate {
		return fmt.Errorf("input_sample_rate must be %d Hz, got %d",
			media.InputSampleRate, a.InputSampleRate)
	}
	if a.OutputSampleRate != media.OutputSampleRate {
		return fmt.Errorf("output_sample_rate must be %d Hz, got %d",
			media.OutputSampleRate, a.OutputSampleRate)
	}
	if a.BlockSize < 256 || a.BlockSize > 65536 {
		return fmt.Errorf("block_size must be between 256 and 65536 samples, got %d", a.BlockSize)
	}
	return nil
}

// Validate validates video configuration.
func (v *VideoConfig) Validate() error {
	if v.Width < 1 || v.Height < 1 {
		return fmt.Errorf("width and height must be positive, got %dx%d", v.Width, v.Height)
	}
	if v.FrameRate < 1 || v.FrameRate > 60 {
		return fmt.Errorf("frame_rate must be between 1 and 60, got %d", v.FrameRate)
	}
	if v.Quality < 2 || v.Quality > 31 {
		return fmt.Errorf("quality must be between 2 and 31, got %d", v.Quality)
	}
	return nil
}

// Validate validates metrics configuration.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && strings.TrimSpace(m.Address) == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog.Level.
func (l *LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
