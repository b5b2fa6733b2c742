package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.APIKeyEnv != "GEMINI_API_KEY" {
		t.Fatalf("api_key_env = %q", cfg.Session.APIKeyEnv)
	}
	if cfg.Audio.BlockSize != 4096 {
		t.Fatalf("block_size = %d", cfg.Audio.BlockSize)
	}
	if cfg.Video.Width != 640 || cfg.Video.Height != 360 {
		t.Fatalf("video size = %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  model: models/custom-live
  voice: Kore
video:
  quality: 4
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Model != "models/custom-live" || cfg.Session.Voice != "Kore" {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Video.Quality != 4 {
		t.Fatalf("quality = %d", cfg.Video.Quality)
	}
	// Untouched sections keep their defaults.
	if cfg.Audio.BlockSize != 4096 {
		t.Fatalf("block_size = %d", cfg.Audio.BlockSize)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Fatalf("slog level = %v", cfg.Logging.SlogLevel())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_RejectsWrongSampleRates(t *testing.T) {
	path := writeConfig(t, "audio:\n  input_sample_rate: 44100\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "input_sample_rate") {
		t.Fatalf("err = %v", err)
	}

	path = writeConfig(t, "audio:\n  output_sample_rate: 48000\n")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "output_sample_rate") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty model", "session:\n  model: \"\"\n", "model cannot be empty"},
		{"bad url scheme", "session:\n  url: ftp://example\n", "ws(s) or http(s)"},
		{"bad quality", "video:\n  quality: 40\n", "quality must be between"},
		{"bad level", "logging:\n  level: verbose\n", "level must be one of"},
		{"metrics addr", "metrics:\n  enabled: true\n  address: \"\"\n", "address cannot be empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSessionConfig_APIKeyFromEnv(t *testing.T) {
	s := SessionConfig{APIKeyEnv: "SIGNSTREAM_TEST_KEY"}

	t.Setenv("SIGNSTREAM_TEST_KEY", "")
	if _, err := s.APIKey(); err == nil {
		t.Fatal("expected error for unset key")
	}

	t.Setenv("SIGNSTREAM_TEST_KEY", " secret ")
	key, err := s.APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "secret" {
		t.Fatalf("key = %q", key)
	}
}
