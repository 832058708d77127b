package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"CONFIG_PATH", "SERVER_HOST", "SERVER_PORT", "DATABASE_DRIVER", "DATABASE_DSN",
	"LOG_LEVEL", "LOG_FORMAT", "RECORD_BACKEND", "GDRIVE_CREDENTIALS_FILE",
	"GDRIVE_MIRROR_RECORDS", "METRICS_ENABLED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 || cfg.Worker.Count != 1 {
		t.Errorf("defaults not applied: port=%d workers=%d", cfg.Server.Port, cfg.Worker.Count)
	}
	if cfg.Storage.RecordBackend != RecordBackendFile {
		t.Errorf("RecordBackend = %q, expected %q", cfg.Storage.RecordBackend, RecordBackendFile)
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("PollInterval() = %v, expected 1s", cfg.PollInterval())
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9000
  host: 127.0.0.1
database:
  driver: sqlite
  dsn: /tmp/meta.db
limits:
  max_file_size_mb: 2
  allowed_extensions: [".wav", ".mp3"]
pipeline:
  whisper_model: medium
`)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GDRIVE_MIRROR_RECORDS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"port from env", cfg.Server.Port, 9100},
		{"host from file", cfg.Server.Host, "127.0.0.1"},
		{"dsn from file", cfg.Database.DSN, "/tmp/meta.db"},
		{"level from env", cfg.Logging.Level, "debug"},
		{"format default", cfg.Logging.Format, "console"},
		{"model from file", cfg.Pipeline.WhisperModel, "medium"},
		{"python default", cfg.Pipeline.PythonPath, "python"},
		{"mirror from env", cfg.GoogleDrive.MirrorRecords, true},
		{"max bytes", cfg.MaxFileBytes(), int64(2 * 1024 * 1024)},
		{"extensions", len(cfg.Limits.AllowedExtensions), 2},
		{"addr", cfg.Addr(), "127.0.0.1:9100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %v, expected %v", tt.got, tt.expected)
			}
		})
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 8123\n")
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Port = %d, expected 8123", cfg.Server.Port)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unterminated")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"two workers", func(c *Config) { c.Worker.Count = 2 }, "worker.count must be 1"},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }, "worker.count must be 1"},
		{"bad poll", func(c *Config) { c.Worker.PollIntervalMS = 0 }, "poll_interval_ms"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres ok", func(c *Config) { c.Database.Driver = "postgres" }, ""},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad backend", func(c *Config) { c.Storage.RecordBackend = "s3" }, "record_backend"},
		{"sql backend ok", func(c *Config) { c.Storage.RecordBackend = RecordBackendSQL }, ""},
		{"zero size", func(c *Config) { c.Limits.MaxFileSizeMB = 0 }, "max_file_size_mb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, expected to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_BOOL", "false")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d, expected 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt with bad value = %d, expected default 7", got)
	}
	if got := getEnvBool("TEST_BOOL", true); got {
		t.Error("getEnvBool = true, expected false")
	}
	if got := getEnv("TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("getEnv = %q, expected fallback", got)
	}
}
