package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is not set.
const DefaultPath = "config/config.yaml"

// Record backends
const (
	RecordBackendFile = "file"
	RecordBackendSQL  = "sql"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Worker struct {
		Count          int `yaml:"count"`
		PollIntervalMS int `yaml:"poll_interval_ms"`
	} `yaml:"worker"`

	Storage struct {
		UploadDir     string `yaml:"upload_dir"`
		OutputDir     string `yaml:"output_dir"`
		JobStateDir   string `yaml:"job_state_dir"`
		RecordBackend string `yaml:"record_backend"`
	} `yaml:"storage"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Pipeline struct {
		FFmpegPath      string `yaml:"ffmpeg_path"`
		PythonPath      string `yaml:"python_path"`
		WhisperModel    string `yaml:"whisper_model"`
		Language        string `yaml:"language"`
		MinSegmentWords int    `yaml:"min_segment_words"`
		LLMCommand      string `yaml:"llm_command"`
		LLMChunkChars   int    `yaml:"llm_chunk_chars"`
	} `yaml:"pipeline"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
		MirrorRecords   bool   `yaml:"mirror_records"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"limits"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000
	cfg.Worker.Count = 1
	cfg.Worker.PollIntervalMS = 1000
	cfg.Storage.UploadDir = "uploads"
	cfg.Storage.OutputDir = "outputs"
	cfg.Storage.JobStateDir = "job_state"
	cfg.Storage.RecordBackend = RecordBackendFile
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "data/metadata.db"
	cfg.Pipeline.FFmpegPath = "ffmpeg"
	cfg.Pipeline.PythonPath = "python"
	cfg.Pipeline.WhisperModel = "small"
	cfg.Pipeline.MinSegmentWords = 10
	cfg.Pipeline.LLMCommand = "ollama run llama3"
	cfg.Pipeline.LLMChunkChars = 6000
	cfg.GoogleDrive.CredentialsFile = "credentials.json"
	cfg.GoogleDrive.TokenFile = "token.json"
	cfg.GoogleDrive.FolderName = "Audio Pipeline"
	cfg.Limits.MaxFileSizeMB = 500
	cfg.Cleanup.IntervalMinutes = 60
	cfg.Cleanup.MaxAgeHours = 24
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Metrics.Enabled = true
	return cfg
}

// Load reads .env, the YAML file at path (or $CONFIG_PATH when path is
// empty) and environment overrides, then validates the result. A missing
// file leaves the defaults in place.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	if path == "" {
		path = getEnv("CONFIG_PATH", DefaultPath)
	}

	cfg := Default()
	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Storage.RecordBackend = getEnv("RECORD_BACKEND", cfg.Storage.RecordBackend)
	cfg.GoogleDrive.CredentialsFile = getEnv("GDRIVE_CREDENTIALS_FILE", cfg.GoogleDrive.CredentialsFile)
	cfg.GoogleDrive.MirrorRecords = getEnvBool("GDRIVE_MIRROR_RECORDS", cfg.GoogleDrive.MirrorRecords)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Count != 1 {
		return fmt.Errorf("worker.count must be 1 (jobs run one at a time), got %d", c.Worker.Count)
	}
	if c.Worker.PollIntervalMS <= 0 {
		return fmt.Errorf("worker.poll_interval_ms must be positive, got %d", c.Worker.PollIntervalMS)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Storage.RecordBackend {
	case RecordBackendFile, RecordBackendSQL:
	default:
		return fmt.Errorf("storage.record_backend must be file or sql, got %q", c.Storage.RecordBackend)
	}
	if c.Limits.MaxFileSizeMB <= 0 {
		return fmt.Errorf("limits.max_file_size_mb must be positive, got %d", c.Limits.MaxFileSizeMB)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxFileBytes is the upload size limit in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Limits.MaxFileSizeMB) * 1024 * 1024
}

// PollInterval is how long the idle worker sleeps between queue checks.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMS) * time.Millisecond
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
