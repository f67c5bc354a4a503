// Package config provides the configuration structure for the voiceclone
// client and worker.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// EnvBackendURL overrides backend.url when set.
const EnvBackendURL = "VOICECLONE_BACKEND_URL"

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreNATS   = "nats"
)

// Defaults.
const (
	defaultBackendURL          = "http://localhost:8000"
	defaultLoginPath           = "/api/auth/token/"
	defaultTimeoutSeconds      = 60
	defaultRedisPrefix         = "voiceclone:"
	defaultKVBucket            = "VOICECLONE_TOKENS"
	defaultMaxFiles            = 10
	defaultMaxFileSizeMB       = 50
	defaultTrainingInterval    = 15
	defaultValidationInterval  = 3
	defaultWorkers             = 4
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultTextSubject         = "text.processed"
	defaultAudioBucket         = "AUDIO_FILES"
	defaultMetricsListenAddr   = ":9102"
	defaultCredentialsFileName = "credentials.toml"
	defaultAppDirName          = "voiceclone"
	dirPermissions             = 0o750
)

var (
	// ErrBackendURLEmpty indicates that no backend origin is configured.
	ErrBackendURLEmpty = errors.New("backend url cannot be empty")
	// ErrBackendURLInvalid indicates that the backend origin is not an absolute http(s) URL.
	ErrBackendURLInvalid = errors.New("backend url must be an absolute http(s) url")
	// ErrUnknownStore indicates an unsupported session store kind.
	ErrUnknownStore = errors.New("unknown session store")
	// ErrWorkersRange indicates a non-positive batch worker count.
	ErrWorkersRange = errors.New("batch workers must be positive")
)

// BackendConfig describes the remote voice-cloning service.
type BackendConfig struct {
	URL             string `toml:"url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	LoginPath       string `toml:"login_path"`
	CoalesceRefresh bool   `toml:"coalesce_refresh"`
}

// SessionConfig selects where the credential pair is persisted.
type SessionConfig struct {
	Store       string `toml:"store"`
	FilePath    string `toml:"file_path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	KVBucket    string `toml:"kv_bucket"`
}

// UploadConfig holds the local limits applied before samples are uploaded.
type UploadConfig struct {
	MaxFiles          int      `toml:"max_files"`
	MaxFileSizeMB     int      `toml:"max_file_size_mb"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// PollingConfig holds the intervals of the status polling loops.
type PollingConfig struct {
	TrainingIntervalSeconds   int `toml:"training_interval_seconds"`
	ValidationIntervalSeconds int `toml:"validation_interval_seconds"`
}

// BatchConfig controls the batch TTS engine.
type BatchConfig struct {
	Workers       int  `toml:"workers"`
	NormalizeText bool `toml:"normalize_text"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	TextProcessedSubject   string `toml:"text_processed_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// MetricsConfig configures the worker's Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Config is the root configuration structure.
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Session SessionConfig `toml:"session"`
	Upload  UploadConfig  `toml:"upload"`
	Polling PollingConfig `toml:"polling"`
	Batch   BatchConfig   `toml:"batch"`
	NATS    NATSConfig    `toml:"nats"`
	Paths   PathsConfig   `toml:"paths"`
	Metrics MetricsConfig `toml:"metrics"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile decodes a TOML file. An empty path yields the defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = Parse(data, &cfg)
		if err != nil {
			return nil, err
		}
	}

	return finish(&cfg)
}

// Parse decodes TOML data into cfg without applying defaults.
func Parse(data []byte, cfg *Config) error {
	err := toml.Unmarshal(data, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	return nil
}

func finish(cfg *Config) (*Config, error) {
	if override := strings.TrimSpace(os.Getenv(EnvBackendURL)); override != "" {
		cfg.Backend.URL = override
	}

	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}

	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")

	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Backend.LoginPath == "" {
		c.Backend.LoginPath = defaultLoginPath
	}

	if c.Session.Store == "" {
		c.Session.Store = StoreFile
	}

	if c.Session.FilePath == "" {
		c.Session.FilePath = filepath.Join(configDir(), defaultCredentialsFileName)
	}

	if c.Session.RedisPrefix == "" {
		c.Session.RedisPrefix = defaultRedisPrefix
	}

	if c.Session.KVBucket == "" {
		c.Session.KVBucket = defaultKVBucket
	}

	if c.Upload.MaxFiles == 0 {
		c.Upload.MaxFiles = defaultMaxFiles
	}

	if c.Upload.MaxFileSizeMB == 0 {
		c.Upload.MaxFileSizeMB = defaultMaxFileSizeMB
	}

	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}
	}

	if c.Polling.TrainingIntervalSeconds == 0 {
		c.Polling.TrainingIntervalSeconds = defaultTrainingInterval
	}

	if c.Polling.ValidationIntervalSeconds == 0 {
		c.Polling.ValidationIntervalSeconds = defaultValidationInterval
	}

	if c.Batch.Workers == 0 {
		c.Batch.Workers = defaultWorkers
	}

	if c.NATS.URL == "" {
		c.NATS.URL = defaultNATSURL
	}

	if c.NATS.TextProcessedSubject == "" {
		c.NATS.TextProcessedSubject = defaultTextSubject
	}

	if c.NATS.AudioObjectStoreBucket == "" {
		c.NATS.AudioObjectStoreBucket = defaultAudioBucket
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = filepath.Join(configDir(), "logs")
	}

	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "."
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = defaultMetricsListenAddr
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return ErrBackendURLEmpty
	}

	parsed, err := url.Parse(c.Backend.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrBackendURLInvalid, c.Backend.URL)
	}

	switch c.Session.Store {
	case StoreMemory, StoreFile, StoreRedis, StoreNATS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Session.Store)
	}

	if c.Batch.Workers < 0 {
		return fmt.Errorf("%w: got %d", ErrWorkersRange, c.Batch.Workers)
	}

	return nil
}

// Timeout returns the client-wide request timeout; zero disables it.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds < 0 {
		return 0
	}

	return time.Duration(b.TimeoutSeconds) * time.Second
}

// MaxFileSizeBytes returns the per-file upload limit in bytes.
func (u UploadConfig) MaxFileSizeBytes() int64 {
	return int64(u.MaxFileSizeMB) * 1024 * 1024
}

// TrainingInterval returns the training status polling interval.
func (p PollingConfig) TrainingInterval() time.Duration {
	return time.Duration(p.TrainingIntervalSeconds) * time.Second
}

// ValidationInterval returns the sample validation polling interval.
func (p PollingConfig) ValidationInterval() time.Duration {
	return time.Duration(p.ValidationIntervalSeconds) * time.Second
}

// EnsureDirectories creates the log and output directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.BaseLogsDir, c.Paths.OutputDir} {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultAppDirName)
	}

	return filepath.Join(dir, defaultAppDirName)
}
