// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/audiocut/internal/engine"
)

// Static errors for configuration validation.
var (
	// ErrInvalidCodecStrategy is returned when DEFAULT_CODEC_STRATEGY is not a known strategy.
	ErrInvalidCodecStrategy = errors.New("config: DEFAULT_CODEC_STRATEGY must be stream-copy or re-encode")
	// ErrInvalidFrameDuration is returned when PLAYBACK_FRAME_MS is not positive.
	ErrInvalidFrameDuration = errors.New("config: PLAYBACK_FRAME_MS must be positive")
	// ErrInvalidUploadLimit is returned when MAX_UPLOAD_BYTES is not positive.
	ErrInvalidUploadLimit = errors.New("config: MAX_UPLOAD_BYTES must be positive")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/audiocut" json:"temp_dir"`

	// Engine settings
	FFmpegPath           string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	DefaultCodecStrategy string `env:"DEFAULT_CODEC_STRATEGY, default=stream-copy" json:"default_codec_strategy"`

	// Session settings
	MaxUploadBytes  int64 `env:"MAX_UPLOAD_BYTES, default=209715200" json:"max_upload_bytes"`
	MaxSessions     int   `env:"MAX_SESSIONS, default=64" json:"max_sessions"` // 0 means unlimited
	PlaybackFrameMS int   `env:"PLAYBACK_FRAME_MS, default=20" json:"playback_frame_ms"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX, default=cuts/" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// CodecStrategy returns the parsed default codec strategy.
func (c *Config) CodecStrategy() engine.Strategy {
	s, err := engine.ParseStrategy(c.DefaultCodecStrategy)
	if err != nil {
		return engine.StrategyStreamCopy
	}
	return s
}

// FrameDuration returns the playback frame length.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.PlaybackFrameMS) * time.Millisecond
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, err := engine.ParseStrategy(c.DefaultCodecStrategy); err != nil {
		return ErrInvalidCodecStrategy
	}
	if c.PlaybackFrameMS <= 0 {
		return ErrInvalidFrameDuration
	}
	if c.MaxUploadBytes <= 0 {
		return ErrInvalidUploadLimit
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, FFmpegPath: %s, DefaultCodecStrategy: %s, MaxUploadBytes: %d, MaxSessions: %d, PlaybackFrameMS: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.FFmpegPath,
		c.DefaultCodecStrategy,
		c.MaxUploadBytes,
		c.MaxSessions,
		c.PlaybackFrameMS,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
