package config

import (
	"bytes"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiocut/internal/engine"
)

var configEnv = []string{
	"PORT", "TEMP_DIR", "FFMPEG_PATH", "DEFAULT_CODEC_STRATEGY",
	"MAX_UPLOAD_BYTES", "MAX_SESSIONS", "PLAYBACK_FRAME_MS",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"LOG_FORMAT", "LOG_LEVEL",
}

// clearEnv unsets every variable read by Load for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/tmp/audiocut", cfg.TempDir)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "stream-copy", cfg.DefaultCodecStrategy)
	assert.Equal(t, int64(209715200), cfg.MaxUploadBytes)
	assert.Equal(t, 64, cfg.MaxSessions)
	assert.Equal(t, 20, cfg.PlaybackFrameMS)
	assert.Equal(t, "cuts/", cfg.S3Prefix)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.S3Enabled())
	assert.Equal(t, engine.StrategyStreamCopy, cfg.CodecStrategy())
	assert.Equal(t, 20*time.Millisecond, cfg.FrameDuration())
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("TEMP_DIR", "/custom/temp")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("DEFAULT_CODEC_STRATEGY", "re-encode")
	t.Setenv("MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("MAX_SESSIONS", "4")
	t.Setenv("PLAYBACK_FRAME_MS", "50")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "/custom/temp", cfg.TempDir)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, engine.StrategyReEncode, cfg.CodecStrategy())
	assert.Equal(t, int64(1048576), cfg.MaxUploadBytes)
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.Equal(t, 50*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.S3Enabled())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"non-numeric port", "PORT", "not-a-number", nil},
		{"non-numeric frame", "PLAYBACK_FRAME_MS", "fast", nil},
		{"unknown strategy", "DEFAULT_CODEC_STRATEGY", "lossless", ErrInvalidCodecStrategy},
		{"zero frame", "PLAYBACK_FRAME_MS", "0", ErrInvalidFrameDuration},
		{"zero upload limit", "MAX_UPLOAD_BYTES", "0", ErrInvalidUploadLimit},
		{"bucket without region", "S3_BUCKET", "my-bucket", ErrS3RegionRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_S3Enabled(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		region   string
		expected bool
	}{
		{"both set", "bucket", "region", true},
		{"only bucket", "bucket", "", false},
		{"only region", "", "region", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				S3Bucket: tt.bucket,
				S3Region: tt.region,
			}
			assert.Equal(t, tt.expected, cfg.S3Enabled())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DefaultCodecStrategy: "stream-copy",
			MaxUploadBytes:       1024,
			PlaybackFrameMS:      20,
		}
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("empty strategy defaults to stream copy", func(t *testing.T) {
		cfg := valid()
		cfg.DefaultCodecStrategy = ""
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, engine.StrategyStreamCopy, cfg.CodecStrategy())
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := valid()
		cfg.DefaultCodecStrategy = "copy"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidCodecStrategy)
	})

	t.Run("negative frame", func(t *testing.T) {
		cfg := valid()
		cfg.PlaybackFrameMS = -5
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidFrameDuration)
	})
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:               8080,
		TempDir:            "/tmp/test",
		FFmpegPath:         "ffmpeg",
		S3Bucket:           "bucket",
		S3Region:           "region",
		AWSAccessKeyID:     "access-key",
		AWSSecretAccessKey: "secret-key",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()

	// Should contain non-sensitive values
	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "/tmp/test")
	assert.Contains(t, str, "bucket")

	// Should NOT contain sensitive values
	assert.NotContains(t, str, "access-key")
	assert.NotContains(t, str, "secret-key")
}

func TestConfig_NewLogger_JSON(t *testing.T) {
	cfg := &Config{
		LogFormat: "json",
		LogLevel:  "info",
	}

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))

	var buf bytes.Buffer
	testLogger := slog.New(slog.NewJSONHandler(&buf, nil))
	testLogger.Info("test message")

	assert.Contains(t, buf.String(), `"msg"`)
	assert.Contains(t, buf.String(), "test message")
}

func TestConfig_NewLogger_Text(t *testing.T) {
	cfg := &Config{
		LogFormat: "text",
		LogLevel:  "debug",
	}

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}
