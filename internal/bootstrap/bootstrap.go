// Package bootstrap provides dependency initialization for the audiocut API.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/audiocut/internal/config"
	"github.com/maauso/audiocut/internal/engine"
	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/server"
	"github.com/maauso/audiocut/internal/session"
	"github.com/maauso/audiocut/internal/session/id"
	"github.com/maauso/audiocut/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Handlers *server.Handlers
	Registry *session.MemoryRegistry
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize storage
	root, delivery, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize session registry
	registry := session.NewMemoryRegistry(cfg.MaxSessions)

	handlers := server.NewHandlers(
		registry,
		NewSessionFactory(cfg, root, logger),
		logger,
		server.WithMaxUploadBytes(cfg.MaxUploadBytes),
		server.WithDelivery(delivery),
	)

	return &Dependencies{
		Handlers: handlers,
		Registry: registry,
	}, nil
}

// NewSessionFactory returns a factory that gives every session its own file
// space under root, its own engine and its own player. The file space is
// removed when the session closes.
func NewSessionFactory(cfg *config.Config, root *storage.LocalStorage, logger *slog.Logger) server.SessionFactory {
	return func(sink playback.Sink) (*session.Controller, error) {
		sessionID := id.Generate()

		files, err := root.Sub(sessionID)
		if err != nil {
			return nil, fmt.Errorf("create session file space: %w", err)
		}

		sessionLogger := logger.With(slog.String("session_id", sessionID))
		eng := engine.NewFFmpegEngine(files,
			engine.WithFFmpegPath(cfg.FFmpegPath),
			engine.WithLogger(sessionLogger),
		)
		decoder := playback.NewDecoder(
			playback.WithFFmpegFallback(cfg.FFmpegPath),
			playback.WithDecoderLogger(sessionLogger),
		)
		player := playback.NewPlayer(
			playback.WithSink(sink),
			playback.WithFrameDuration(cfg.FrameDuration()),
			playback.WithPlayerLogger(sessionLogger),
		)

		return session.New(eng,
			session.WithID(sessionID),
			session.WithDecoder(decoder),
			session.WithPlayer(player),
			session.WithDefaultStrategy(cfg.CodecStrategy()),
			session.WithLogger(sessionLogger),
			session.WithOnClose(func() {
				if err := files.RemoveAll(); err != nil {
					sessionLogger.Warn("failed to remove session files",
						slog.String("dir", files.Dir()),
						slog.String("error", err.Error()),
					)
				}
			}),
		), nil
	}
}

// initStorage creates the local root for session file spaces and the delivery
// target for published cuts.
func initStorage(cfg *config.Config, logger *slog.Logger) (*storage.LocalStorage, storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 delivery configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("temp_dir", cfg.TempDir),
		)
		return s3Store.LocalStorage, s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, localStore, nil
}
