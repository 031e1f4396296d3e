// Package storage provides the named-buffer file space used by the media engine
// and the delivery targets for exported cuts.
// It defines the Storage interface (port) and implementations for local disk
// and S3 storage.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

// Static errors for storage operations.
var (
	// ErrNotFound is returned when no buffer is stored under the requested key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrInvalidKey is returned when a key is not a plain file name.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
)

// Storage is a flat key to bytes mapping backed by files.
// Writes under an existing key replace the previous contents (last writer wins).
type Storage interface {
	// Put stores data under key, overwriting any prior entry.
	Put(ctx context.Context, key string, data io.Reader) error

	// Get opens the buffer stored under key.
	// The caller is responsible for closing the returned ReadCloser.
	// Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the buffer stored under key. Missing keys are ignored.
	Delete(ctx context.Context, key string) error

	// Path returns the on-disk location of key, whether or not it exists yet.
	Path(key string) (string, error)

	// Dir returns the directory that holds all keys.
	Dir() string

	// Publish uploads data to the configured object store and returns its URL.
	// Returns ErrS3NotConfigured if no object store is configured.
	Publish(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}

// ValidateKey reports whether key can be used as a file space name.
// Keys are bare file names: no separators, no dot entries, no leading dash and
// no colon, so they can never be read as a command line flag or a protocol URL.
func ValidateKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return ErrInvalidKey
	case strings.ContainsAny(key, `/\:`+"\x00"):
		return ErrInvalidKey
	case strings.HasPrefix(key, "-"):
		return ErrInvalidKey
	case filepath.Base(key) != key:
		return ErrInvalidKey
	}
	return nil
}
