package objectstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"context"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const filePrefix = "file://"

// LocalStore implements Store against a directory on local (or
// network-mounted) disk, addressing objects with file:// URIs rooted at
// baseDir. It is the default backend for development and single-node
// deployments; a production deployment swaps in whatever Store the
// environment's object storage endpoint requires without touching any
// caller, since every caller depends only on the Store interface.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create base dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("objectstore: resolve base dir: %w", err)
	}
	return &LocalStore{baseDir: abs}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(l.baseDir, clean)
	if !strings.HasPrefix(full, l.baseDir) {
		return "", fmt.Errorf("objectstore: key %q escapes base dir", key)
	}
	return full, nil
}

func (l *LocalStore) uriToPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, filePrefix) {
		return "", fmt.Errorf("objectstore: unsupported URI scheme: %q", uri)
	}
	return l.path(strings.TrimPrefix(uri, filePrefix))
}

// Fetch reads the object uri refers to from disk.
func (l *LocalStore) Fetch(_ context.Context, uri string) ([]byte, error) {
	path, err := l.uriToPath(uri)
	if err != nil {
		return nil, apierr.InvariantViolation("objectstore.fetch", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apierr.NotFound("artifact_body", uri)
		}
		return nil, apierr.TransientIO("objectstore.fetch", err)
	}
	return data, nil
}

// Put writes data under key, creating any missing parent directories, and
// returns the file:// URI it is now reachable at.
func (l *LocalStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", apierr.InvariantViolation("objectstore.put", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apierr.TransientIO("objectstore.put", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apierr.TransientIO("objectstore.put", err)
	}
	return filePrefix + strings.TrimPrefix(path, l.baseDir), nil
}

// Delete removes the object uri refers to. Absence is success.
func (l *LocalStore) Delete(_ context.Context, uri string) error {
	path, err := l.uriToPath(uri)
	if err != nil {
		return apierr.InvariantViolation("objectstore.delete", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apierr.TransientIO("objectstore.delete", err)
	}
	return nil
}
