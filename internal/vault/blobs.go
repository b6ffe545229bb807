package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned when a blob key has no stored content.
var ErrBlobNotFound = errors.New("blob not found")

var blobKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// BlobStore keeps sealed product contents as files under one directory.
type BlobStore struct {
	dir    string
	sealer *Sealer
	logger *slog.Logger
}

// NewBlobStore ensures dir exists and returns a store sealing with sealer.
func NewBlobStore(dir string, sealer *Sealer, logger *slog.Logger) (*BlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory is empty")
	}
	if sealer == nil {
		return nil, ErrKeyMissing
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &BlobStore{
		dir:    dir,
		sealer: sealer,
		logger: logger.With("component", "vault"),
	}, nil
}

// Put seals content and stores it under a fresh key.
func (b *BlobStore) Put(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sealed, err := b.sealer.Seal(content)
	if err != nil {
		return "", err
	}
	key := uuid.NewString()
	tmp := b.path(key) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, b.path(key)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	b.logger.Debug("blob stored", "key", key, "size", len(content))
	return key, nil
}

// Get reads and decrypts the blob stored under key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blobKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("blob key %q: %w", key, ErrBlobNotFound)
	}
	sealed, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob key %q: %w", key, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return b.sealer.Open(sealed)
}

// Delete removes a blob. Missing blobs are ignored.
func (b *BlobStore) Delete(key string) error {
	if !blobKeyPattern.MatchString(key) {
		return nil
	}
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (b *BlobStore) path(key string) string {
	return filepath.Join(b.dir, key+".bin")
}
