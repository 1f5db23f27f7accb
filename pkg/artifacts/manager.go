package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Upload is the result of storing a blob: where it went and what it hashed
// to. Hash and size belong on the artifact metadata document.
type Upload struct {
	Location string
	Hash     string
	Size     int64
}

// Manager stores and retrieves artifact blobs through a Store, addressing
// content by SHA-256. Two identical uploads under the same branch share one
// blob.
type Manager struct {
	store Store
}

// NewManager wraps a blob store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// key lays blobs out as org/hash-prefix/hash, fanning out the directory or
// object namespace by the first two hash characters.
func (m *Manager) key(branchID, hash string) string {
	return fmt.Sprintf("%s/%s/%s", ids.Scope(branchID, 1), hash[:2], hash)
}

// Upload reads the content fully, hashes it and stores it under its
// content address. Re-uploading existing content is a no-op.
func (m *Manager) Upload(ctx context.Context, branchID string, content io.Reader) (*Upload, error) {
	var buf bytes.Buffer
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(&buf, h), content)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact content: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	key := m.key(branchID, hash)
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := m.store.Put(ctx, key, &buf); err != nil {
			return nil, err
		}
	}
	return &Upload{Location: key, Hash: hash, Size: size}, nil
}

// Download opens the blob stored at the given location.
func (m *Manager) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	return m.store.Get(ctx, location)
}

// Exists reports whether a blob is stored at the given location.
func (m *Manager) Exists(ctx context.Context, location string) (bool, error) {
	return m.store.Exists(ctx, location)
}

// Remove deletes the blob at the given location.
func (m *Manager) Remove(ctx context.Context, location string) error {
	return m.store.Delete(ctx, location)
}

// Verify re-hashes the blob at the location and reports whether it still
// matches the recorded hash.
func (m *Manager) Verify(ctx context.Context, location, hash string) (bool, error) {
	rc, err := m.store.Get(ctx, location)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return false, fmt.Errorf("failed to read artifact content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)) == hash, nil
}
