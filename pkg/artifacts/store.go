package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RefPrefix is the content-address scheme every module ref carries.
const RefPrefix = "sha256:"

// Store is content-addressed storage for overlay Wasm modules. Put returns
// the "sha256:<hex>" ref that manifests use as module_ref; Fetch resolves it.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// parseRef validates a module ref and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return "", fmt.Errorf("invalid module ref %q: missing %s prefix", ref, RefPrefix)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("invalid module ref %q: %w", ref, err)
	}
	return digest, nil
}

func refFor(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	return RefPrefix + digest, digest
}

// FileStore is a filesystem-backed Store. Blobs are written to a temp file
// and renamed in, so a crashed Put never leaves a partial module readable.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a module store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure module dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, digest := refFor(data)
	path := filepath.Join(s.baseDir, digest+".wasm")

	// Content-addressed, so an existing blob is already the right bytes.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write module blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit module blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, digest+".wasm"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("module not found: %s", ref)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, digest+".wasm")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, digest+".wasm")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
