// Package credentials defines the secret-store contract the activation
// pipeline consumes. Encryption at rest is the store implementation's
// concern, not the engine's.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists (key, secret) pairs and hands back nothing but success:
// secrets are write-only from the engine's point of view.
type Store interface {
	Put(ctx context.Context, key, secret string) error
	Delete(ctx context.Context, key string) error
}

// FileStore is a minimal reference implementation: a 0600 JSON file mapping
// key -> secret. Deployments with real secret managers plug in their own
// Store.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credentials path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Put(ctx context.Context, key, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credential key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	m[key] = secret
	return s.saveLocked(m)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.saveLocked(m)
}

func (s *FileStore) loadLocked() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("credentials file corrupt: %w", err)
		}
	}
	return m, nil
}

func (s *FileStore) saveLocked(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
