package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Keys persisted across restarts.
const (
	KeyDeviceID    = "device_id"
	KeyUserID      = "user_id"
	KeyAccessToken = "access_token"
)

// Store is a small persistent key/value store.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// FileStore keeps every key in a single JSON object on disk.
type FileStore struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// OpenFileStore loads path, creating its directory if needed. A missing file
// is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &FileStore{path: path, data: map[string]string{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = value
	if err := s.flush(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) flush() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// MemoryStore is a Store that never touches disk.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{}}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// DeviceID returns the persisted device id, generating and saving a fresh one
// the first time (or when the stored value is not a UUID).
func DeviceID(store Store) (uuid.UUID, error) {
	if v, ok := store.Get(KeyDeviceID); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
	}
	id := uuid.New()
	if err := store.Set(KeyDeviceID, id.String()); err != nil {
		return uuid.UUID{}, fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// StatePath is the state file inside dir.
func StatePath(dir string) string {
	return filepath.Join(dir, "state.json")
}
