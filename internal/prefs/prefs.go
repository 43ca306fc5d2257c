// Package prefs remembers the last camera a user scanned with, keyed by host
// or profile, so the next session can select it again.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiroq/qrscan/internal/fileutil"
)

// ErrNotFound is returned when no device is stored for a key.
var ErrNotFound = errors.New("prefs: no stored device")

// Store persists the preferred device id per key.
type Store interface {
	LoadDevice(ctx context.Context, key string) (string, error)
	SaveDevice(ctx context.Context, key, deviceID string) error
}

type fileEntry struct {
	DeviceID  string    `json:"device_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps preferences in a single JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore stores preferences at path, creating its directory on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns ~/.cache/qrscan/prefs.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "qrscan", "prefs.json")
}

// LoadDevice returns the stored device for key.
func (s *FileStore) LoadDevice(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return "", err
	}
	e, ok := entries[key]
	if !ok || e.DeviceID == "" {
		return "", ErrNotFound
	}
	return e.DeviceID, nil
}

// SaveDevice records deviceID for key.
func (s *FileStore) SaveDevice(ctx context.Context, key, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[key] = fileEntry{DeviceID: deviceID, UpdatedAt: time.Now().UTC()}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create prefs directory: %w", err)
	}
	return fileutil.WriteJSON(s.path, entries)
}

func (s *FileStore) read() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("read prefs: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse prefs: %w", err)
	}
	return entries, nil
}
