// Package settings provides a file-backed inference.SettingsStore, the
// persistence mechanism the Dispatcher reads per-request for per-runner
// parameters, the guardian configuration, and default-model choices.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// FileStore persists inference.EngineSettings as JSON using the same
// atomic write-then-rename discipline as the model manager's metadata file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore rooted at path. The file need not exist
// yet; LoadSettings returns the zero-value EngineSettings until the first
// SaveSettings call.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

var _ inference.SettingsStore = (*FileStore)(nil)

// LoadSettings reads the settings file, returning an empty EngineSettings
// if it does not exist yet.
func (s *FileStore) LoadSettings(_ context.Context) (inference.EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return inference.EngineSettings{}, nil
	}
	if err != nil {
		return inference.EngineSettings{}, fmt.Errorf("settings: reading %s: %w", s.path, err)
	}

	var out inference.EngineSettings
	if err := json.Unmarshal(data, &out); err != nil {
		return inference.EngineSettings{}, fmt.Errorf("settings: parsing %s: %w", s.path, err)
	}
	return out, nil
}

// SaveSettings writes settings to disk atomically via a temp file and
// rename, so a crash mid-write never leaves a truncated settings file.
func (s *FileStore) SaveSettings(_ context.Context, settings inference.EngineSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: serializing: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}
