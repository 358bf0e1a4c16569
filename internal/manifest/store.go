// Package manifest persists the registered app list: a JSON file
// holding the app metadata records, plus an fsnotify directory watcher
// that triggers reload when the file or the module base directory
// changes outside the running process.
//
// The manager never imports this package: cmd/apphostd calls Store.Load
// and hands the records to Manager.Load, and persists changes through
// the api package's Saver callback. That keeps the lifecycle engine
// independent of how the app list is stored.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apphost/apphost/internal/app"
)

// Store persists the app list as a JSON array of app.Info at Path.
type Store struct {
	Path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the manifest file and returns its app.Info entries. A
// missing file is not an error; it returns an empty list, matching the
// "first run, nothing registered yet" case.
func (s *Store) Load() ([]app.Info, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: load %s: %w", s.Path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var infos []app.Info
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", s.Path, err)
	}
	return infos, nil
}

// Save writes infos as a JSON array, creating parent directories as
// needed.
func (s *Store) Save(infos []app.Info) error {
	if infos == nil {
		infos = []app.Info{}
	}
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("manifest: mkdir %s: %w", filepath.Dir(s.Path), err)
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", s.Path, err)
	}
	return nil
}
