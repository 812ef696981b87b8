// Package profilestore persists named firewall profiles as one file each.
package profilestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/plexsphere/fwpanel/internal/fsutil"
)

// FileStore keeps profiles as <Dir>/<name><Extension>.
type FileStore struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a FileStore. Config defaults are applied automatically.
func New(cfg Config, logger *slog.Logger) (*FileStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FileStore{cfg: cfg, logger: logger.With("component", "profilestore")}, nil
}

// Dir returns the directory the store reads and writes.
func (s *FileStore) Dir() string { return s.cfg.Dir }

// fileName maps name to its file. Names starting with '.' would be hidden
// from ListNames and are rejected.
func (s *FileStore) fileName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '/') || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("profilestore: invalid profile name %q", name)
	}
	return name + s.cfg.Extension, nil
}

// Read returns the serialized profile called name.
func (s *FileStore) Read(name string) ([]byte, error) {
	file, err := s.fileName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, file))
	if err != nil {
		return nil, fmt.Errorf("profilestore: read %q: %w", name, err)
	}
	return data, nil
}

// Write stores data as the profile called name, replacing it atomically.
func (s *FileStore) Write(name string, data []byte) error {
	file, err := s.fileName(name)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.cfg.Dir, file, data, 0o644); err != nil {
		return fmt.Errorf("profilestore: write %q: %w", name, err)
	}
	s.logger.Debug("profile written", "name", name)
	return nil
}

// Delete removes the profile called name and reports whether it existed.
func (s *FileStore) Delete(name string) (bool, error) {
	file, err := s.fileName(name)
	if err != nil {
		return false, err
	}
	existed, err := fsutil.RemoveFile(s.cfg.Dir, file)
	if err != nil {
		return false, fmt.Errorf("profilestore: delete %q: %w", name, err)
	}
	if existed {
		s.logger.Debug("profile deleted", "name", name)
	}
	return existed, nil
}

// ListNames returns the sorted names of all stored profiles. A missing
// directory holds no profiles.
func (s *FileStore) ListNames() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profilestore: list: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), s.cfg.Extension)
		if !ok || name == "" {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
