package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// DirStore writes artifacts below a root directory as
// <root>/<session id>/<name>.
type DirStore struct {
	root string
}

// NewDirStore returns a store rooted at dir. The directory is created on the
// first save.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

func (s *DirStore) sessionDir(sessionID string) (string, error) {
	if validName(sessionID) != nil || filepath.Base(sessionID) != sessionID {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, sessionID), nil
}

func (s *DirStore) path(sessionID, name string) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	return resolve(dir, name)
}

// Save implements Store.
func (s *DirStore) Save(sessionID, name string, data []byte) error {
	p, err := s.path(sessionID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

// Get implements Store.
func (s *DirStore) Get(sessionID, name string) ([]byte, error) {
	p, err := s.path(sessionID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List implements Store.
func (s *DirStore) List(sessionID string) ([]string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	files, err := walk(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	slices.Sort(out)
	return out, nil
}

// Delete implements Store.
func (s *DirStore) Delete(sessionID, name string) error {
	p, err := s.path(sessionID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return nil
}
