package artifact

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// validName accepts slash separated relative paths that stay inside their
// root.
func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) || filepath.IsAbs(name) {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// resolve joins name to dir, rejecting names that leave dir.
func resolve(dir, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(path.Clean(name))), nil
}

// File describes a regular file below a directory.
type File struct {
	Path string `json:"path"` // slash separated, relative
	Size int64  `json:"size"`
}

// walk lists the regular files below dir. Symlinks are not followed.
func walk(dir string) ([]File, error) {
	var out []File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, File{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	return out, err
}
