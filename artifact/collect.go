package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// CollectOptions bounds Collect.
type CollectOptions struct {
	// MaxFileSize skips larger files (default: 10 MiB).
	MaxFileSize int64
	// MaxFiles stops after this many files (default: 100).
	MaxFiles int
}

// Collect copies the regular files of workspace into store under sessionID
// and returns their names. Files over the size limit are skipped.
func Collect(store Store, sessionID, workspace string, optFns ...func(o *CollectOptions)) ([]string, error) {
	opts := CollectOptions{MaxFileSize: 10 << 20, MaxFiles: 100}
	for _, fn := range optFns {
		fn(&opts)
	}

	files, err := walk(workspace)
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}

	var names []string
	for _, f := range files {
		if len(names) >= opts.MaxFiles {
			break
		}
		if opts.MaxFileSize > 0 && f.Size > opts.MaxFileSize {
			continue
		}
		data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(f.Path)))
		if err != nil {
			return names, fmt.Errorf("read %s: %w", f.Path, err)
		}
		if err := store.Save(sessionID, f.Path, data); err != nil {
			return names, fmt.Errorf("save %s: %w", f.Path, err)
		}
		names = append(names, f.Path)
	}
	return names, nil
}
