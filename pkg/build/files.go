package build

import (
	"os"
	"path/filepath"

	"github.com/darch-io/darch/pkg/config"
)

// WriteEntry materializes one config entry under root. The entry path
// is absolute within the target system; root is the mounted generation.
func WriteEntry(root, path string, entry config.Entry) error {
	target := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// Replace whatever is there, including dangling symlinks.
	if _, err := os.Lstat(target); err == nil {
		if err := os.Remove(target); err != nil {
			return err
		}
	}

	switch {
	case entry.File != nil:
		mode := os.FileMode(0o644)
		if entry.File.Mode != nil {
			mode = os.FileMode(*entry.File.Mode)
		}
		return os.WriteFile(target, []byte(entry.File.Content), mode)
	case entry.Symlink != nil:
		return os.Symlink(entry.Symlink.Target, target)
	}
	return nil
}

// RemoveEntry deletes a previously managed path. Already gone is fine.
func RemoveEntry(root, path string) error {
	target := filepath.Join(root, path)
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(target)
}

// ForceSymlink replaces whatever is at path with a symlink to target.
func ForceSymlink(path, target string) error {
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return os.Symlink(target, path)
}
