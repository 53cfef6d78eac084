package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// FindUp searches dir and then each of its parents for an entry with the given relative path,
// returning the first match or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
