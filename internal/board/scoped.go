package board

import (
	"errors"
	"fmt"
	"os"
)

// Scoped replaces the contents of path with content for the duration of
// fn and restores the original bytes and mode afterwards, whether fn
// succeeds, fails or panics. A file that did not exist is removed again.
func Scoped(path string, content []byte, fn func() error) (err error) {
	original, readErr := os.ReadFile(path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return fmt.Errorf("saving %s: %w", path, readErr)
	}
	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}

	defer func() {
		var restoreErr error
		if existed {
			restoreErr = os.WriteFile(path, original, mode)
		} else {
			restoreErr = os.Remove(path)
			if errors.Is(restoreErr, os.ErrNotExist) {
				restoreErr = nil
			}
		}
		if restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("restoring %s: %w", path, restoreErr))
		}
	}()

	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return fn()
}
