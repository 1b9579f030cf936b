package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SkipText is written in place of benchmark output for boards whose
// runs are disabled.
const SkipText = "Skip"

// ResultFiles manages the per-board results files read by the benchmark
// dashboard. Each file holds the captured output of the last completed
// run and nothing else.
type ResultFiles struct {
	Dir string
}

// Path returns the results file for name.
func (f *ResultFiles) Path(name string) string {
	return filepath.Join(f.Dir, name+".txt")
}

// Clear removes a stale results file so a failed run cannot be mistaken
// for a completed one. A missing file is not an error.
func (f *ResultFiles) Clear(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(f.Path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing results for %s: %w", name, err)
	}
	return nil
}

// Write replaces the results file for name. Readers see either the old
// file, no file, or the complete new one.
func (f *ResultFiles) Write(name, text string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}
	if err := writeAtomic(f.Path(name), []byte(text)); err != nil {
		return fmt.Errorf("writing results for %s: %w", name, err)
	}
	return nil
}

// Read returns the results file for name.
func (f *ResultFiles) Read(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path(name))
	if err != nil {
		return "", fmt.Errorf("reading results for %s: %w", name, err)
	}
	return string(data), nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid results name %q", name)
	}
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
