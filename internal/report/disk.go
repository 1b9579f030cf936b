package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// DiskStore writes each RunResult as a compressed JSON file. The
// directory is created lazily on the first Save; an empty directory
// selects a fresh temp directory.
type DiskStore struct {
	mu    sync.Mutex
	dir   string
	codec Codec
}

// NewDiskStore creates a DiskStore rooted at dir.
func NewDiskStore(dir string, codec Codec) *DiskStore {
	if codec == "" {
		codec = CodecZstd
	}
	return &DiskStore{dir: dir, codec: codec}
}

// Dir returns the directory records are written to, creating it if
// needed.
func (s *DiskStore) Dir() (string, error) {
	return s.ensureDir()
}

// Save writes a RunResult to disk.
func (s *DiskStore) Save(result *RunResult) error {
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling result %s: %w", result.ID, err)
	}
	data, err = s.codec.encode(data)
	if err != nil {
		return fmt.Errorf("compressing result %s: %w", result.ID, err)
	}
	path := filepath.Join(dir, result.ID+s.codec.ext())
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing result %s: %w", result.ID, err)
	}
	return nil
}

// Load reads a RunResult from disk. Records written with any codec are
// found, so changing the configured compression keeps old records
// readable.
func (s *DiskStore) Load(runID string) (*RunResult, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.HasPrefix(runID, ".") {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	for _, c := range codecs {
		data, err := os.ReadFile(filepath.Join(dir, runID+c.ext()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading result %s: %w", runID, err)
		}
		return decodeResult(runID, c, data)
	}
	return nil, fmt.Errorf("reading result %s: %w", runID, os.ErrNotExist)
}

// List reads every record in the directory. Files that cannot be
// decoded are skipped.
func (s *DiskStore) List(board string) ([]*RunResult, error) {
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	var out []*RunResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, c, ok := parseRecordName(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		r, err := decodeResult(id, c, data)
		if err != nil {
			continue
		}
		if board == "" || r.Board == board {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(results []*RunResult) {
	slices.SortStableFunc(results, func(a, b *RunResult) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
}

func parseRecordName(name string) (string, Codec, bool) {
	for _, c := range codecs {
		if id, ok := strings.CutSuffix(name, c.ext()); ok && id != "" {
			return id, c, true
		}
	}
	return "", "", false
}

func decodeResult(runID string, c Codec, data []byte) (*RunResult, error) {
	data, err := c.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decompressing result %s: %w", runID, err)
	}
	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshalling result %s: %w", runID, err)
	}
	return &result, nil
}

func (s *DiskStore) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "lvbench-runs-*")
		if err != nil {
			return "", fmt.Errorf("creating result directory: %w", err)
		}
		s.dir = dir
		return dir, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating result directory: %w", err)
	}
	return s.dir, nil
}
