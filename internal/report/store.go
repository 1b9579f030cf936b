// Package report persists benchmark results: the per-board results file
// that downstream tooling reads, and a structured record of every build,
// run and kill that can be queried later.
package report

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of a run.
type Kind string

const (
	// Build is a firmware or host build.
	Build Kind = "build"
	// Run is a supervised benchmark session.
	Run Kind = "run"
	// Kill stops a benchmark left running on a board.
	Kill Kind = "kill"
)

// Status summarises how a run ended.
type Status string

const (
	Pass      Status = "pass"
	Fail      Status = "fail"
	Timeout   Status = "timeout"
	Cancelled Status = "cancelled"
	Skipped   Status = "skipped"
)

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
	// List returns saved results for board, or for every board when
	// board is empty, newest first.
	List(board string) ([]*RunResult, error)
}

// RunResult is the record kept for one action on one board.
type RunResult struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Board  string `json:"board"`
	Config string `json:"config"`
	Status Status `json:"status"`

	// Session fields, set for runs.
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	ExitCode  int    `json:"exit_code"`

	Reason string `json:"reason,omitempty"`
	Output string `json:"output,omitempty"`
	Digest string `json:"digest,omitempty"` // BLAKE3 of Output

	// Steps lists the toolchain commands the action ran.
	Steps []Step `json:"steps,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Step is one toolchain command.
type Step struct {
	Argv     []string      `json:"argv"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Expect returns an error if the run's Kind does not match want.
func (r *RunResult) Expect(want Kind) error {
	if r.Kind != want {
		return fmt.Errorf("run %s is a %s run, not a %s run", r.ID, r.Kind, want)
	}
	return nil
}

// Passed reports whether the action succeeded. A skipped run counts as
// passed.
func (r *RunResult) Passed() bool {
	return r.Status == Pass || r.Status == Skipped
}

// Line is one line of captured output.
type Line struct {
	Number int    `json:"number"` // 1-based
	Text   string `json:"text"`
}

// Grep returns the output lines containing substr. An empty substr
// matches every line.
func Grep(result *RunResult, substr string) []Line {
	var out []Line
	for i, text := range splitLines(result.Output) {
		if strings.Contains(text, substr) {
			out = append(out, Line{Number: i + 1, Text: text})
		}
	}
	return out
}

// Tail returns the last n output lines.
func Tail(result *RunResult, n int) []Line {
	lines := splitLines(result.Output)
	start := max(0, len(lines)-n)
	out := make([]Line, 0, len(lines)-start)
	for i := start; i < len(lines); i++ {
		out = append(out, Line{Number: i + 1, Text: lines[i]})
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
