package runner

import (
	"strings"
	"time"
)

// Result holds the output of a command execution.
type Result struct {
	RunID     string   // unique identifier for this run
	Argv      []string // the command that ran
	ExitCode  int      // process exit code, -1 if it was killed
	Stdout    []byte   // captured stdout (may be truncated)
	Stderr    []byte   // captured stderr (may be truncated)
	Truncated bool     // true if output exceeded the size cap
	Cancelled bool     // true if the context ended before the command did
	Duration  time.Duration
}

// Success reports whether the command ran to completion with exit code 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.Cancelled
}

// Tail returns the last n lines of stderr, or of stdout when stderr is
// empty. Build tools often report the actual failure at the very end.
func (r *Result) Tail(n int) string {
	out := strings.TrimRight(string(r.Stderr), "\n")
	if out == "" {
		out = strings.TrimRight(string(r.Stdout), "\n")
	}
	lines := strings.Split(out, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
