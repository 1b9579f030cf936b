// Package logging builds the structured logger shared by lvbench
// commands.
package logging

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// New returns a logger writing to w. When w is a terminal the output is
// human-readable text; otherwise it is JSON, one record per line, so
// that CI logs and MCP clients can parse it.
func New(w io.Writer, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler)
}

// Stderr is New(os.Stderr, verbose).
func Stderr(verbose bool) *slog.Logger {
	return New(os.Stderr, verbose)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
