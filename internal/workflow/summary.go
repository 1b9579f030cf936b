package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/deixis/lvbench/internal/report"
)

// failureTail is how many output lines a failed action's summary shows.
const failureTail = 20

// FirstLine returns the first non-empty line of s, trimmed.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// Summary renders rr as the short report printed after an action.
func Summary(rr *report.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s: %s", rr.Kind, rr.Board, rr.Config, rr.Status)
	if rr.Duration > 0 {
		fmt.Fprintf(&b, " (%s)", rr.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "\nrecord: %s\n", rr.ID)
	if rr.SessionID != "" {
		fmt.Fprintf(&b, "session: %s", rr.SessionID)
		if rr.State != "" {
			fmt.Fprintf(&b, " (%s)", rr.State)
		}
		b.WriteString("\n")
	}
	if rr.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", FirstLine(rr.Reason))
	}
	if !rr.Passed() {
		if steps := FormatSteps(rr.Steps); steps != "" {
			b.WriteString("steps:\n")
			b.WriteString(steps)
		}
		if lines := report.Tail(rr, failureTail); len(lines) > 0 {
			b.WriteString("output:\n")
			for _, l := range lines {
				fmt.Fprintf(&b, "  %5d  %s\n", l.Number, l.Text)
			}
		}
	}
	return b.String()
}

// FormatSteps lists toolchain commands one per line.
func FormatSteps(steps []report.Step) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "  $ %s", truncateLines(strings.Join(s.Argv, " "), 1))
		if s.ExitCode != 0 {
			fmt.Fprintf(&b, "  [exit %d]", s.ExitCode)
		}
		if s.Duration > 0 {
			fmt.Fprintf(&b, "  %s", s.Duration.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	result := strings.Join(lines[:maxLines], "\n")
	result += fmt.Sprintf(" ... (%d more lines)", len(lines)-maxLines)
	return result
}
