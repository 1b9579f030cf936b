package board

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/deixis/lvbench/internal/report"
)

// Requirer is implemented by boards that need host tools on PATH. It
// returns the tools action needs for t.
type Requirer interface {
	Requires(action report.Kind, t Target) []string
}

// toolInfo holds install hints for a known tool.
type toolInfo struct {
	Package string // Debian/Ubuntu package
	URL     string
}

var knownTools = map[string]toolInfo{
	"bash":    {Package: "bash"},
	"cmake":   {Package: "cmake", URL: "https://cmake.org/download/"},
	"make":    {Package: "make"},
	"python3": {Package: "python3"},
	"ssh":     {Package: "openssh-client"},
	"scp":     {Package: "openssh-client"},
	"find":    {Package: "findutils"},
}

var lookPath = exec.LookPath

// ErrToolUnavailable is returned when a required tool is not installed.
// It includes install instructions when the tool is known.
type ErrToolUnavailable struct {
	Name string
	Info *toolInfo
}

func NewErrToolUnavailable(name string) ErrToolUnavailable {
	e := ErrToolUnavailable{Name: name}
	if info, ok := knownTools[name]; ok {
		e.Info = &info
	}
	return e
}

func (e ErrToolUnavailable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is required but not installed.", e.Name)
	if e.Info == nil {
		return b.String()
	}
	if e.Info.Package != "" {
		fmt.Fprintf(&b, "\nInstall: apt install %s", e.Info.Package)
	}
	if e.Info.URL != "" {
		fmt.Fprintf(&b, "\nSee: %s", e.Info.URL)
	}
	return b.String()
}

// CheckTools reports every tool in names that is not on PATH.
func CheckTools(names []string) error {
	var errs []error
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			errs = append(errs, NewErrToolUnavailable(name))
		}
	}
	return errors.Join(errs...)
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellJoin quotes each argument and joins them with spaces.
func shellJoin(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
