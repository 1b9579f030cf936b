// Package board knows how to build, start and stop the LVGL benchmark on
// each supported board family. A Board turns a Target into toolchain
// commands and, for runs, into the capture.Source the session reads.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/deixis/lvbench/internal/capture"
	"github.com/deixis/lvbench/internal/config"
	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/runner"
)

// Target names a board and one of its build configurations.
type Target struct {
	Board  string `json:"board"`
	Config string `json:"config"`
}

func (t Target) String() string { return t.Board + "/" + t.Config }

// Validate rejects names that would escape the workspace.
func (t Target) Validate() error {
	for _, v := range []string{t.Board, t.Config} {
		if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("invalid target %q", t)
		}
	}
	return nil
}

// Board is one board family.
type Board interface {
	// Build compiles the benchmark firmware or binary.
	Build(ctx context.Context, t Target) error
	// Prepare flashes or deploys the build and returns the source the
	// benchmark output is read from. It returns ErrRunSkipped when runs
	// are disabled for the board.
	Prepare(ctx context.Context, t Target) (capture.Source, error)
	// Kill stops a benchmark left running outside the session, such as
	// one on a remote host.
	Kill(ctx context.Context, t Target) error
	// ResultName is the results file name for t.
	ResultName(t Target) string
}

var (
	// ErrUnknownBoard is returned by Lookup for names with no board.
	ErrUnknownBoard = errors.New("unknown board")
	// ErrRunSkipped means runs are disabled for the board.
	ErrRunSkipped = errors.New("benchmark run disabled for this board")
	// ErrDeviceNotFound means no attached device matched.
	ErrDeviceNotFound = errors.New("device not found")
)

// CommandError reports a toolchain command that exited unsuccessfully.
type CommandError struct {
	Argv      []string
	ExitCode  int
	Cancelled bool
	Output    string // tail of the command output
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", strings.Join(e.Argv, " "))
	if e.Cancelled {
		b.WriteString(" was cancelled")
	} else {
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	}
	if e.Output != "" {
		b.WriteString(":\n")
		b.WriteString(e.Output)
	}
	return b.String()
}

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Exec(ctx context.Context, c runner.Command) (*runner.Result, error)
}

// Env holds what every board needs.
type Env struct {
	Runner    CommandRunner
	Config    *config.Config
	Workspace string
	Logger    *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// boardFolder is the project directory of a board inside the workspace.
func (e *Env) boardFolder(name string) string {
	return filepath.Join(e.Workspace, name)
}

// lvglFolder is the LVGL checkout shared by all boards.
func (e *Env) lvglFolder() string {
	return filepath.Join(e.Workspace, "lvgl")
}

func jobs() string {
	return strconv.Itoa(runtime.NumCPU())
}

const outputTail = 20

// run executes c, records it as a step and returns a CommandError when
// it does not succeed.
func (e *Env) run(ctx context.Context, c runner.Command) (*runner.Result, error) {
	res, err := e.try(ctx, c)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, &CommandError{
			Argv:      c.Argv,
			ExitCode:  res.ExitCode,
			Cancelled: res.Cancelled,
			Output:    res.Tail(outputTail),
		}
	}
	return res, nil
}

// try executes c and records it, leaving the exit status to the caller.
func (e *Env) try(ctx context.Context, c runner.Command) (*runner.Result, error) {
	e.logger().Info("running", "argv", strings.Join(c.Argv, " "), "dir", c.Dir)
	res, err := e.Runner.Exec(ctx, c)
	if err != nil {
		recordStep(ctx, report.Step{Argv: c.Argv, ExitCode: -1})
		return nil, err
	}
	recordStep(ctx, report.Step{Argv: c.Argv, ExitCode: res.ExitCode, Duration: res.Duration})
	if !res.Success() {
		e.logger().Warn("command failed", "argv", strings.Join(c.Argv, " "), "exit_code", res.ExitCode)
	}
	return res, nil
}

// Steps collects the commands run on behalf of one action.
type Steps struct {
	mu    sync.Mutex
	steps []report.Step
}

// All returns the recorded steps in order.
func (s *Steps) All() []report.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.steps)
}

type stepsKey struct{}

// WithSteps returns a context whose commands are recorded in s.
func WithSteps(ctx context.Context, s *Steps) context.Context {
	return context.WithValue(ctx, stepsKey{}, s)
}

func recordStep(ctx context.Context, step report.Step) {
	s, ok := ctx.Value(stepsKey{}).(*Steps)
	if !ok {
		return
	}
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
}

// Registry maps board names to boards.
type Registry struct {
	env    *Env
	boards map[string]Board
	native Board
}

// NewRegistry registers every board family.
func NewRegistry(env *Env) *Registry {
	native := &Native{env: env}
	r := &Registry{
		env:    env,
		native: native,
		boards: map[string]Board{
			"native":        native,
			"linux":         native,
			"esp32s3":       &ESP32{env: env},
			"stm32u5g9":     &STM32{env: env},
			"renesas-rzg3e": &RZG3E{env: env},
		},
	}
	return r
}

// Lookup returns the board for name. Names without a dedicated family
// resolve to the native CMake build when the workspace has a CMake
// project for them.
func (r *Registry) Lookup(name string) (Board, error) {
	if b, ok := r.boards[name]; ok {
		return b, nil
	}
	if err := (Target{Board: name, Config: "x"}).Validate(); err == nil {
		if _, err := os.Stat(filepath.Join(r.env.boardFolder(name), "CMakeLists.txt")); err == nil {
			return r.native, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBoard, name)
}

// Names returns the registered board names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.boards))
	for name := range r.boards {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
