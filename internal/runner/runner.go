// Package runner provides safe command execution with workspace bounds,
// timeouts, and output size limits. Build and flash steps run through it.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const defaultGracePeriod = 5 * time.Second

// Runner executes commands safely within a workspace boundary.
type Runner struct {
	Workspace string
	Timeout   time.Duration
	MaxOutput int // bytes

	// GracePeriod is how long a cancelled command's process group has
	// between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// Echo, when set, receives a copy of stdout and stderr as they are
	// produced.
	Echo io.Writer
}

// Command describes one invocation.
type Command struct {
	Argv []string
	// Dir is resolved relative to the workspace root and must remain
	// within it.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

// Run executes a command with the given argv. The first element is the
// binary name (resolved via PATH), and the rest are arguments.
// cwd is resolved relative to the workspace root and must remain within it.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	return r.Exec(ctx, Command{Argv: argv, Dir: cwd})
}

// Exec runs c. A non-zero exit is reported through Result.ExitCode, not
// as an error.
func (r *Runner) Exec(ctx context.Context, c Command) (*Result, error) {
	argv := c.Argv
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	// Resolve and validate cwd.
	dir, err := r.resolveDir(c.Dir)
	if err != nil {
		return nil, err
	}

	maxOutput := r.MaxOutput
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	runID := uuid.New().String()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	// Build tools fork compilers and linkers; signal the whole group so
	// none of them outlive a cancelled build.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var escalate *time.Timer
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		escalate = time.AfterFunc(grace, func() {
			_ = unix.Kill(-pid, unix.SIGKILL)
		})
		return unix.Kill(-pid, unix.SIGTERM)
	}
	cmd.WaitDelay = grace + time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = r.tee(&limitWriter{buf: &stdout, limit: maxOutput})
	cmd.Stderr = r.tee(&limitWriter{buf: &stderr, limit: maxOutput})

	start := time.Now()
	runErr := cmd.Run()
	if escalate != nil {
		escalate.Stop()
	}

	truncated := stdout.Len() >= maxOutput || stderr.Len() >= maxOutput

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == nil {
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		} else {
			exitCode = -1
		}
	}

	return &Result{
		RunID:     runID,
		Argv:      argv,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: truncated,
		Cancelled: ctx.Err() != nil,
		Duration:  time.Since(start),
	}, nil
}

func (r *Runner) tee(w io.Writer) io.Writer {
	if r.Echo == nil {
		return w
	}
	return io.MultiWriter(w, r.Echo)
}

// resolveDir resolves cwd relative to the workspace and validates it
// is within the workspace boundary.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	var dir string
	if filepath.IsAbs(cwd) {
		dir = filepath.Clean(cwd)
	} else {
		dir = filepath.Clean(filepath.Join(r.Workspace, cwd))
	}

	// Ensure dir is within workspace.
	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
