package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// ProcessSource spawns a command and streams its combined stdout and
// stderr. The command runs in its own process group so that teardown can
// signal everything it started.
type ProcessSource struct {
	Argv []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
}

func (p *ProcessSource) String() string {
	return strings.Join(p.Argv, " ")
}

// Open starts the command. The returned Stream also implements
// Terminator and Waiter.
func (p *ProcessSource) Open(ctx context.Context) (Stream, error) {
	if len(p.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	// Both stdout and stderr go to the same pipe so output keeps the
	// order in which the process wrote it.
	output, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating output pipe: %w", ErrSpawn, err)
	}

	// Not CommandContext: the session owns the process lifetime and
	// escalates on its own schedule.
	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		output.Close()
		w.Close()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrSpawn, p.Argv[0], err)
	}
	w.Close()

	s := &processStream{
		cmd:         cmd,
		output:      output,
		pid:         cmd.Process.Pid,
		done:        make(chan struct{}),
		descendants: make(map[int32]struct{}),
	}
	go s.reap()
	return s, nil
}

type processStream struct {
	cmd    *exec.Cmd
	output *os.File
	pid    int

	done    chan struct{}
	waitErr error

	mu          sync.Mutex
	descendants map[int32]struct{}
}

func (s *processStream) Read(b []byte) (int, error) { return s.output.Read(b) }

func (s *processStream) Close() error {
	err := s.output.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (s *processStream) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.done)
}

// Wait blocks until the process has exited and returns its exit error.
func (s *processStream) Wait() error {
	<-s.done
	return s.waitErr
}

func (s *processStream) Done() <-chan struct{} { return s.done }

// PID returns the process ID, which is also the process group ID.
func (s *processStream) PID() int { return s.pid }

func (s *processStream) Terminate() error {
	s.RecordDescendants()
	return signalGroup(s.pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process group and to every descendant seen
// so far, which covers children that moved to a group of their own.
func (s *processStream) Kill() error {
	s.RecordDescendants()
	return s.Sweep()
}

// Sweep kills whatever is left of the process group and the recorded
// descendants. It is safe to call after the lead process has exited;
// the group outlives its leader while any member is running.
func (s *processStream) Sweep() error {
	err := signalGroup(s.pid, unix.SIGKILL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.descendants {
		if processRunning(pid) {
			_ = unix.Kill(int(pid), unix.SIGKILL)
		}
	}
	return err
}

// Survivors returns recorded descendants that are still running.
func (s *processStream) Survivors() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var alive []int32
	for pid := range s.descendants {
		if processRunning(pid) {
			alive = append(alive, pid)
		}
	}
	return alive
}

// RecordDescendants remembers the current children of the lead process.
// Once the lead has exited its children are reparented and can no longer
// be found this way.
func (s *processStream) RecordDescendants() {
	select {
	case <-s.done:
		return
	default:
	}
	found := descendantsOf(int32(s.pid))
	s.mu.Lock()
	for _, pid := range found {
		s.descendants[pid] = struct{}{}
	}
	s.mu.Unlock()
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signalling process group %d with %s: %w", pid, sig, err)
	}
	return nil
}

func descendantsOf(pid int32) []int32 {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, child := range children {
		out = append(out, child.Pid)
		out = append(out, descendantsOf(child.Pid)...)
	}
	return out
}

// processRunning reports whether pid names a live, non-zombie process.
func processRunning(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	if status, err := p.Status(); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// exitCode extracts the exit status from a Wait error, or -1 when the
// process was killed by a signal or the error is not an exit error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
