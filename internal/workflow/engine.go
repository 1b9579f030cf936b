// Package workflow provides the core execution engine for lvbench's
// build, run and kill actions. It is consumed by both the MCP server
// and the CLI commands.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deixis/lvbench/internal/board"
	"github.com/deixis/lvbench/internal/capture"
	"github.com/deixis/lvbench/internal/clock"
	"github.com/deixis/lvbench/internal/config"
	"github.com/deixis/lvbench/internal/report"
	"github.com/google/uuid"
)

// ErrBusy is returned by Run when the board already has an active
// session.
var ErrBusy = errors.New("board already has an active session")

// Boards resolves board names.
// Implemented by board.Registry.
type Boards interface {
	Lookup(name string) (board.Board, error)
	Names() []string
}

// Engine holds shared dependencies for all workflow operations.
type Engine struct {
	Config  *config.Config
	Boards  Boards
	Store   report.Store
	Results *report.ResultFiles
	Clock   clock.Clock
	Logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*slot
}

// slot is the one session a board may have at a time.
type slot struct {
	target  board.Target
	cancel  context.CancelFunc
	session *capture.Supervisor // nil while the board is being prepared
}

func (e *Engine) clock() clock.Clock {
	if e.Clock == nil {
		return clock.Real()
	}
	return e.Clock
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Engine) lookup(t board.Target) (board.Board, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return e.Boards.Lookup(t.Board)
}

func (e *Engine) newRecord(kind report.Kind, t board.Target) *report.RunResult {
	return &report.RunResult{
		ID:        uuid.NewString(),
		Kind:      kind,
		Board:     t.Board,
		Config:    t.Config,
		ExitCode:  -1,
		StartedAt: e.clock().Now(),
	}
}

// finishRecord fills the fields derived from err and saves rr.
func (e *Engine) finishRecord(rr *report.RunResult, steps *board.Steps, err error) error {
	rr.Steps = steps.All()
	rr.Duration = e.clock().Now().Sub(rr.StartedAt)
	if err == nil {
		if rr.Status == "" {
			rr.Status = report.Pass
			rr.ExitCode = 0
		}
	} else {
		rr.Status = statusOf(err)
		rr.Reason = err.Error()
		var cmdErr *board.CommandError
		if errors.As(err, &cmdErr) {
			rr.ExitCode = cmdErr.ExitCode
			rr.Output = cmdErr.Output
			rr.Digest = report.Digest([]byte(cmdErr.Output))
		}
	}
	if saveErr := e.Store.Save(rr); saveErr != nil {
		return fmt.Errorf("saving %s record: %w", rr.Kind, saveErr)
	}
	return nil
}

func statusOf(err error) report.Status {
	var cmdErr *board.CommandError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, capture.ErrCancelled):
		return report.Cancelled
	case errors.As(err, &cmdErr) && cmdErr.Cancelled:
		return report.Cancelled
	default:
		return report.Fail
	}
}

// checkTools reports missing host tools before any command runs.
func checkTools(b board.Board, action report.Kind, t board.Target) error {
	r, ok := b.(board.Requirer)
	if !ok {
		return nil
	}
	return board.CheckTools(r.Requires(action, t))
}

// Build compiles t. A failed build is reported through the returned
// record; the error is for lookup and storage failures.
func (e *Engine) Build(ctx context.Context, t board.Target) (*report.RunResult, error) {
	b, err := e.lookup(t)
	if err != nil {
		return nil, err
	}

	rr := e.newRecord(report.Build, t)
	steps := &board.Steps{}
	log := e.logger().With("action", "build", "target", t.String())
	log.Info("build started")

	err = checkTools(b, report.Build, t)
	if err == nil {
		err = b.Build(board.WithSteps(ctx, steps), t)
	}
	if err != nil {
		log.Error("build failed", "err", err)
	} else {
		log.Info("build finished")
	}
	return rr, e.finishRecord(rr, steps, err)
}

// Run prepares t and supervises one benchmark session on it. The
// results file is cleared first and written only when the session
// completes.
func (e *Engine) Run(ctx context.Context, t board.Target) (*report.RunResult, error) {
	b, err := e.lookup(t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := e.acquire(t, cancel)
	if err != nil {
		return nil, err
	}
	defer e.release(t.Board, s)

	name := b.ResultName(t)
	if err := e.Results.Clear(name); err != nil {
		return nil, err
	}

	rr := e.newRecord(report.Run, t)
	steps := &board.Steps{}
	log := e.logger().With("action", "run", "target", t.String())

	src, err := e.prepare(ctx, b, t, steps)
	if errors.Is(err, board.ErrRunSkipped) {
		log.Info("run skipped", "reason", err)
		if err := e.Results.Write(name, report.SkipText); err != nil {
			return nil, err
		}
		rr.Status = report.Skipped
		rr.Reason = err.Error()
		rr.ExitCode = 0
		return rr, e.finishRecord(rr, steps, nil)
	}
	if err != nil {
		log.Error("prepare failed", "err", err)
		return rr, e.finishRecord(rr, steps, err)
	}

	session := capture.New(capture.Options{
		Source:      src,
		Sentinel:    e.Config.Session.Sentinel(),
		ReadTimeout: e.Config.Session.ReadTimeout(),
		GracePeriod: e.Config.Session.GracePeriod(),
		KillWait:    e.Config.Session.KillWait(),
		Clock:       e.Clock,
		Logger:      log,
	})
	e.attach(s, session)

	out := session.Run(ctx)
	applyOutcome(rr, out)

	var writeErr error
	if out.Kind == capture.Completed && out.State == capture.Completed {
		writeErr = e.Results.Write(name, out.Text)
		if writeErr != nil {
			rr.Status = report.Fail
			rr.Reason = writeErr.Error()
		}
	}

	rr.Steps = steps.All()
	rr.Duration = out.Ended.Sub(rr.StartedAt)
	if err := e.Store.Save(rr); err != nil {
		return rr, errors.Join(writeErr, fmt.Errorf("saving run record: %w", err))
	}
	return rr, writeErr
}

func (e *Engine) prepare(ctx context.Context, b board.Board, t board.Target, steps *board.Steps) (capture.Source, error) {
	if err := checkTools(b, report.Run, t); err != nil {
		return nil, err
	}
	src, err := b.Prepare(board.WithSteps(ctx, steps), t)
	if err != nil {
		return nil, err
	}
	// A cancel that arrived while flashing ends the run before the
	// source is opened.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrCancelled, err)
	}
	return src, nil
}

// applyOutcome copies a session outcome into its record.
func applyOutcome(rr *report.RunResult, out capture.Outcome) {
	rr.SessionID = out.SessionID
	rr.State = out.State.String()
	rr.ExitCode = out.ExitCode
	rr.Output = out.Text
	rr.Digest = report.Digest([]byte(out.Text))
	rr.Reason = out.Reason()

	switch {
	case out.Kind == capture.Completed && out.State == capture.Completed:
		rr.Status = report.Pass
	case errors.Is(out.Err, capture.ErrCancelled), out.State == capture.Terminated:
		rr.Status = report.Cancelled
	case out.Kind == capture.TimedOut:
		rr.Status = report.Timeout
	default:
		rr.Status = report.Fail
	}
}

// Kill cancels the active session on t's board, if any, then runs the
// board's own kill action.
func (e *Engine) Kill(ctx context.Context, t board.Target) (*report.RunResult, error) {
	b, err := e.lookup(t)
	if err != nil {
		return nil, err
	}

	rr := e.newRecord(report.Kill, t)
	steps := &board.Steps{}
	if id, ok := e.Cancel(t.Board); ok {
		e.logger().Info("cancelled active session", "target", t.String(), "session", id)
		rr.SessionID = id
	}

	err = checkTools(b, report.Kill, t)
	if err == nil {
		err = b.Kill(board.WithSteps(ctx, steps), t)
	}
	return rr, e.finishRecord(rr, steps, err)
}

// Cancel stops the active session on boardName without waiting for it
// to finish. It returns the session ID, which is empty when the board
// was still being prepared, and whether anything was active.
func (e *Engine) Cancel(boardName string) (string, bool) {
	e.mu.Lock()
	s, ok := e.active[boardName]
	var session *capture.Supervisor
	if ok {
		session = s.session
	}
	e.mu.Unlock()
	if !ok {
		return "", false
	}

	s.cancel()
	if session == nil {
		return "", true
	}
	session.Cancel()
	return session.ID(), true
}

// Session describes an active session.
type Session struct {
	Target    board.Target
	SessionID string
	State     string
}

// Active returns the sessions in progress, keyed by board.
func (e *Engine) Active() map[string]Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Session, len(e.active))
	for name, s := range e.active {
		info := Session{Target: s.target, State: "preparing"}
		if s.session != nil {
			info.SessionID = s.session.ID()
			info.State = s.session.State().String()
		}
		out[name] = info
	}
	return out
}

func (e *Engine) acquire(t board.Target, cancel context.CancelFunc) (*slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = make(map[string]*slot)
	}
	if cur, ok := e.active[t.Board]; ok {
		return nil, fmt.Errorf("%w: %s is running %s", ErrBusy, t.Board, cur.target)
	}
	s := &slot{target: t, cancel: cancel}
	e.active[t.Board] = s
	return s, nil
}

func (e *Engine) attach(s *slot, session *capture.Supervisor) {
	e.mu.Lock()
	s.session = session
	e.mu.Unlock()
}

func (e *Engine) release(boardName string, s *slot) {
	e.mu.Lock()
	if e.active[boardName] == s {
		delete(e.active, boardName)
	}
	e.mu.Unlock()
}

// Show loads a saved record.
func (e *Engine) Show(runID string) (*report.RunResult, error) {
	return e.Store.Load(runID)
}

// History lists saved records for boardName, or for every board when
// it is empty, newest first.
func (e *Engine) History(boardName string) ([]*report.RunResult, error) {
	return e.Store.List(boardName)
}
