package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deixis/lvbench/internal/clock"
)

const (
	DefaultReadTimeout = 120 * time.Second
	DefaultGracePeriod = 30 * time.Second
	DefaultKillWait    = 5 * time.Second

	eventBuffer = 8
)

// Options configures a Supervisor. Zero durations take the defaults.
type Options struct {
	Source   Source
	Sentinel string

	// ReadTimeout is the longest the session waits between lines.
	ReadTimeout time.Duration
	// GracePeriod is how long a terminated process has to exit before
	// it is killed.
	GracePeriod time.Duration
	// KillWait bounds the wait after SIGKILL, and the wait for the
	// reader to drain, before the source is abandoned.
	KillWait time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor runs one Session. Create it with New, call Run once, and
// call Cancel from any goroutine to stop it.
type Supervisor struct {
	id     string
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	started   bool
	stream    Stream
	cancelled chan struct{}

	cancelOnce   sync.Once
	teardownOnce sync.Once
	abandonErr   error

	stop         chan struct{}
	producerDone chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Sentinel == "" {
		opts.Sentinel = DefaultSentinel
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &Supervisor{
		id:        id,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("session", id, "source", sourceName(opts.Source)),
		state:     Created,
		cancelled: make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func sourceName(src Source) string {
	if src == nil {
		return "<none>"
	}
	return src.String()
}

// ID returns the session ID.
func (s *Supervisor) ID() string { return s.id }

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setLocked moves to next if the transition is legal and reports
// whether it did.
func (s *Supervisor) setLocked(next State) bool {
	if !s.state.canMoveTo(next) {
		return false
	}
	s.logger.Debug("session state", "from", s.state, "to", next)
	s.state = next
	return true
}

// Run executes the session and returns its Outcome. It returns once the
// source has been torn down or abandoned. Cancelling ctx is equivalent
// to calling Cancel.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	start := s.clock.Now()

	s.mu.Lock()
	if s.started || s.state != Created {
		state := s.state
		s.mu.Unlock()
		err := errors.New("session already run")
		if state == Terminated {
			err = ErrCancelled
		}
		return Outcome{SessionID: s.id, Kind: Failed, State: state, Err: err,
			Position: -1, ExitCode: -1, Started: start, Ended: start}
	}
	s.started = true
	s.setLocked(Running)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("session started", "sentinel", s.opts.Sentinel,
		"read_timeout", s.opts.ReadTimeout)

	o := s.supervise(ctx)
	o.SessionID = s.id
	o.Started = start
	return s.finish(o)
}

func (s *Supervisor) supervise(ctx context.Context) Outcome {
	watcher := NewWatcher(s.opts.Sentinel)
	events := make(chan Event, eventBuffer)

	if s.opts.Source == nil {
		return s.handle(watcher, Event{Kind: EventSpawnFailed,
			Err: fmt.Errorf("%w: no source configured", ErrSpawn)})
	}

	stream, err := s.opts.Source.Open(ctx)
	if err != nil {
		if s.isCancelled() {
			return s.cancelledOutcome(watcher)
		}
		return s.handle(watcher, Event{Kind: EventSpawnFailed, Err: err})
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.producerDone = make(chan struct{})
	go func() {
		defer close(s.producerDone)
		NewStreamer(stream, events, s.stop).Run()
	}()

	timer := s.clock.NewTimer(s.opts.ReadTimeout)
	defer timer.Stop()

	done := ctx.Done()
	for {
		select {
		case ev := <-events:
			if o, end := s.handleEvent(watcher, ev); end {
				return o
			}
			timer.Reset(s.opts.ReadTimeout)

		case <-timer.C:
			s.logger.Warn("read timeout", "after", s.opts.ReadTimeout)
			return Outcome{
				Kind:     TimedOut,
				Text:     watcher.Text(),
				Position: -1,
				ExitCode: -1,
				Err:      fmt.Errorf("%w (%s)", ErrReadTimeout, s.opts.ReadTimeout),
			}

		case <-s.cancelled:
			return s.cancelledOutcome(watcher)

		case <-done:
			done = nil
			s.Cancel()
		}
	}
}

// handle is used for events that always end the session.
func (s *Supervisor) handle(w *Watcher, ev Event) Outcome {
	o, _ := s.handleEvent(w, ev)
	return o
}

// handleEvent applies one event and reports whether it ends the session.
func (s *Supervisor) handleEvent(w *Watcher, ev Event) (Outcome, bool) {
	switch ev.Kind {
	case EventLine:
		pos, found := w.Feed(ev.Text)
		if !found {
			return Outcome{}, false
		}
		s.logger.Info("sentinel found", "offset", pos)
		return Outcome{Kind: Completed, Text: w.Text(), Position: pos, ExitCode: -1}, true

	case EventSourceEnded:
		o := Outcome{Kind: Failed, Text: w.Text(), Position: -1, ExitCode: -1}
		switch {
		case ev.Exited && ev.Err == nil:
			o.ExitCode = 0
			o.Err = fmt.Errorf("%w: exit status 0", ErrUnexpectedEnd)
		case ev.Exited:
			o.ExitCode = exitCode(ev.Err)
			o.Err = fmt.Errorf("%w: %w", ErrUnexpectedEnd, ev.Err)
		case ev.Err != nil:
			o.Err = fmt.Errorf("%w: %w", ErrUnexpectedEnd, ev.Err)
		default:
			o.Err = ErrUnexpectedEnd
		}
		s.logger.Warn("source ended before sentinel", "err", o.Err)
		return o, true

	case EventSpawnFailed:
		s.logger.Error("source failed to open", "err", ev.Err)
		return Outcome{Kind: Failed, Text: w.Text(), Position: -1, ExitCode: -1, Err: ev.Err}, true
	}
	return Outcome{}, false
}

func (s *Supervisor) cancelledOutcome(w *Watcher) Outcome {
	return Outcome{
		Kind:     Failed,
		Text:     w.Text(),
		Position: -1,
		ExitCode: -1,
		Err:      ErrCancelled,
	}
}

func (s *Supervisor) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// finish records the terminal state, tears the source down and fills in
// the remaining Outcome fields.
func (s *Supervisor) finish(o Outcome) Outcome {
	s.mu.Lock()
	s.setLocked(o.Kind)
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	if s.state == Cancelling {
		s.setLocked(Terminated)
	}
	o.State = s.state
	s.mu.Unlock()

	if s.abandonErr != nil && errors.Is(o.Err, ErrCancelled) {
		o.Err = errors.Join(o.Err, s.abandonErr)
	}
	o.Ended = s.clock.Now()

	s.logger.Info("session finished",
		"kind", o.Kind,
		"state", o.State,
		"reason", o.Reason(),
		"bytes", len(o.Text),
		"duration", o.Duration())
	return o
}

// Cancel stops the session. It is safe to call from any goroutine, any
// number of times, before, during or after Run.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	switch s.state {
	case Cancelling, Terminated:
		s.mu.Unlock()
		return
	case Created:
		s.setLocked(Cancelling)
		s.setLocked(Terminated)
		s.mu.Unlock()
		s.signalCancel()
		s.logger.Info("session cancelled before start")
		return
	case Running:
		s.setLocked(Cancelling)
		s.mu.Unlock()
		s.signalCancel()
		s.logger.Info("cancelling session")
		return
	}

	// The session already reached a terminal outcome. Make sure the
	// source is gone and record the cancellation.
	s.setLocked(Cancelling)
	s.mu.Unlock()
	s.signalCancel()
	s.teardown()
	s.mu.Lock()
	if s.state == Cancelling {
		s.setLocked(Terminated)
	}
	s.mu.Unlock()
}

func (s *Supervisor) signalCancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// teardown stops the reader and releases the source exactly once.
func (s *Supervisor) teardown() {
	s.teardownOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			return
		}

		var errs []error
		if t, ok := stream.(Terminator); ok {
			if err := s.stopProcess(t); err != nil {
				errs = append(errs, err)
			}
		}
		if err := stream.Close(); err != nil {
			s.logger.Warn("closing source", "err", err)
		}

		select {
		case <-s.producerDone:
		case <-s.clock.After(s.opts.KillWait):
			errs = append(errs, fmt.Errorf("%w: reader still blocked %s after close", ErrEscalation, s.opts.KillWait))
		}

		if len(errs) > 0 {
			s.abandonErr = errors.Join(errs...)
			s.logger.Error("abandoning source", "err", s.abandonErr)
		}
	})
}

// groupStopper is implemented by process streams whose process group
// and descendants may outlive the lead process.
type groupStopper interface {
	RecordDescendants()
	Sweep() error
	Survivors() []int32
}

// stopProcess sends a graceful stop, escalates to a kill after the grace
// period, and gives up after the kill wait. Process groups are swept
// with a kill in every case, including a lead that already exited.
func (s *Supervisor) stopProcess(t Terminator) error {
	if g, ok := t.(groupStopper); ok {
		g.RecordDescendants()
		defer s.sweep(g)
	}

	select {
	case <-t.Done():
		return nil
	default:
	}

	s.logger.Info("terminating source", "grace_period", s.opts.GracePeriod)
	if err := t.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "err", err)
	}
	select {
	case <-t.Done():
		return nil
	case <-s.clock.After(s.opts.GracePeriod):
	}

	s.logger.Warn("grace period elapsed, killing source")
	if err := t.Kill(); err != nil {
		s.logger.Warn("kill failed", "err", err)
	}
	select {
	case <-t.Done():
	case <-s.clock.After(s.opts.KillWait):
		return fmt.Errorf("%w: source still running %s after kill", ErrEscalation, s.opts.KillWait)
	}
	return nil
}

func (s *Supervisor) sweep(g groupStopper) {
	if err := g.Sweep(); err != nil {
		s.logger.Warn("sweeping process group", "err", err)
	}
	if alive := g.Survivors(); len(alive) > 0 {
		s.logger.Warn("descendants survived kill", "pids", alive)
	}
}
