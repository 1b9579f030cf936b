package capture

import (
	"errors"
	"time"
)

// State is a Session lifecycle state.
type State int

const (
	Created State = iota
	Running
	Completed
	Failed
	TimedOut
	Cancelling
	Terminated
)

var stateNames = map[State]string{
	Created:    "created",
	Running:    "running",
	Completed:  "completed",
	Failed:     "failed",
	TimedOut:   "timed_out",
	Cancelling: "cancelling",
	Terminated: "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether s is a state in which Run has produced its
// Outcome.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, TimedOut, Terminated:
		return true
	}
	return false
}

// transitions lists the legal successors of each state. States are
// never revisited.
var transitions = map[State][]State{
	Created:    {Running, Cancelling},
	Running:    {Completed, Failed, TimedOut, Cancelling},
	Completed:  {Cancelling},
	Failed:     {Cancelling},
	TimedOut:   {Cancelling},
	Cancelling: {Terminated},
}

func (s State) canMoveTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Error kinds reported through Outcome.Err. Test with errors.Is.
var (
	// ErrSpawn means the process could not be started.
	ErrSpawn = errors.New("spawn failure")
	// ErrConnection means the serial device could not be opened or is
	// not the expected device.
	ErrConnection = errors.New("connection failure")
	// ErrUnexpectedEnd means the source ended before the sentinel
	// appeared.
	ErrUnexpectedEnd = errors.New("source ended before sentinel")
	// ErrReadTimeout means no output arrived within the read timeout.
	ErrReadTimeout = errors.New("no output within read timeout")
	// ErrEscalation means the source was abandoned because forced
	// termination did not complete in time.
	ErrEscalation = errors.New("forced termination did not complete")
	// ErrCancelled means the session was cancelled from outside.
	ErrCancelled = errors.New("session cancelled")
)

// Outcome is the terminal result of a Session.
type Outcome struct {
	SessionID string

	// Kind is Completed, Failed or TimedOut.
	Kind State

	// State is the session state when Run returned. It equals Kind
	// unless the session was cancelled, in which case it is Terminated.
	State State

	// Text is the captured output: everything up to and including the
	// line that completed the sentinel for Completed, and whatever was
	// received before the session ended otherwise.
	Text string

	// Position is the byte offset of the sentinel in Text, or -1.
	Position int

	// Err is nil for Completed and describes the failure otherwise.
	Err error

	// ExitCode is the process exit status when the source was a process
	// that exited, and -1 when unknown.
	ExitCode int

	Started time.Time
	Ended   time.Time
}

// Reason returns Err as text, or "" for a successful outcome.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Duration returns how long the session ran.
func (o Outcome) Duration() time.Duration {
	return o.Ended.Sub(o.Started)
}
