// Package capture supervises a single benchmark session: it opens a
// session source (a spawned process or a serial device), streams its
// output line by line, watches the cumulative text for a completion
// sentinel, enforces a per-read timeout, and tears the source down when
// the session ends or is cancelled.
//
// A Session moves through Created, Running, one of Completed, Failed or
// TimedOut, and, when cancelled, Cancelling and Terminated. Run returns
// exactly one Outcome per Session.
//
// Cancellation of a process-backed source sends SIGTERM to the process
// group, waits for the grace period, then sends SIGKILL. If the process
// still has not exited within the kill wait, the session gives up on it
// and reports ErrEscalation instead of blocking. Serial-backed sources
// cannot be killed; cancelling them closes the port.
package capture
