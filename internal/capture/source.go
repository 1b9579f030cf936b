package capture

import (
	"context"
	"fmt"
	"io"
)

// Source opens the byte stream a Session reads from.
type Source interface {
	fmt.Stringer

	// Open starts the process or connects to the device. Errors wrap
	// ErrSpawn or ErrConnection.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open session source.
//
// Read may return (0, nil) when a poll interval elapses without data;
// the reader simply retries. Read returns io.EOF once the source has
// ended. Close releases the handle and unblocks a pending Read.
type Stream interface {
	io.ReadCloser
}

// Terminator is implemented by streams backed by a process that can be
// signalled. Streams without it are only closed on teardown.
type Terminator interface {
	// Terminate asks the process to stop gracefully.
	Terminate() error
	// Kill forcibly stops the process and any descendants it started.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Waiter is implemented by streams that can report how the source
// exited once its output has ended.
type Waiter interface {
	Wait() error
}
