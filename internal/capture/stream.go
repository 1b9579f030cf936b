package capture

import (
	"bytes"
	"errors"
	"io"
)

// EventKind identifies an Event.
type EventKind int

const (
	// EventLine carries one line of output, including its newline. The
	// last line of a source may lack one.
	EventLine EventKind = iota
	// EventSourceEnded reports that the source closed its output.
	EventSourceEnded
	// EventSpawnFailed reports that the source could not be opened.
	EventSpawnFailed
)

// Event is sent from the Streamer to the Supervisor.
type Event struct {
	Kind EventKind
	Text string

	// Err is the read or exit error for EventSourceEnded and the open
	// error for EventSpawnFailed.
	Err error

	// Exited is set on EventSourceEnded when the source reported how it
	// exited, in which case Err is the process exit error.
	Exited bool
}

const readChunk = 4096

// Streamer reads a Stream and emits one EventLine per newline-terminated
// line, followed by a single EventSourceEnded. Sends block while the
// consumer is behind; closing stop makes the Streamer give up.
type Streamer struct {
	stream Stream
	events chan<- Event
	stop   <-chan struct{}
}

func NewStreamer(stream Stream, events chan<- Event, stop <-chan struct{}) *Streamer {
	return &Streamer{stream: stream, events: events, stop: stop}
}

// Run reads until the stream ends or stop is closed.
func (s *Streamer) Run() {
	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			start := 0
			for {
				i := bytes.IndexByte(pending[start:], '\n')
				if i < 0 {
					break
				}
				end := start + i + 1
				if !s.send(Event{Kind: EventLine, Text: string(pending[start:end])}) {
					return
				}
				start = end
			}
			pending = append(pending[:0], pending[start:]...)
		}

		if err != nil {
			if len(pending) > 0 {
				if !s.send(Event{Kind: EventLine, Text: string(pending)}) {
					return
				}
			}
			s.send(s.ended(err))
			return
		}

		if n == 0 {
			select {
			case <-s.stop:
				return
			default:
			}
		}
	}
}

func (s *Streamer) ended(readErr error) Event {
	ev := Event{Kind: EventSourceEnded}
	if !errors.Is(readErr, io.EOF) {
		ev.Err = readErr
	}
	if w, ok := s.stream.(Waiter); ok {
		ev.Exited = true
		ev.Err = w.Wait()
	}
	return ev
}

func (s *Streamer) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}
