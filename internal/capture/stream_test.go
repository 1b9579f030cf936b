package capture

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(b []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(b, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type waitingReader struct {
	*chunkReader
	exitErr error
}

func (r *waitingReader) Wait() error { return r.exitErr }

func collect(t *testing.T, stream Stream) []Event {
	t.Helper()
	events := make(chan Event, 64)
	stop := make(chan struct{})
	NewStreamer(stream, events, stop).Run()
	close(events)
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamer_SplitsLines(t *testing.T) {
	events := collect(t, &chunkReader{chunks: []string{"one\ntw", "o\n", "", "three\nfour"}})

	var lines []string
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != EventLine {
			t.Fatalf("event kind = %v, want EventLine", ev.Kind)
		}
		lines = append(lines, ev.Text)
	}
	want := []string{"one\n", "two\n", "three\n", "four"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}

	last := events[len(events)-1]
	if last.Kind != EventSourceEnded {
		t.Fatalf("last event kind = %v, want EventSourceEnded", last.Kind)
	}
	if last.Err != nil || last.Exited {
		t.Errorf("last event = %+v, want clean end without exit info", last)
	}
}

func TestStreamer_SkipsEmptyReads(t *testing.T) {
	events := collect(t, &chunkReader{chunks: []string{"", "", "a\n", ""}})
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Text != "a\n" {
		t.Errorf("Text = %q, want %q", events[0].Text, "a\n")
	}
}

func TestStreamer_ReadErrorEndsSource(t *testing.T) {
	readErr := errors.New("device unplugged")
	events := collect(t, &chunkReader{chunks: []string{"x\n"}, err: readErr})
	last := events[len(events)-1]
	if last.Kind != EventSourceEnded {
		t.Fatalf("last event kind = %v, want EventSourceEnded", last.Kind)
	}
	if !errors.Is(last.Err, readErr) {
		t.Errorf("Err = %v, want %v", last.Err, readErr)
	}
}

func TestStreamer_ReportsExit(t *testing.T) {
	exitErr := errors.New("exit status 2")
	events := collect(t, &waitingReader{chunkReader: &chunkReader{chunks: []string{"bye\n"}}, exitErr: exitErr})
	last := events[len(events)-1]
	if !last.Exited {
		t.Error("Exited = false, want true")
	}
	if !errors.Is(last.Err, exitErr) {
		t.Errorf("Err = %v, want %v", last.Err, exitErr)
	}
}

func TestStreamer_StopUnblocksSend(t *testing.T) {
	events := make(chan Event)
	stop := make(chan struct{})
	close(stop)
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewStreamer(&chunkReader{chunks: []string{"a\nb\nc\n"}}, events, stop).Run()
	}()
	<-done
}
