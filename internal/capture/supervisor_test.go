package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deixis/lvbench/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestSupervisor(src Source, clk clock.Clock) *Supervisor {
	return New(Options{
		Source:      src,
		ReadTimeout: 10 * time.Second,
		GracePeriod: 30 * time.Second,
		KillWait:    5 * time.Second,
		Clock:       clk,
	})
}

// runAsync starts Run and returns a channel carrying its Outcome.
func runAsync(ctx context.Context, s *Supervisor) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() { ch <- s.Run(ctx) }()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return Outcome{}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSupervisor_Completed(t *testing.T) {
	stream := newFakeStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)

	stream.data <- "boot\n"
	stream.data <- "running\nBenchmark Ov"
	stream.data <- "er: 42 FPS\n"

	o := waitOutcome(t, ch)
	if o.Kind != Completed || o.State != Completed {
		t.Fatalf("Kind/State = %v/%v, want completed/completed (err %v)", o.Kind, o.State, o.Err)
	}
	if o.Err != nil {
		t.Errorf("Err = %v, want nil", o.Err)
	}
	if want := "boot\nrunning\nBenchmark Over: 42 FPS\n"; o.Text != want {
		t.Errorf("Text = %q, want %q", o.Text, want)
	}
	if o.Position != len("boot\nrunning\n") {
		t.Errorf("Position = %d, want %d", o.Position, len("boot\nrunning\n"))
	}
	if !stream.isClosed() {
		t.Error("stream not closed after completion")
	}
	if o.SessionID != s.ID() || o.SessionID == "" {
		t.Errorf("SessionID = %q, want %q", o.SessionID, s.ID())
	}
}

func TestSupervisor_CustomSentinel(t *testing.T) {
	stream := newFakeStream()
	s := New(Options{Source: &fakeSource{stream: stream}, Sentinel: "ALL DONE", Clock: clock.Fake(epoch)})
	ch := runAsync(context.Background(), s)

	stream.data <- "Benchmark Over\n"
	stream.data <- "ALL DONE\n"

	o := waitOutcome(t, ch)
	if o.Kind != Completed {
		t.Fatalf("Kind = %v, want completed", o.Kind)
	}
	if o.Position != len("Benchmark Over\n") {
		t.Errorf("Position = %d", o.Position)
	}
}

func TestSupervisor_SourceEndsEarly(t *testing.T) {
	stream := newFakeStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)

	stream.data <- "partial output\n"
	stream.data <- "no newline"
	close(stream.data)

	o := waitOutcome(t, ch)
	if o.Kind != Failed || o.State != Failed {
		t.Fatalf("Kind/State = %v/%v, want failed/failed", o.Kind, o.State)
	}
	if !errors.Is(o.Err, ErrUnexpectedEnd) {
		t.Errorf("Err = %v, want ErrUnexpectedEnd", o.Err)
	}
	if want := "partial output\nno newline"; o.Text != want {
		t.Errorf("Text = %q, want %q", o.Text, want)
	}
	if o.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", o.ExitCode)
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	src.err = errors.Join(ErrSpawn, src.err)
	s := newTestSupervisor(src, clock.Fake(epoch))

	o := s.Run(context.Background())
	if o.Kind != Failed || o.State != Failed {
		t.Fatalf("Kind/State = %v/%v, want failed/failed", o.Kind, o.State)
	}
	if !errors.Is(o.Err, ErrSpawn) {
		t.Errorf("Err = %v, want ErrSpawn", o.Err)
	}
	if o.Text != "" {
		t.Errorf("Text = %q, want empty", o.Text)
	}
}

func TestSupervisor_NoSource(t *testing.T) {
	o := New(Options{}).Run(context.Background())
	if !errors.Is(o.Err, ErrSpawn) {
		t.Errorf("Err = %v, want ErrSpawn", o.Err)
	}
}

func TestSupervisor_ReadTimeout(t *testing.T) {
	clk := clock.Fake(epoch)
	stream := newFakeStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clk)
	ch := runAsync(context.Background(), s)

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)

	o := waitOutcome(t, ch)
	if o.Kind != TimedOut || o.State != TimedOut {
		t.Fatalf("Kind/State = %v/%v, want timed_out/timed_out", o.Kind, o.State)
	}
	if !errors.Is(o.Err, ErrReadTimeout) {
		t.Errorf("Err = %v, want ErrReadTimeout", o.Err)
	}
	if !stream.isClosed() {
		t.Error("stream not closed after timeout")
	}
}

func TestSupervisor_OutputResetsReadTimeout(t *testing.T) {
	stream := newFakeStream()
	s := New(Options{
		Source:      &fakeSource{stream: stream},
		ReadTimeout: 500 * time.Millisecond,
	})
	ch := runAsync(context.Background(), s)

	// Ten lines spaced well inside the timeout add up to twice the timeout.
	for range 10 {
		time.Sleep(100 * time.Millisecond)
		stream.data <- "tick\n"
	}
	stream.data <- "Benchmark Over\n"

	o := waitOutcome(t, ch)
	if o.Kind != Completed {
		t.Fatalf("Kind = %v, want completed (err %v)", o.Kind, o.Err)
	}
	if got := strings.Count(o.Text, "tick\n"); got != 10 {
		t.Errorf("captured %d ticks, want 10", got)
	}
}

func TestSupervisor_CancelGraceful(t *testing.T) {
	stream := newKillableStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)

	stream.data <- "frame 1\n"
	s.Cancel()

	o := waitOutcome(t, ch)
	if o.Kind != Failed || o.State != Terminated {
		t.Fatalf("Kind/State = %v/%v, want failed/terminated", o.Kind, o.State)
	}
	if !errors.Is(o.Err, ErrCancelled) {
		t.Errorf("Err = %v, want ErrCancelled", o.Err)
	}
	if errors.Is(o.Err, ErrEscalation) {
		t.Errorf("Err = %v, want no escalation", o.Err)
	}
	if !wasClosed(stream.terminated) {
		t.Error("Terminate not called")
	}
	if wasClosed(stream.killed) {
		t.Error("Kill called although the process stopped gracefully")
	}
	if !strings.HasPrefix("frame 1\n", o.Text) {
		t.Errorf("Text = %q, want a prefix of the received output", o.Text)
	}
	if s.State() != Terminated {
		t.Errorf("State() = %v, want terminated", s.State())
	}
}

func TestSupervisor_CancelEscalatesToKill(t *testing.T) {
	clk := clock.Fake(epoch)
	stream := newKillableStream()
	stream.ignoreTerm = true
	s := newTestSupervisor(&fakeSource{stream: stream}, clk)
	ch := runAsync(context.Background(), s)

	clk.WaitForTimers(1) // read timer
	s.Cancel()
	waitClosed(t, stream.terminated, "Terminate")

	clk.WaitForTimers(1) // grace period
	if wasClosed(stream.killed) {
		t.Fatal("Kill called before the grace period elapsed")
	}
	clk.Advance(30 * time.Second)

	o := waitOutcome(t, ch)
	if !wasClosed(stream.killed) {
		t.Error("Kill not called after the grace period")
	}
	if o.State != Terminated {
		t.Errorf("State = %v, want terminated", o.State)
	}
	if !errors.Is(o.Err, ErrCancelled) || errors.Is(o.Err, ErrEscalation) {
		t.Errorf("Err = %v, want ErrCancelled without ErrEscalation", o.Err)
	}
}

func TestSupervisor_CancelAbandonsUnkillableSource(t *testing.T) {
	clk := clock.Fake(epoch)
	stream := newKillableStream()
	stream.ignoreTerm = true
	stream.ignoreKill = true
	s := newTestSupervisor(&fakeSource{stream: stream}, clk)
	ch := runAsync(context.Background(), s)

	clk.WaitForTimers(1)
	s.Cancel()
	waitClosed(t, stream.terminated, "Terminate")
	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)
	waitClosed(t, stream.killed, "Kill")
	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	o := waitOutcome(t, ch)
	if o.State != Terminated {
		t.Errorf("State = %v, want terminated", o.State)
	}
	if !errors.Is(o.Err, ErrCancelled) {
		t.Errorf("Err = %v, want ErrCancelled", o.Err)
	}
	if !errors.Is(o.Err, ErrEscalation) {
		t.Errorf("Err = %v, want ErrEscalation", o.Err)
	}
	if !stream.isClosed() {
		t.Error("stream not closed after abandonment")
	}
}

func TestSupervisor_CancelSerialClosesOnly(t *testing.T) {
	stream := newFakeStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)

	stream.data <- "hello\n"
	s.Cancel()

	o := waitOutcome(t, ch)
	if o.State != Terminated || !errors.Is(o.Err, ErrCancelled) {
		t.Fatalf("State/Err = %v/%v, want terminated/cancelled", o.State, o.Err)
	}
	if !stream.isClosed() {
		t.Error("stream not closed")
	}
}

func TestSupervisor_CancelIdempotent(t *testing.T) {
	clk := clock.Fake(epoch)
	stream := newKillableStream()
	stream.ignoreTerm = true
	s := newTestSupervisor(&fakeSource{stream: stream}, clk)
	ch := runAsync(context.Background(), s)

	stream.data <- "frame 1\n"
	if st := s.State(); st != Running {
		t.Fatalf("State() before cancel = %v, want running", st)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
	}
	wg.Wait()

	waitClosed(t, stream.terminated, "Terminate")
	clk.WaitForTimers(1) // grace period
	clk.Advance(30 * time.Second)

	o := waitOutcome(t, ch)
	if o.State != Terminated {
		t.Errorf("State = %v, want terminated", o.State)
	}
	s.Cancel()
	if s.State() != Terminated {
		t.Errorf("State() after repeat cancel = %v", s.State())
	}

	if n := stream.terminates.Load(); n != 1 {
		t.Errorf("Terminate called %d times, want 1", n)
	}
	if n := stream.kills.Load(); n != 1 {
		t.Errorf("Kill called %d times, want 1", n)
	}
	if n := stream.closes.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
}

func TestSupervisor_CancelAfterCompletionTearsDownOnce(t *testing.T) {
	stream := newKillableStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)

	stream.data <- "Benchmark Over\n"
	o := waitOutcome(t, ch)
	if o.Kind != Completed {
		t.Fatalf("Kind = %v, want completed", o.Kind)
	}
	s.Cancel()
	s.Cancel()

	if n := stream.terminates.Load(); n != 1 {
		t.Errorf("Terminate called %d times, want 1", n)
	}
	if n := stream.kills.Load(); n != 0 {
		t.Errorf("Kill called %d times, want 0", n)
	}
	if n := stream.closes.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
}

func TestSupervisor_CancelBeforeRun(t *testing.T) {
	src := &fakeSource{stream: newFakeStream()}
	s := newTestSupervisor(src, clock.Fake(epoch))
	s.Cancel()
	if s.State() != Terminated {
		t.Fatalf("State() = %v, want terminated", s.State())
	}

	o := s.Run(context.Background())
	if o.State != Terminated || !errors.Is(o.Err, ErrCancelled) {
		t.Errorf("State/Err = %v/%v, want terminated/cancelled", o.State, o.Err)
	}
	if src.openCount() != 0 {
		t.Errorf("source opened %d times, want 0", src.openCount())
	}
}

func TestSupervisor_CancelAfterCompletion(t *testing.T) {
	stream := newFakeStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)
	stream.data <- "Benchmark Over\n"

	o := waitOutcome(t, ch)
	if o.State != Completed {
		t.Fatalf("State = %v, want completed", o.State)
	}
	s.Cancel()
	if s.State() != Terminated {
		t.Errorf("State() = %v, want terminated", s.State())
	}
}

func TestSupervisor_ContextCancel(t *testing.T) {
	stream := newKillableStream()
	s := newTestSupervisor(&fakeSource{stream: stream}, clock.Fake(epoch))
	ctx, cancel := context.WithCancel(context.Background())
	ch := runAsync(ctx, s)

	stream.data <- "line\n"
	cancel()

	o := waitOutcome(t, ch)
	if o.State != Terminated || !errors.Is(o.Err, ErrCancelled) {
		t.Errorf("State/Err = %v/%v, want terminated/cancelled", o.State, o.Err)
	}
	if !wasClosed(stream.terminated) {
		t.Error("Terminate not called")
	}
}

func TestSupervisor_RunTwice(t *testing.T) {
	stream := newFakeStream()
	src := &fakeSource{stream: stream}
	s := newTestSupervisor(src, clock.Fake(epoch))
	ch := runAsync(context.Background(), s)
	stream.data <- "Benchmark Over\n"
	waitOutcome(t, ch)

	o := s.Run(context.Background())
	if o.Err == nil {
		t.Error("second Run succeeded")
	}
	if src.openCount() != 1 {
		t.Errorf("source opened %d times, want 1", src.openCount())
	}
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Created, Running, true},
		{Created, Cancelling, true},
		{Created, Completed, false},
		{Running, Completed, true},
		{Running, TimedOut, true},
		{Running, Terminated, false},
		{Completed, Running, false},
		{Failed, Cancelling, true},
		{Cancelling, Terminated, true},
		{Terminated, Cancelling, false},
	}
	for _, tt := range tests {
		if got := tt.from.canMoveTo(tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
