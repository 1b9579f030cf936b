package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type fakePort struct {
	data   chan []byte
	opened chan struct{}

	mu          sync.Mutex
	written     bytes.Buffer
	readTimeout time.Duration
	mode        *serial.Mode

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		data:   make(chan []byte),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	select {
	case chunk := <-p.data:
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, io.EOF
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) Drain() error { return nil }

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func useFakePort(t *testing.T, port *fakePort) {
	t.Helper()
	orig := openPort
	openPort = func(device string, mode *serial.Mode) (serialPort, error) {
		port.mode = mode
		close(port.opened)
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func TestSerial_MissingDevice(t *testing.T) {
	src := &SerialSource{Device: "/dev/lvbench-no-such-device"}
	_, err := src.Open(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !strings.Contains(err.Error(), "/dev/lvbench-no-such-device") {
		t.Errorf("err = %q, want it to name the device", err)
	}
}

func TestSerial_NoDevice(t *testing.T) {
	_, err := (&SerialSource{}).Open(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestSerial_SessionCompletes(t *testing.T) {
	port := newFakePort()
	useFakePort(t, port)

	src := &SerialSource{Device: "/dev/ttyUSB0", PollInterval: 10 * time.Millisecond}
	s := New(Options{Source: src, ReadTimeout: 5 * time.Second})
	ch := runAsync(context.Background(), s)

	port.data <- []byte("nsh> lvgl bench\n")
	port.data <- []byte("Benchmark Over\n")

	o := waitOutcome(t, ch)
	if o.Kind != Completed {
		t.Fatalf("Kind = %v, want completed (err %v)", o.Kind, o.Err)
	}
	if port.mode.BaudRate != DefaultBaud {
		t.Errorf("BaudRate = %d, want %d", port.mode.BaudRate, DefaultBaud)
	}
	if !wasClosed(port.closed) {
		t.Error("port not closed after session")
	}
}

func TestSerial_Handshake(t *testing.T) {
	port := newFakePort()
	useFakePort(t, port)

	src := &SerialSource{
		Device:         "/dev/ttyUSB0",
		Baud:           921600,
		Handshake:      "my_lvgl_app\n",
		HandshakeDelay: 10 * time.Millisecond,
	}
	stream, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if got := port.writtenString(); got != "my_lvgl_app\n" {
		t.Errorf("written = %q, want handshake", got)
	}
	if port.mode.BaudRate != 921600 {
		t.Errorf("BaudRate = %d, want 921600", port.mode.BaudRate)
	}
}

func TestSerial_HandshakeCancelled(t *testing.T) {
	port := newFakePort()
	useFakePort(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &SerialSource{Device: "/dev/ttyUSB0", Handshake: "x\n", HandshakeDelay: time.Hour}
	if _, err := src.Open(ctx); !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !wasClosed(port.closed) {
		t.Error("port left open after failed handshake")
	}
}

func TestSerial_CancelClosesPort(t *testing.T) {
	port := newFakePort()
	useFakePort(t, port)

	src := &SerialSource{Device: "/dev/ttyACM0", PollInterval: 10 * time.Millisecond}
	s := New(Options{Source: src, ReadTimeout: 5 * time.Second})
	ch := runAsync(context.Background(), s)

	waitClosed(t, port.opened, "port open")
	port.data <- []byte("running\n")
	if st := s.State(); st != Running {
		t.Fatalf("State() before cancel = %v, want running", st)
	}
	if wasClosed(port.closed) {
		t.Fatal("port closed before cancel")
	}
	s.Cancel()

	o := waitOutcome(t, ch)
	if o.State != Terminated || !errors.Is(o.Err, ErrCancelled) {
		t.Fatalf("State/Err = %v/%v, want terminated/cancelled", o.State, o.Err)
	}
	if !wasClosed(port.closed) {
		t.Error("port not closed")
	}
}

func TestSerial_IdentityCheck(t *testing.T) {
	orig := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyACM0", IsUSB: true, SerialNumber: "AAAA"},
			{Name: "/dev/ttyACM1", IsUSB: true, SerialNumber: "BBBB"},
		}, nil
	}
	t.Cleanup(func() { listPorts = orig })

	tests := []struct {
		device, serial string
		wantErr        bool
	}{
		{"/dev/ttyACM1", "bbbb", false},
		{"/dev/ttyACM0", "BBBB", true},
		{"/dev/ttyACM9", "BBBB", true},
	}
	for _, tt := range tests {
		src := &SerialSource{Device: tt.device, ExpectSerialNumber: tt.serial}
		err := src.checkIdentity()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s/%s: err = %v, wantErr %v", tt.device, tt.serial, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrConnection) {
			t.Errorf("%s/%s: err = %v, want ErrConnection", tt.device, tt.serial, err)
		}
	}
}
