package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaud         = 115200
	defaultPollInterval = 100 * time.Millisecond
)

// SerialSource reads a board's console over a serial device.
type SerialSource struct {
	Device string
	Baud   int

	// Handshake, when set, is written to the device after
	// HandshakeDelay to start the benchmark application.
	Handshake      string
	HandshakeDelay time.Duration

	// ExpectSerialNumber, when set, must match the USB serial number
	// reported for Device.
	ExpectSerialNumber string

	// PollInterval bounds how long a single Read blocks.
	PollInterval time.Duration
}

func (s *SerialSource) String() string {
	return fmt.Sprintf("serial %s@%d", s.Device, s.baud())
}

func (s *SerialSource) baud() int {
	if s.Baud > 0 {
		return s.Baud
	}
	return DefaultBaud
}

// serialPort is the subset of serial.Port a session uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	Drain() error
}

var openPort = func(device string, mode *serial.Mode) (serialPort, error) {
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var listPorts = enumerator.GetDetailedPortsList

// Open connects to the device. Errors wrap ErrConnection.
func (s *SerialSource) Open(ctx context.Context) (Stream, error) {
	if s.Device == "" {
		return nil, fmt.Errorf("%w: no device configured", ErrConnection)
	}
	if s.ExpectSerialNumber != "" {
		if err := s.checkIdentity(); err != nil {
			return nil, err
		}
	}

	port, err := openPort(s.Device, &serial.Mode{
		BaudRate: s.baud(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrConnection, s.Device, err)
	}

	poll := s.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: configuring %s: %w", ErrConnection, s.Device, err)
	}

	if s.Handshake != "" {
		if err := s.handshake(ctx, port); err != nil {
			port.Close()
			return nil, err
		}
	}
	return &serialStream{port: port}, nil
}

func (s *SerialSource) handshake(ctx context.Context, port serialPort) error {
	if s.HandshakeDelay > 0 {
		t := time.NewTimer(s.HandshakeDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting to write handshake: %w", ErrConnection, ctx.Err())
		}
	}
	if _, err := io.WriteString(port, s.Handshake); err != nil {
		return fmt.Errorf("%w: writing handshake to %s: %w", ErrConnection, s.Device, err)
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("%w: flushing handshake to %s: %w", ErrConnection, s.Device, err)
	}
	return nil
}

func (s *SerialSource) checkIdentity() error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("%w: listing serial ports: %w", ErrConnection, err)
	}
	for _, p := range ports {
		if p.Name != s.Device {
			continue
		}
		if p.IsUSB && strings.EqualFold(p.SerialNumber, s.ExpectSerialNumber) {
			return nil
		}
		return fmt.Errorf("%w: %s has serial number %q, want %q",
			ErrConnection, s.Device, p.SerialNumber, s.ExpectSerialNumber)
	}
	return fmt.Errorf("%w: %s not present", ErrConnection, s.Device)
}

type serialStream struct {
	port      serialPort
	closeOnce sync.Once
	closeErr  error
}

func (s *serialStream) Read(b []byte) (int, error) {
	n, err := s.port.Read(b)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
			return n, io.EOF
		}
	}
	return n, err
}

func (s *serialStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
