//go:build !linux

package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// readSlice bounds a single blocking read so Close and deadlines are noticed.
const readSlice = 100 * time.Millisecond

// SerialReader provides line-oriented access to a serial port through
// go.bug.st/serial on platforms without the termios backend.
// It is safe for concurrent use by multiple goroutines.
type SerialReader struct {
	port      bugst.Port
	done      chan struct{}
	closeOnce sync.Once
	config    Config

	readMu  sync.Mutex
	pending []byte
}

// Open opens a serial port using the provided Config and returns a SerialReader.
func Open(cfg Config) (*SerialReader, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case ParityEven:
		mode.Parity = bugst.EvenParity
	case ParityOdd:
		mode.Parity = bugst.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	p, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		var pe *bugst.PortError
		if errors.As(err, &pe) {
			switch pe.Code() {
			case bugst.InvalidSpeed, bugst.InvalidDataBits, bugst.InvalidParity, bugst.InvalidStopBits:
				return nil, configInvalid(cfg.Device, err)
			}
		}
		return nil, unavailable(cfg.Device, fmt.Errorf("open failed: %w", err))
	}
	if err := p.SetReadTimeout(readSlice); err != nil {
		p.Close()
		return nil, unavailable(cfg.Device, fmt.Errorf("set read timeout: %w", err))
	}

	return &SerialReader{
		port:   p,
		done:   make(chan struct{}),
		config: cfg,
	}, nil
}

// WriteLine writes a line (with specified newline) to the serial port.
func (s *SerialReader) WriteLine(line string, newline string) error {
	_, err := s.port.Write([]byte(line + newline))
	return err
}

// ReadLine waits up to timeout for one delimiter-terminated line; see the
// Linux implementation for the full contract.
func (s *SerialReader) ReadLine(timeout time.Duration) (string, bool, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if line, rest, ok := popLine(s.pending, s.config.Delimiter); ok {
		s.pending = rest
		return line, true, nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return "", false, ErrClosed
		default:
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return "", false, nil
		}

		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return "", false, ErrClosed
			default:
			}
			return "", false, readFailure(s.config.Device, err)
		}
		if n == 0 {
			continue
		}
		s.pending = append(s.pending, buf[:n]...)
		line, rest, ok := popLine(s.pending, s.config.Delimiter)
		s.pending = rest
		if ok {
			return line, true, nil
		}
	}
}

// Close closes the serial port and unblocks any pending ReadLine call.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *SerialReader) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}
