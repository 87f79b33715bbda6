//go:build linux

package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SerialReader provides low-latency, killable, line-oriented access to a Linux serial port.
// It is safe for concurrent use by multiple goroutines.
type SerialReader struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd

	readMu  sync.Mutex
	pending []byte
}

// Open opens a serial port using the provided Config and returns a SerialReader.
// The port is configured for raw, low-latency, non-buffered operation.
func Open(cfg Config) (*SerialReader, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	baud, ok := baudToUnix(cfg.BaudRate)
	if !ok {
		return nil, configInvalid(cfg.Device, fmt.Errorf("unsupported baud rate %d", cfg.BaudRate))
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, unavailable(cfg.Device, fmt.Errorf("open failed: %w", err))
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, unavailable(cfg.Device, fmt.Errorf("get termios: %w", err))
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	// Frame format
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= charSize(cfg.DataBits) | unix.CREAD | unix.CLOCAL
	switch cfg.Parity {
	case ParityEven:
		termios.Cflag |= unix.PARENB
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	}
	if cfg.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	// Baud rate
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// Set VMIN=1, VTIME=0 for immediate, non-blocking reads
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		if errors.Is(err, unix.EINVAL) {
			return nil, configInvalid(cfg.Device, fmt.Errorf("set termios: %w", err))
		}
		return nil, unavailable(cfg.Device, fmt.Errorf("set termios: %w", err))
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, unavailable(cfg.Device, fmt.Errorf("pipe: %w", err))
	}

	file := os.NewFile(uintptr(fd), cfg.Device)
	return &SerialReader{
		fd:     fd,
		file:   file,
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// WriteLine writes a line (with specified newline) to the serial port.
func (s *SerialReader) WriteLine(line string, newline string) error {
	_, err := s.file.WriteString(line + newline)
	return err
}

// ReadLine waits up to timeout for one delimiter-terminated line. It returns
// ok=false with a nil error when the timeout elapses without a full line; a
// timeout <= 0 waits until a line arrives or the reader is closed. Bytes
// received after the delimiter are kept for the next call. The delimiter and
// any trailing "\r" are stripped and invalid UTF-8 is replaced.
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
		// Check killability
		select {
		case <-s.done:
			return "", false, ErrClosed
		default:
		}

		wait := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", false, nil
			}
			wait = int(remaining / time.Millisecond)
			if wait == 0 {
				wait = 1
			}
		}

		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, wait)
		select {
		case <-s.done:
			return "", false, ErrClosed
		default:
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", false, readFailure(s.config.Device, fmt.Errorf("poll: %w", err))
		}
		if n == 0 {
			continue
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return "", false, ErrClosed
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			n, err := s.file.Read(buf)
			if n == 0 && err == nil {
				err = io.EOF
			}
			if err != nil {
				select {
				case <-s.done:
					return "", false, ErrClosed
				default:
				}
				return "", false, readFailure(s.config.Device, err)
			}
			s.pending = append(s.pending, buf[:n]...)
			line, rest, ok := popLine(s.pending, s.config.Delimiter)
			s.pending = rest
			if ok {
				return line, true, nil
			}
			continue
		}
		if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return "", false, readFailure(s.config.Device, fmt.Errorf("device hung up"))
		}
	}
}

// Close closes the serial port and unblocks any pending ReadLine call,
// which then returns ErrClosed. Safe to call multiple times; subsequent
// calls are no-ops.
func (s *SerialReader) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Wake up poll using self-pipe
		if s.pipeW > 0 {
			unix.Write(s.pipeW, []byte{1})
		}
		// The fds must outlive any poll still running on them.
		s.readMu.Lock()
		defer s.readMu.Unlock()
		if s.file != nil {
			err = s.file.Close()
		}
		if s.pipeR > 0 {
			unix.Close(s.pipeR)
		}
		if s.pipeW > 0 {
			unix.Close(s.pipeW)
		}
	})
	return err
}

func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	}
	return 0, false
}

func charSize(bits int) uint32 {
	switch bits {
	case 5:
		return unix.CS5
	case 6:
		return unix.CS6
	case 7:
		return unix.CS7
	}
	return unix.CS8
}
