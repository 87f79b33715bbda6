package serial

import (
	"bytes"
	"fmt"
	"strings"
)

// Parity selects the parity bit mode of the serial link.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// ParseParity accepts "N", "E", "O" or their long names, case-insensitively.
// An empty string yields ParityNone.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "none":
		return ParityNone, nil
	case "e", "even":
		return ParityEven, nil
	case "o", "odd":
		return ParityOdd, nil
	}
	return 0, fmt.Errorf("unknown parity %q: %w", s, ErrConfigInvalid)
}

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return fmt.Sprintf("Parity(%d)", byte(p))
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device    string
	BaudRate  int
	DataBits  int    // default 8
	Parity    Parity // default ParityNone
	StopBits  int    // default 1
	Delimiter string // default "\n"; a trailing "\r" is always stripped
}

const maxPendingBytes = 64 * 1024

var supportedBaudRates = map[int]struct{}{
	1200: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {},
	38400: {}, 57600: {}, 115200: {}, 230400: {},
}

// normalize fills defaults and rejects combinations the port cannot be
// configured with.
func (c Config) normalize() (Config, error) {
	if strings.TrimSpace(c.Device) == "" {
		return c, configInvalid("", fmt.Errorf("empty device path"))
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == 0 {
		c.Parity = ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Delimiter == "" {
		c.Delimiter = "\n"
	}

	if _, ok := supportedBaudRates[c.BaudRate]; !ok {
		return c, configInvalid(c.Device, fmt.Errorf("unsupported baud rate %d", c.BaudRate))
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return c, configInvalid(c.Device, fmt.Errorf("unsupported data bits %d", c.DataBits))
	}
	switch c.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return c, configInvalid(c.Device, fmt.Errorf("unsupported parity %v", c.Parity))
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return c, configInvalid(c.Device, fmt.Errorf("unsupported stop bits %d", c.StopBits))
	}
	return c, nil
}

// decodeLine turns one raw frame into text, replacing invalid byte sequences.
func decodeLine(raw []byte) string {
	return strings.TrimRight(strings.ToValidUTF8(string(raw), "\uFFFD"), "\r")
}

// popLine removes the first delimited frame from pending, if any.
func popLine(pending []byte, delim string) (line string, rest []byte, ok bool) {
	idx := bytes.Index(pending, []byte(delim))
	if idx < 0 {
		if len(pending) > maxPendingBytes {
			// No delimiter in sight; drop the garbage rather than grow forever.
			return "", pending[:0], false
		}
		return "", pending, false
	}
	return decodeLine(pending[:idx]), pending[idx+len(delim):], true
}
