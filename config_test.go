package serial

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_NormalizeDefaults(t *testing.T) {
	cfg, err := Config{Device: "/dev/ttyUSB0", BaudRate: 9600}.normalize()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.DataBits)
	require.Equal(t, ParityNone, cfg.Parity)
	require.Equal(t, 1, cfg.StopBits)
	require.Equal(t, "\n", cfg.Delimiter)
}

func TestConfig_NormalizeRejects(t *testing.T) {
	for name, cfg := range map[string]Config{
		"empty device": {BaudRate: 9600},
		"baud":         {Device: "/dev/ttyUSB0", BaudRate: 9601},
		"data bits":    {Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 9},
		"parity":       {Device: "/dev/ttyUSB0", BaudRate: 9600, Parity: 'X'},
		"stop bits":    {Device: "/dev/ttyUSB0", BaudRate: 9600, StopBits: 3},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.normalize()
			require.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestParseParity(t *testing.T) {
	for in, want := range map[string]Parity{"": ParityNone, "N": ParityNone, "even": ParityEven, "O": ParityOdd} {
		got, err := ParseParity(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseParity("mark")
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestPopLine(t *testing.T) {
	line, rest, ok := popLine([]byte("abc\r\ndef"), "\n")
	require.True(t, ok)
	require.Equal(t, "abc", line)
	require.Equal(t, "def", string(rest))

	_, rest, ok = popLine(rest, "\n")
	require.False(t, ok)
	require.Equal(t, "def", string(rest))

	_, rest, ok = popLine([]byte(strings.Repeat("x", maxPendingBytes+1)), "\n")
	require.False(t, ok)
	require.Empty(t, rest)
}
