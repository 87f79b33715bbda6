package serial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu     sync.Mutex
	lines  []string
	err    error
	closed int
}

func (p *fakePort) ReadLine(time.Duration) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return "", false, ErrClosed
	}
	if len(p.lines) > 0 {
		line := p.lines[0]
		p.lines = p.lines[1:]
		return line, true, nil
	}
	if p.err != nil {
		return "", false, p.err
	}
	return "", false, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(st ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestChannel_OpenReadClose(t *testing.T) {
	port := &fakePort{lines: []string{"Distance: 10 cm,Bin Status: Empty"}}
	rec := &stateRecorder{}
	ch := NewChannel(Config{Device: "/dev/fake", BaudRate: 9600},
		WithOpener(func(Config) (Port, error) { return port, nil }),
		WithStateChangeHandler(rec.record),
	)
	require.Equal(t, StateDisconnected, ch.Status().State)

	require.NoError(t, ch.Open())
	require.Equal(t, StateConnected, ch.Status().State)

	line, ok, err := ch.ReadLine(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Distance: 10 cm,Bin Status: Empty", line)

	_, ok, err = ch.ReadLine(10 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.Equal(t, 1, port.closed, "port must be released exactly once")
	require.Equal(t, StateDisconnected, ch.Status().State)
	require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, rec.get())

	_, _, err = ch.ReadLine(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestChannel_OpenFailure(t *testing.T) {
	openErr := unavailable("/dev/fake", errors.New("no such file"))
	ch := NewChannel(Config{Device: "/dev/fake", BaudRate: 9600},
		WithOpener(func(Config) (Port, error) { return nil, openErr }),
	)

	err := ch.Open()
	require.ErrorIs(t, err, ErrUnavailable)

	st := ch.Status()
	require.Equal(t, StateFailed, st.State)
	require.ErrorIs(t, st.Error, ErrUnavailable)
	require.Contains(t, st.String(), "Failed")

	// Close on a never-opened channel is harmless.
	require.NoError(t, ch.Close())
	require.Equal(t, StateDisconnected, ch.Status().State)
}

func TestChannel_ReadFailureMovesToFailed(t *testing.T) {
	port := &fakePort{err: readFailure("/dev/fake", errors.New("EIO"))}
	ch := NewChannel(Config{Device: "/dev/fake", BaudRate: 9600},
		WithOpener(func(Config) (Port, error) { return port, nil }),
	)
	require.NoError(t, ch.Open())

	_, _, err := ch.ReadLine(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadFailure)
	require.Equal(t, StateFailed, ch.Status().State)
	require.Equal(t, 1, port.closed)

	// A fresh open after a failure yields a new port.
	next := &fakePort{}
	ch2 := NewChannel(Config{Device: "/dev/fake", BaudRate: 9600},
		WithOpener(func(Config) (Port, error) { return next, nil }),
	)
	require.NoError(t, ch2.Open())
	require.NoError(t, ch2.Open(), "second open is a no-op")
	require.Equal(t, StateConnected, ch2.Status().State)
}

// hangupPort reports a hang-up once release is closed, the way a real port
// can when its fd is torn down mid-read.
type hangupPort struct {
	entered chan struct{}
	release chan struct{}
}

func (p *hangupPort) ReadLine(time.Duration) (string, bool, error) {
	close(p.entered)
	<-p.release
	return "", false, readFailure("/dev/fake", errors.New("device hung up"))
}

func (p *hangupPort) Close() error { return nil }

func TestChannel_CloseDuringReadIsErrClosed(t *testing.T) {
	port := &hangupPort{entered: make(chan struct{}), release: make(chan struct{})}
	rec := &stateRecorder{}
	ch := NewChannel(Config{Device: "/dev/fake", BaudRate: 9600},
		WithOpener(func(Config) (Port, error) { return port, nil }),
		WithStateChangeHandler(rec.record),
	)
	require.NoError(t, ch.Open())

	done := make(chan error, 1)
	go func() {
		_, _, err := ch.ReadLine(time.Second)
		done <- err
	}()
	<-port.entered

	require.NoError(t, ch.Close())
	close(port.release)

	err := <-done
	require.ErrorIs(t, err, ErrClosed)
	require.NotErrorIs(t, err, ErrReadFailure)
	require.Equal(t, StateDisconnected, ch.Status().State)
	require.NotContains(t, rec.get(), StateFailed)
}

func TestDeviceError_Matching(t *testing.T) {
	cause := errors.New("permission denied")
	err := unavailable("/dev/ttyUSB0", cause)

	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrConfigInvalid)
	require.Equal(t, "/dev/ttyUSB0: device unavailable: permission denied", err.Error())
}
