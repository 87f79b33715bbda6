package serial

import "fmt"

// State denotes a connection state of the device channel
type State int

const (

	// StateDisconnected is active before the first open and after Close
	StateDisconnected State = iota

	// StateConnecting is active while the port is being opened
	StateConnecting

	// StateConnected is active while the port is open and readable
	StateConnected

	// StateFailed is active after an open or read failure
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ConnectionStatus denotes the current status of the serial device
type ConnectionStatus struct {
	Error error
	State
}

// String fulfils the Stringer interface
func (c ConnectionStatus) String() string {
	if c.Error != nil {
		return fmt.Sprintf("%s(%v)", c.State, c.Error)
	}
	return c.State.String()
}
