package serial

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable: the port could not be opened (missing, busy, permission denied).
	ErrUnavailable = errors.New("device unavailable")
	// ErrConfigInvalid: unsupported baud/data bits/parity/stop bits. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid device configuration")
	// ErrReadFailure: the link failed after a successful open.
	ErrReadFailure = errors.New("device read failure")
	// ErrClosed is returned by reads on a closed reader or channel.
	ErrClosed = errors.New("serialreader closed")
)

// DeviceError carries one of the Err* kinds together with the device path and
// the underlying cause. It matches both via errors.Is.
type DeviceError struct {
	Kind   error
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "serial"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", dev, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", dev, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unavailable(device string, err error) error {
	return &DeviceError{Kind: ErrUnavailable, Device: device, Err: err}
}

func configInvalid(device string, err error) error {
	return &DeviceError{Kind: ErrConfigInvalid, Device: device, Err: err}
}

func readFailure(device string, err error) error {
	return &DeviceError{Kind: ErrReadFailure, Device: device, Err: err}
}
