// Package serial owns the link to a line-oriented serial sensor.
//
// It provides a low-latency, killable line reader for serial ports (raw
// termios on Linux, go.bug.st/serial elsewhere) and a Channel that wraps one
// open port with an explicit connection state, so a single owner can open,
// read, reconnect and close the device.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Line-based reading with a per-call timeout and custom delimiter (default: \n)
//   - Permissive decoding: invalid UTF-8 is replaced, never fatal
//   - Self-pipe mechanism for killability; Close is idempotent
//   - Typed device errors: ErrUnavailable, ErrConfigInvalid, ErrReadFailure
//   - PTY-based tests for reliability
//
// Example usage:
//
//	ch := serial.NewChannel(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 9600,
//	}, serial.WithLogger(logger))
//	if err := ch.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Close()
//
//	for {
//	    line, ok, err := ch.ReadLine(100 * time.Millisecond)
//	    if err != nil {
//	        break
//	    }
//	    if ok {
//	        fmt.Println("Received:", line)
//	    }
//	}
package serial
