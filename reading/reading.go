// Package reading defines the decoded sensor observation, the parser for the
// device's line protocol and the JSON message pushed to clients.
package reading

import (
	"fmt"
	"strconv"
	"time"
)

// UnknownStatus is the bin status of the placeholder reading.
const UnknownStatus = "unknown"

// TimestampLayout is the wire format of Message.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// Reading is one decoded sensor observation. Distance is in centimeters and
// ObservedAt is assigned by the bridge when the line is parsed.
type Reading struct {
	Distance   float64
	BinStatus  string
	ObservedAt time.Time
}

// Unknown returns the placeholder reported before any reading was published.
func Unknown() Reading {
	return Reading{BinStatus: UnknownStatus}
}

// Known reports whether r came from the device rather than being the placeholder.
func (r Reading) Known() bool {
	return !r.ObservedAt.IsZero()
}

// String fulfils the Stringer interface
func (r Reading) String() string {
	if !r.Known() {
		return "Distance: n/a, Bin Status: " + r.BinStatus
	}
	return fmt.Sprintf("Distance: %.1f cm, Bin Status: %s", r.Distance, r.BinStatus)
}

// Format renders r in the device wire format, e.g.
// "Distance:23.5 cm,Bin Status:Full".
func Format(r Reading) string {
	return "Distance:" + strconv.FormatFloat(r.Distance, 'g', -1, 64) + " cm," + statusPrefix + r.BinStatus
}
