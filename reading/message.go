package reading

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Message is the JSON shape of a reading on the stream and query surfaces.
// Distance is null for the placeholder reading.
type Message struct {
	Distance  *float64 `json:"distance"`
	BinStatus string   `json:"bin_status"`
	Timestamp string   `json:"timestamp"`
}

// ToMessage converts r to its wire form; timestamps use local time.
func ToMessage(r Reading) Message {
	if !r.Known() {
		return Message{BinStatus: r.BinStatus}
	}
	d := r.Distance
	return Message{
		Distance:  &d,
		BinStatus: r.BinStatus,
		Timestamp: r.ObservedAt.Local().Format(TimestampLayout),
	}
}

// FromMessage builds a reading from a posted message. The observation time is
// now; the client-supplied timestamp is ignored.
func FromMessage(m Message, now time.Time) (Reading, error) {
	if m.Distance == nil || math.IsNaN(*m.Distance) || math.IsInf(*m.Distance, 0) {
		return Reading{}, ErrBadDistance
	}
	status := strings.TrimSpace(m.BinStatus)
	if status == "" {
		return Reading{}, errors.New("missing bin_status")
	}
	return Reading{
		Distance:   *m.Distance,
		BinStatus:  status,
		ObservedAt: now,
	}, nil
}
