package reading

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedFrame: the line does not have exactly two comma-separated fields.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrBadDistance: the distance field is not a finite number.
	ErrBadDistance = errors.New("bad distance")
)

// ParseError wraps ErrMalformedFrame or ErrBadDistance with the offending line.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Line)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const (
	distancePrefix = "Distance:"
	statusPrefix   = "Bin Status:"
)

// unit suffixes and their factor to centimeters; longer suffixes first.
var units = []struct {
	suffix string
	factor float64
}{
	{"cm", 1},
	{"mm", 0.1},
	{"m", 100},
}

// Parser turns raw device lines into readings. Now stamps ObservedAt and
// defaults to time.Now.
type Parser struct {
	Now func() time.Time
}

// Parse parses one line with the default parser.
func Parse(line string) (Reading, error) {
	return Parser{}.Parse(line)
}

// Parse expects "Distance:<number> <unit>,Bin Status:<token>". The status is
// taken verbatim after trimming; there is no fixed vocabulary. Callers filter
// blank lines before calling Parse.
func (p Parser) Parse(line string) (Reading, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return Reading{}, &ParseError{Line: line, Err: ErrMalformedFrame}
	}

	distance, err := parseDistance(fields[0])
	if err != nil {
		return Reading{}, &ParseError{Line: line, Err: err}
	}

	status := strings.TrimSpace(fields[1])
	status = strings.TrimSpace(strings.TrimPrefix(status, statusPrefix))

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Reading{
		Distance:   distance,
		BinStatus:  status,
		ObservedAt: now(),
	}, nil
}

func parseDistance(field string) (float64, error) {
	s := strings.TrimSpace(field)
	s = strings.TrimSpace(strings.TrimPrefix(s, distancePrefix))

	factor := 1.0
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			factor = u.factor
			break
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadDistance, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrBadDistance, s)
	}
	return v * factor, nil
}
