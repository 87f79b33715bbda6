// binsim emulates the bin-level sensor on a pseudo-terminal so the bridge can
// be run without hardware:
//
//	binsim -interval 500ms &
//	binbridge -port /dev/pts/N
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/internal/logging"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

type config struct {
	interval time.Duration
	depth    float64
	noise    float64
	logLevel string
}

func main() {
	var cfg config
	flag.DurationVar(&cfg.interval, "interval", time.Second, "time between readings")
	flag.Float64Var(&cfg.depth, "depth", 100, "bin depth in cm (distance of an empty bin)")
	flag.Float64Var(&cfg.noise, "noise", 0.05, "probability of emitting a malformed or diagnostic line")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.New(cfg.logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %s\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ptm, pts, err := pty.Open()
	if err != nil {
		logger.Fatal("failed to open pseudo-terminal", zap.Error(err))
	}
	defer ptm.Close()
	defer pts.Close()

	fmt.Println(pts.Name())
	logger.Info("simulated sensor ready", zap.String("device", pts.Name()), zap.Duration("interval", cfg.interval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sensor := newSensor(cfg.depth, rand.New(rand.NewSource(time.Now().UnixNano())))
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
		}

		line := sensor.next(cfg.noise)
		if _, err := ptm.Write([]byte(line + "\r\n")); err != nil {
			logger.Error("write failed", zap.Error(err))
			return
		}
		logger.Debug("line sent", zap.String("line", line))
	}
}

// sensor is a random walk between a full (0 cm) and an empty (depth) bin.
type sensor struct {
	depth    float64
	distance float64
	rnd      *rand.Rand
}

func newSensor(depth float64, rnd *rand.Rand) *sensor {
	return &sensor{depth: depth, distance: depth, rnd: rnd}
}

func (s *sensor) next(noise float64) string {
	if s.rnd.Float64() < noise {
		if s.rnd.Intn(2) == 0 {
			return "Error: ultrasonic timeout"
		}
		return "Distance:---"
	}

	s.distance -= s.rnd.Float64() * 3
	if s.distance < 2 {
		// emptied
		s.distance = s.depth
	}
	d := float64(int(s.distance*10)) / 10
	return reading.Format(reading.Reading{Distance: d, BinStatus: status(d, s.depth)})
}

func status(distance, depth float64) string {
	switch fill := 1 - distance/depth; {
	case fill >= 0.8:
		return "Full"
	case fill >= 0.4:
		return "Half"
	}
	return "Empty"
}
