package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	serial "github.com/luhtfiimanal/serial-bridge"
	"github.com/luhtfiimanal/serial-bridge/internal/bridge"
	"github.com/luhtfiimanal/serial-bridge/internal/config"
	"github.com/luhtfiimanal/serial-bridge/internal/logging"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "ports" {
		listPorts()
		return
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %s\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bin status bridge",
		zap.String("device", cfg.Device.Port),
		zap.Int("baud", cfg.Device.BaudRate),
		zap.String("http", cfg.HTTPAddr()),
		zap.String("stream", cfg.StreamAddr()))

	if err := bridge.New(cfg, logger).Run(ctx); err != nil {
		if errors.Is(err, serial.ErrUnavailable) || errors.Is(err, serial.ErrConfigInvalid) {
			logger.Error("unable to use serial device", zap.Error(err))
		} else {
			logger.Error("bridge failed", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(1)
	}
}

func listPorts() {
	ports, err := serial.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list serial ports: %s\n", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}
