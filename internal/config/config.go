// Package config loads the bridge configuration from an optional TOML file,
// the environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	serial "github.com/luhtfiimanal/serial-bridge"
)

const envPrefix = "BINBRIDGE_"

// Device holds the serial port settings
type Device struct {
	Port     string `toml:"port"`
	BaudRate int    `toml:"baud_rate"`
	DataBits int    `toml:"data_bits"`
	Parity   string `toml:"parity"`
	StopBits int    `toml:"stop_bits"`
}

// Server holds the listener and client delivery settings
type Server struct {
	Host           string `toml:"host"`
	HTTPPort       int    `toml:"http_port"`
	StreamPort     int    `toml:"stream_port"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
	Buffer         int    `toml:"buffer"`
	HistorySize    int    `toml:"history_size"`
}

// Poll holds the poll loop timing and reconnect settings
type Poll struct {
	TimeoutMS          int `toml:"timeout_ms"`
	ReconnectAttempts  int `toml:"reconnect_attempts"`
	ReconnectInitialMS int `toml:"reconnect_initial_ms"`
	ReconnectMaxMS     int `toml:"reconnect_max_ms"`
	DegradedCooldownMS int `toml:"degraded_cooldown_ms"`
}

// Log holds the logger level and output format
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MQTT holds the optional reading forwarder settings
type MQTT struct {
	Broker   string `toml:"broker"`
	Topic    string `toml:"topic"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Config is the complete bridge configuration
type Config struct {
	Device Device `toml:"device"`
	Server Server `toml:"server"`
	Poll   Poll   `toml:"poll"`
	Log    Log    `toml:"log"`
	MQTT   MQTT   `toml:"mqtt"`
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), `
Usage: binbridge [options]

Options:
`)
		fs.PrintDefaults()
	}
}

// Load builds the configuration: TOML file (-c/-config), then BINBRIDGE_*
// environment variables, then flags. Missing values get defaults.
func Load(args []string) (*Config, error) {
	config := &Config{}
	var (
		cf         string
		port       string
		baud       int
		httpPort   int
		streamPort int
	)

	fs := flag.NewFlagSet("binbridge", flag.ContinueOnError)
	fs.StringVar(&cf, "config", "", "config file path.")
	fs.StringVar(&cf, "c", "", "config file path.")
	fs.StringVar(&port, "port", "", "serial device to open.")
	fs.IntVar(&baud, "baud", 0, "serial baud rate.")
	fs.IntVar(&httpPort, "http-port", 0, "point-query HTTP port.")
	fs.IntVar(&streamPort, "stream-port", 0, "streaming (WebSocket) port.")
	fs.Usage = usage(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cf == "" {
		cf = os.Getenv(envPrefix + "CONFIG")
	}
	if cf != "" {
		content, err := os.ReadFile(cf)
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(content, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cf, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Device.Port = port
		case "baud":
			config.Device.BaudRate = baud
		case "http-port":
			config.Server.HTTPPort = httpPort
		case "stream-port":
			config.Server.StreamPort = streamPort
		}
	})

	if err := config.check(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &config.Device.Port)
	num("BAUD_RATE", &config.Device.BaudRate)
	num("DATA_BITS", &config.Device.DataBits)
	str("PARITY", &config.Device.Parity)
	num("STOP_BITS", &config.Device.StopBits)

	str("HOST", &config.Server.Host)
	num("HTTP_PORT", &config.Server.HTTPPort)
	num("STREAM_PORT", &config.Server.StreamPort)
	num("WRITE_TIMEOUT_MS", &config.Server.WriteTimeoutMS)
	num("BUFFER", &config.Server.Buffer)
	num("HISTORY_SIZE", &config.Server.HistorySize)

	num("POLL_TIMEOUT_MS", &config.Poll.TimeoutMS)
	num("RECONNECT_ATTEMPTS", &config.Poll.ReconnectAttempts)
	num("RECONNECT_INITIAL_MS", &config.Poll.ReconnectInitialMS)
	num("RECONNECT_MAX_MS", &config.Poll.ReconnectMaxMS)
	num("DEGRADED_COOLDOWN_MS", &config.Poll.DegradedCooldownMS)

	str("LOG_LEVEL", &config.Log.Level)
	str("LOG_FORMAT", &config.Log.Format)

	str("MQTT_BROKER", &config.MQTT.Broker)
	str("MQTT_TOPIC", &config.MQTT.Topic)
	str("MQTT_CLIENT_ID", &config.MQTT.ClientID)
	str("MQTT_USERNAME", &config.MQTT.Username)
	str("MQTT_PASSWORD", &config.MQTT.Password)

	return errors.Join(errs...)
}

func (config *Config) check() error {
	if config.Device.Port == "" {
		config.Device.Port = "/dev/ttyUSB0"
	}
	if config.Device.BaudRate == 0 {
		config.Device.BaudRate = 9600
	}
	if _, err := serial.ParseParity(config.Device.Parity); err != nil {
		return err
	}

	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.StreamPort == 0 {
		config.Server.StreamPort = 8765
	}
	if !validPort(config.Server.HTTPPort) {
		return fmt.Errorf("invalid http port %d", config.Server.HTTPPort)
	}
	if !validPort(config.Server.StreamPort) {
		return fmt.Errorf("invalid stream port %d", config.Server.StreamPort)
	}
	if config.Server.HTTPPort == config.Server.StreamPort {
		return errors.New("http port and stream port must differ")
	}
	if config.Server.WriteTimeoutMS <= 0 {
		config.Server.WriteTimeoutMS = 2000
	}
	if config.Server.Buffer <= 0 {
		config.Server.Buffer = 16
	}
	if config.Server.HistorySize <= 0 {
		config.Server.HistorySize = 32
	}

	if config.Poll.TimeoutMS <= 0 {
		config.Poll.TimeoutMS = 100
	}
	if config.Poll.ReconnectAttempts <= 0 {
		config.Poll.ReconnectAttempts = 5
	}
	if config.Poll.ReconnectInitialMS <= 0 {
		config.Poll.ReconnectInitialMS = 200
	}
	if config.Poll.ReconnectMaxMS <= 0 {
		config.Poll.ReconnectMaxMS = 5000
	}
	if config.Poll.ReconnectMaxMS < config.Poll.ReconnectInitialMS {
		return errors.New("reconnect_max_ms must not be below reconnect_initial_ms")
	}
	if config.Poll.DegradedCooldownMS <= 0 {
		config.Poll.DegradedCooldownMS = 30000
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}

	if config.MQTT.Topic == "" {
		config.MQTT.Topic = "binbridge/readings"
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "binbridge"
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// SerialConfig returns the device settings for serial.Open.
func (config *Config) SerialConfig() serial.Config {
	parity, _ := serial.ParseParity(config.Device.Parity)
	return serial.Config{
		Device:   config.Device.Port,
		BaudRate: config.Device.BaudRate,
		DataBits: config.Device.DataBits,
		Parity:   parity,
		StopBits: config.Device.StopBits,
	}
}

// HTTPAddr returns the listen address of the point query server
func (config *Config) HTTPAddr() string {
	return config.Server.Host + ":" + strconv.Itoa(config.Server.HTTPPort)
}

// StreamAddr returns the listen address of the stream server
func (config *Config) StreamAddr() string {
	return config.Server.Host + ":" + strconv.Itoa(config.Server.StreamPort)
}

// PollTimeout returns the per-read wait of the poll loop
func (config *Config) PollTimeout() time.Duration {
	return time.Duration(config.Poll.TimeoutMS) * time.Millisecond
}

// WriteTimeout returns the deadline for one stream write
func (config *Config) WriteTimeout() time.Duration {
	return time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond
}

// ReconnectInitial returns the first reconnect backoff interval
func (config *Config) ReconnectInitial() time.Duration {
	return time.Duration(config.Poll.ReconnectInitialMS) * time.Millisecond
}

// ReconnectMax returns the largest reconnect backoff interval
func (config *Config) ReconnectMax() time.Duration {
	return time.Duration(config.Poll.ReconnectMaxMS) * time.Millisecond
}

// DegradedCooldown returns the wait between reopen attempts in degraded mode
func (config *Config) DegradedCooldown() time.Duration {
	return time.Duration(config.Poll.DegradedCooldownMS) * time.Millisecond
}
