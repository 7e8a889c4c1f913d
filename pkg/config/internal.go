package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type InternalConfig struct {
	// NetNS names the network namespace whose queues are served.
	NetNS  string       `yaml:"netns,omitempty"`
	Logger LoggerConfig `yaml:"logger,omitempty"`
	Server ServerConfig `yaml:"server,omitempty"`
}

type LoggerConfig struct {
	Level     string `yaml:"level,omitempty" default:"info"`       // debug, info, warn or error
	JSON      bool   `yaml:"json,omitempty" default:"false"`       // if true, use JSON format
	NoColor   bool   `yaml:"no_color,omitempty" default:"false"`   // if true, disable color output
	AddCaller bool   `yaml:"add_caller,omitempty" default:"false"` // if true, add caller information to logs
	// EventsLevel sets the level of the queue event log. Empty follows Level.
	EventsLevel string `yaml:"events_level,omitempty"`
}

// Levels returns the process level and the queue event level.
func (c LoggerConfig) Levels() (zapcore.Level, zapcore.Level, error) {
	base, err := parseLevel(c.Level)
	if err != nil {
		return base, base, err
	}
	if c.EventsLevel == "" {
		return base, base, nil
	}
	events, err := parseLevel(c.EventsLevel)
	if err != nil {
		return base, base, fmt.Errorf("events: %w", err)
	}
	return base, events, nil
}

// ServerConfig configures the health and metrics endpoint. An empty Listen
// disables it.
type ServerConfig struct {
	Listen            string        `yaml:"listen" default:"127.0.0.1:9469"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty" default:"5s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty" default:"5s"`
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}
