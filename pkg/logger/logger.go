package logger

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/takehaya/nfqbridge/pkg/config"
)

// EventsName is the logger name queue events are written under. Entries from
// it, or from any logger whose name ends in it, use the events level.
const EventsName = "events"

// Sync on a terminal or a pipe reports these even though nothing was lost.
var benignSyncErrs = []error{syscall.EINVAL, syscall.ENOTSUP, syscall.EBADF}

// NewLogger builds the process logger writing to stderr, and a func that
// flushes it on shutdown.
func NewLogger(cfg config.LoggerConfig) (*zap.Logger, func(context.Context) error, error) {
	return newLogger(cfg, zapcore.Lock(os.Stderr))
}

func newLogger(cfg config.LoggerConfig, ws zapcore.WriteSyncer) (*zap.Logger, func(context.Context) error, error) {
	base, events, err := cfg.Levels()
	if err != nil {
		return nil, nil, err
	}

	opts := []zap.Option{
		zap.ErrorOutput(ws),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.AddCaller || base == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}
	lg := zap.New(newCore(newEncoder(cfg), ws, base, events), opts...)

	flush := func(context.Context) error {
		err := lg.Sync()
		for _, benign := range benignSyncErrs {
			if errors.Is(err, benign) {
				return nil
			}
		}
		return err
	}
	return lg, flush, nil
}

func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
	if cfg.JSON {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(encCfg)
	}
	if !cfg.NoColor && runtime.GOOS != "windows" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func newCore(enc zapcore.Encoder, ws zapcore.WriteSyncer, base, events zapcore.Level) zapcore.Core {
	if base == events {
		return zapcore.NewCore(enc, ws, base)
	}
	return &eventsCore{
		Core:   zapcore.NewCore(enc, ws, min(base, events)),
		base:   base,
		events: events,
	}
}

// eventsCore enables the lower of the two levels and then filters each entry
// by the level that applies to its logger name.
type eventsCore struct {
	zapcore.Core
	base, events zapcore.Level
}

func (c *eventsCore) With(fields []zapcore.Field) zapcore.Core {
	return &eventsCore{Core: c.Core.With(fields), base: c.base, events: c.events}
}

func (c *eventsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	lvl := c.base
	if isEvents(ent.LoggerName) {
		lvl = c.events
	}
	if ent.Level < lvl {
		return ce
	}
	return c.Core.Check(ent, ce)
}

func isEvents(name string) bool {
	return name == EventsName || strings.HasSuffix(name, "."+EventsName)
}
