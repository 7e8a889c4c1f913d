package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/takehaya/nfqbridge/pkg/nfqueue"
)

// EventSink writes queue events to a zap logger.
type EventSink struct {
	log *zap.Logger
}

var _ nfqueue.EventSink = (*EventSink)(nil)

func NewEventSink(log *zap.Logger) *EventSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventSink{log: log.Named(EventsName)}
}

func (s *EventSink) Event(e nfqueue.Event) {
	fields := []zap.Field{
		zap.Uint16("queue", e.Queue),
		zap.String("event", string(e.Kind)),
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	switch e.Kind {
	case nfqueue.EventOverflow:
		fields = append(fields, zap.Int("presumed_lost", e.Count))
	case nfqueue.EventDispatchError:
		if e.Count > 0 {
			fields = append(fields, zap.Int("delivered", e.Count))
		}
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	if ce := s.log.Check(eventLevel(e.Kind), "queue event"); ce != nil {
		ce.Write(fields...)
	}
}

func eventLevel(k nfqueue.EventKind) zapcore.Level {
	switch k {
	case nfqueue.EventBound, nfqueue.EventClosed:
		return zapcore.InfoLevel
	case nfqueue.EventFatal:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
