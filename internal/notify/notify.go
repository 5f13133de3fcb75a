// Package notify delivers engine events to outside collaborators. Delivery is
// best effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventAgentStarted        EventType = "agent.started"
	EventCycleCompleted      EventType = "cycle.completed"
	EventCycleFailed         EventType = "cycle.failed"
	EventApplicationRecorded EventType = "application.recorded"
)

type Event struct {
	Type    EventType      `json:"type"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nop struct{}

func (nop) Notify(context.Context, Event) error { return nil }

// Nop discards every event.
func Nop() Notifier { return nop{} }

// Log writes events to the logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "notify"))}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Time("time", ev.Time),
	}
	for k, v := range ev.Data {
		fields = append(fields, zap.Any(k, v))
	}

	if ev.Type == EventCycleFailed {
		l.logger.Warn(ev.Message, fields...)
		return nil
	}
	l.logger.Info(ev.Message, fields...)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
