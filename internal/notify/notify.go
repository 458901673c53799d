// Package notify delivers fire-and-forget operator notifications. Sinks never
// block the caller and never return errors into the core.
package notify

import (
	"go.uber.org/zap"
)

// Severity ranks a notification.
type Severity int

const (
	Info Severity = iota
	Warn
	Critical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case Warn:
		return "warn"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

// Sink accepts notifications.
type Sink interface {
	Notify(text string, severity Severity)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(string, Severity) {}

// Multi fans a notification out to every sink.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(text string, severity Severity) {
	for _, s := range m {
		if s != nil {
			s.Notify(text, severity)
		}
	}
}

// LogSink writes notifications to a zap logger at the matching level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (l *LogSink) Notify(text string, severity Severity) {
	NotificationsTotal.WithLabelValues(severity.String()).Inc()

	switch severity {
	case Critical:
		l.logger.Error("notification", zap.String("text", text), zap.Stringer("severity", severity))
	case Warn:
		l.logger.Warn("notification", zap.String("text", text), zap.Stringer("severity", severity))
	default:
		l.logger.Info("notification", zap.String("text", text), zap.Stringer("severity", severity))
	}
}
