// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"log/slog"
	"time"
)

// Severity of a reported runtime error.
type Severity int

// Severities.
const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Reporter receives per-message runtime errors. Implementations must be safe
// for concurrent use.
type Reporter interface {
	Report(sev Severity, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(sev Severity, err error)

// Report calls f.
func (f ReporterFunc) Report(sev Severity, err error) { f(sev, err) }

// LogReporter writes reported errors to a slog logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a Reporter that logs through l.
func NewLogReporter(l *slog.Logger) *LogReporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogReporter{logger: l}
}

// Report logs err with attributes extracted from the bridge error types.
func (r *LogReporter) Report(sev Severity, err error) {
	attrs := []any{slog.String("error", err.Error())}

	var te *TranslationError
	var pe *PublishError
	switch {
	case errors.As(err, &te):
		attrs = append(attrs,
			slog.String("bridge", te.Bridge),
			slog.String("topic", te.Topic),
			slog.String("kind", te.Kind.Error()))
	case errors.As(err, &pe):
		attrs = append(attrs,
			slog.String("bridge", pe.Bridge),
			slog.String("topic", pe.Topic))
	}

	if sev == SeverityError {
		r.logger.Error("bridge error", attrs...)
		return
	}
	r.logger.Warn("bridge error", attrs...)
}

// Instruments observes per-message events. Implementations must be safe for
// concurrent use.
type Instruments interface {
	MessageReceived(bridge string, dir Direction)
	MessageForwarded(bridge string, dir Direction, size int, latency time.Duration)
	MessageRateLimited(bridge string, dir Direction)
	MessageFailed(bridge string, dir Direction, kind string)
}

// NopInstruments discards all events.
type NopInstruments struct{}

func (NopInstruments) MessageReceived(string, Direction)                      {}
func (NopInstruments) MessageForwarded(string, Direction, int, time.Duration) {}
func (NopInstruments) MessageRateLimited(string, Direction)                   {}
func (NopInstruments) MessageFailed(string, Direction, string)                {}

// failureKind names err for metrics labels.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrReconstruct):
		return "reconstruct"
	case errors.Is(err, ErrEncode):
		return "encode"
	case errors.Is(err, ErrPublish):
		return "publish"
	default:
		return "unknown"
	}
}
