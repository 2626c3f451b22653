package cron

import (
	"fmt"
	"io"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// LogLevel filters what the trigger scheduler and robfig/cron report.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression grammar for recurring pipelines.
type Parser int

const (
	// DefaultParser is robfig's standard five field grammar.
	DefaultParser Parser = iota
	// StandardParser adds descriptors such as @hourly.
	StandardParser
	// SecondsParser adds a leading seconds field.
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone cron expressions are read in.
func WithLocation(loc *time.Location) Option {
	return func(cs *Scheduler) {
		cs.location = loc
	}
}

// WithClock replaces the clock used by delayed redeliveries and run
// bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(cs *Scheduler) {
		if c != nil {
			cs.clock = c
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(cs *Scheduler) {
		cs.logger = logger
	}
}

// WithLogWriter sends robfig/cron output to writer when no Logger is set.
func WithLogWriter(writer io.Writer) Option {
	return func(cs *Scheduler) {
		cs.logWriter = writer
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(cs *Scheduler) {
		cs.logLevel = level
	}
}

// WithErrorHandler receives errors of pipeline runs that exhausted their
// retries, and panics recovered from cron jobs.
func WithErrorHandler(handler func(error)) Option {
	return func(cs *Scheduler) {
		if handler != nil {
			cs.errorHandler = handler
		}
	}
}

func WithParser(p Parser) Option {
	return func(cs *Scheduler) {
		cs.parser = p
	}
}

// WithJobDefaults sets the retries, retry delay and attempt timeout used by
// triggers whose JobConfig leaves them zero.
func WithJobDefaults(defaults JobConfig) Option {
	return func(cs *Scheduler) {
		cs.defaults = JobConfig{
			MaxRetries: defaults.MaxRetries,
			RetryDelay: defaults.RetryDelay,
			Timeout:    defaults.Timeout,
		}
	}
}

// loggerAdapter feeds robfig/cron's key/value logging into a printf style
// Logger.
type loggerAdapter struct {
	logger Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s", withKeyValues(msg, keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	if l.level < LogLevelError {
		return
	}
	line := withKeyValues(msg, keysAndValues)
	if err != nil {
		line = fmt.Sprintf("%s: %v", line, err)
	}
	l.logger.Error("%s", line)
}

// errorHandlerAdapter routes robfig/cron errors, recovered job panics
// included, to the scheduler error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...interface{}) {}

func (e *errorHandlerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	if e.handler == nil {
		return
	}
	line := withKeyValues(msg, keysAndValues)
	if err != nil {
		e.handler(fmt.Errorf("%s: %w", line, err))
		return
	}
	e.handler(fmt.Errorf("%s", line))
}

func withKeyValues(msg string, keysAndValues []interface{}) string {
	if len(keysAndValues) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteString(" ")
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keysAndValues[i])
		}
	}
	return b.String()
}
