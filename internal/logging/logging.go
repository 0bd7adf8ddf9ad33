// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, leveled logging for vmfence,
// built on top of github.com/charmbracelet/log with an optional
// syslog sink for remote aggregation.
package logging

import (
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Config configures a Logger.
type Config struct {
	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
	// Level is the minimum level that will be emitted.
	Level charmlog.Level
	// ReportTimestamp controls whether log lines carry a timestamp.
	ReportTimestamp bool
	// Syslog optionally mirrors log lines to a remote syslog daemon.
	Syslog SyslogConfig
}

// DefaultConfig returns sensible defaults: info level, timestamped,
// written to stderr, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Output:          os.Stderr,
		Level:           charmlog.InfoLevel,
		ReportTimestamp: true,
		Syslog:          DefaultSyslogConfig(),
	}
}

// Logger wraps a charmbracelet/log logger and an optional syslog
// writer that every log line is mirrored to.
type Logger struct {
	base   *charmlog.Logger
	syslog io.WriteCloser
}

// New builds a Logger from cfg. Syslog errors are non-fatal: if the
// remote syslog daemon can't be reached the logger just logs locally
// and notes the failure.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var sw io.WriteCloser
	var syslogErr error
	if cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(cfg.Syslog)
		if err == nil {
			sw = w
			out = io.MultiWriter(out, w)
		} else {
			syslogErr = err
		}
	}

	base := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: cfg.ReportTimestamp,
		Level:           cfg.Level,
	})
	if syslogErr != nil {
		base.Warn("syslog sink unavailable, logging locally only", "error", syslogErr)
	}

	return &Logger{base: base, syslog: sw}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// SetDefault installs l as the package-level default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the current package-level default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger that tags every line with the given
// component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base.With("component", name), syslog: l.syslog}
}

// WithError returns a logger that tags every line with err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{base: l.base.With("error", err), syslog: l.syslog}
}

// Debug logs at debug level with structured key/value pairs.
func (l *Logger) Debug(msg string, keyvals ...any) { l.base.Debug(msg, keyvals...) }

// Info logs at info level with structured key/value pairs.
func (l *Logger) Info(msg string, keyvals ...any) { l.base.Info(msg, keyvals...) }

// Warn logs at warn level with structured key/value pairs.
func (l *Logger) Warn(msg string, keyvals ...any) { l.base.Warn(msg, keyvals...) }

// Error logs at error level with structured key/value pairs.
func (l *Logger) Error(msg string, keyvals ...any) { l.base.Error(msg, keyvals...) }

// Close releases the syslog connection, if any.
func (l *Logger) Close() error {
	if l.syslog != nil {
		return l.syslog.Close()
	}
	return nil
}

// WithComponent tags the default logger's output with a component name.
func WithComponent(name string) *Logger { return Default().WithComponent(name) }

// WithError tags the default logger's output with err.
func WithError(err error) *Logger { return Default().WithError(err) }

// Debug logs at debug level on the default logger.
func Debug(msg string, keyvals ...any) { Default().Debug(msg, keyvals...) }

// Info logs at info level on the default logger.
func Info(msg string, keyvals ...any) { Default().Info(msg, keyvals...) }

// Warn logs at warn level on the default logger.
func Warn(msg string, keyvals ...any) { Default().Warn(msg, keyvals...) }

// Error logs at error level on the default logger.
func Error(msg string, keyvals ...any) { Default().Error(msg, keyvals...) }
