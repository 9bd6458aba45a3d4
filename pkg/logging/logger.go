// Package logging provides the structured logger shared by perfcore components.
//
// It keeps a small field-map API on top of logrus so components can log
// without importing logrus directly:
//
//	log := logging.Default().WithComponent("batch")
//	log.Info("Flushed batch", map[string]interface{}{"size": 100})
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds configuration for the logger.
type Config struct {
	Level  string    `yaml:"level"`
	Format Format    `yaml:"format"`
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stdout,
	}
}

// Logger is a field-oriented wrapper around a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger from the given configuration.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level)
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	}

	switch cfg.Format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("invalid log format: %s", cfg.Format)
	}

	return &Logger{entry: logrus.NewEntry(l)}, nil
}

// Default returns a logger backed by the logrus standard logger.
func Default() *Logger {
	return &Logger{entry: logrus.NewEntry(logrus.StandardLogger())}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// ParseLevel parses a level name; an empty string means info.
func ParseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel, errors.Wrapf(err, "invalid log level %q", level)
	}
	return lvl, nil
}

// WithField returns a new logger with an additional context field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a new logger with multiple context fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// WithError attaches err under the standard logrus error key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Entry exposes the underlying logrus entry.
func (l *Logger) Entry() *logrus.Entry {
	return l.entry
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.with(fields).Debug(message)
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.with(fields).Info(message)
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.with(fields).Warn(message)
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.with(fields).Error(message)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *Logger) with(fields []map[string]interface{}) *logrus.Entry {
	e := l.entry
	for _, f := range fields {
		if len(f) > 0 {
			e = e.WithFields(f)
		}
	}
	return e
}
