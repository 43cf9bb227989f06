// Package logger is the process-wide structured logger. It wraps logrus and
// exposes the small surface the rest of the code base uses: a base entry,
// component-scoped children and level/format switches driven by config.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a logrus entry; children created with WithField share the base
// logger's level, formatter and output.
type Logger = logrus.Entry

// Fields is a set of structured log fields.
type Fields = logrus.Fields

var base = newBase(os.Stderr)

// Log is the root entry. Components should prefer WithField("component", ...).
var Log = logrus.NewEntry(base)

func newBase(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// SetLevel parses and applies a level name ("trace", "debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	base.SetLevel(lvl)
	return nil
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) error {
	switch format {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// SetOutput redirects all log output. Tests use it to capture entries.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithField returns a child entry carrying a single field.
func WithField(key string, value interface{}) *Logger {
	return Log.WithField(key, value)
}

// WithFields returns a child entry carrying the given fields.
func WithFields(fields Fields) *Logger {
	return Log.WithFields(fields)
}

func Tracef(format string, args ...interface{}) { Log.Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { Log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Log.Errorf(format, args...) }

func Info(args ...interface{})  { Log.Info(args...) }
func Warn(args ...interface{})  { Log.Warn(args...) }
func Error(args ...interface{}) { Log.Error(args...) }
