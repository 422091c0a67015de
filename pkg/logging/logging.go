// Package logging configures Logrus for HoloFusion binaries and tests.
//
// Every component takes a logrus.FieldLogger. Session transitions attach the
// session, dataset and state fields so one run can be followed in the log.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/holofusion/pkg/config"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

// New builds a logger from cfg. The returned close function releases the
// output file when Output names one; it is a no-op otherwise.
func New(cfg config.LoggingConfig) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	closeFn := func() error { return nil }

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, closeFn, err
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
		})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:             true,
			TimestampFormat:           "2006-01-02 15:04:05.000000 MST",
			EnvironmentOverrideColors: true,
		})
	default:
		return nil, closeFn, fuserr.Newf(fuserr.ConfigError, "logging", "unknown format %q", cfg.Format)
	}

	switch cfg.Output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closeFn, fuserr.Wrap(fuserr.ConfigError, "logging", err)
		}
		logger.SetOutput(f)
		closeFn = f.Close
	}

	logger.AddHook(utcHook{})
	return logger, closeFn, nil
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fuserr.Newf(fuserr.ConfigError, "logging", "unknown level %q", s)
}

// Discard returns a logger that drops everything. Used by tests and library
// callers that do not care about logs.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// utcHook converts entry timestamps to UTC.
type utcHook struct{}

func (utcHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (utcHook) Fire(entry *logrus.Entry) error {
	entry.Time = entry.Time.UTC()
	return nil
}

// BadgerLogger adapts a logrus logger to badger.Logger. Badger's info
// chatter is demoted to debug.
type BadgerLogger struct {
	Log logrus.FieldLogger
}

// NewBadgerLogger tags every Badger message with component=badger.
func NewBadgerLogger(log logrus.FieldLogger) *BadgerLogger {
	return &BadgerLogger{Log: log.WithField("component", "badger")}
}

func (b *BadgerLogger) Errorf(format string, args ...interface{}) {
	b.Log.Errorf(strings.TrimSpace(format), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...interface{}) {
	b.Log.Warnf(strings.TrimSpace(format), args...)
}

func (b *BadgerLogger) Infof(format string, args ...interface{}) {
	b.Log.Debugf(strings.TrimSpace(format), args...)
}

func (b *BadgerLogger) Debugf(format string, args ...interface{}) {
	b.Log.Debugf(strings.TrimSpace(format), args...)
}
