// Package logger holds the process-wide structured logger.
//
// Every package logs through the helpers here so that the webhook server, the
// engine and the platform connectors share one output, one level and one
// format. Events are named in kebab-case and carry their context as fields:
//
//	logger.WithFields(logrus.Fields{
//		"platform": "slack",
//		"session":  key,
//	}).Warn("session-update-failed")
package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu           sync.RWMutex
	globalLogger *logrus.Logger
)

// Config represents the configuration for the logger
type Config struct {
	Level        string
	File         string
	MaxSize      int
	MaxBackups   int
	MaxAge       int
	Compress     bool
	EnableStdout bool
}

// InitLogger builds a logger from config and installs it as the global one
func InitLogger(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// New builds a logger without installing it
func New(config Config) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	writers, err := outputs(config)
	if err != nil {
		return nil, err
	}
	if len(writers) > 0 {
		l.SetOutput(io.MultiWriter(writers...))
	}

	l.SetFormatter(formatterFor(level))
	return l, nil
}

// outputs returns the configured sinks; the file sink rotates through lumberjack
func outputs(config Config) ([]io.Writer, error) {
	var writers []io.Writer

	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,    // megabytes
			MaxBackups: config.MaxBackups, // number of backups
			MaxAge:     config.MaxAge,     // days
			Compress:   config.Compress,
		})
	}

	if config.EnableStdout {
		writers = append(writers, os.Stdout)
	}

	return writers, nil
}

// formatterFor picks colored text for debugging and JSON otherwise
func formatterFor(level logrus.Level) logrus.Formatter {
	if level == logrus.DebugLevel {
		return &logrus.TextFormatter{
			ForceColors:     true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	}
}

// SetLogger replaces the global logger
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = l
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = logrus.New()
		globalLogger.SetLevel(logrus.InfoLevel)
		globalLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return globalLogger
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// WithFields returns a logger entry with structured fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithField returns a logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithPlatform returns a logger entry tagged with the platform name
func WithPlatform(platform string) *logrus.Entry {
	return GetLogger().WithField("platform", platform)
}
