// Package logging configures the application's structured loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

var structuredLogger *slog.Logger

// Init initializes the logging system. Structured JSON goes to stdout and is
// installed as the slog default.
func Init() {
	InitWithLevel(slog.LevelInfo)
}

// InitWithLevel initializes logging with the supplied minimum level.
func InitWithLevel(level slog.Level) {
	initWithWriter(os.Stdout, level)
}

func initWithWriter(w io.Writer, level slog.Level) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	structuredLogger = slog.New(handler)
	slog.SetDefault(structuredLogger)
}

// SetOutput redirects structured log output, preserving the default level.
// Intended for tests.
func SetOutput(w io.Writer) {
	initWithWriter(w, slog.LevelInfo)
}

// Structured returns the globally configured structured logger, falling back
// to slog's default when Init has not been called.
func Structured() *slog.Logger {
	if structuredLogger == nil {
		return slog.Default()
	}
	return structuredLogger
}

// ForService returns a logger with the 'service' attribute added.
func ForService(serviceName string) *slog.Logger {
	return Structured().With("service", serviceName)
}

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// InitFile installs a rotating file as the structured log destination. It
// returns a function that closes the underlying writer.
func InitFile(filePath string, level slog.Level) (func() error, error) {
	writer, err := rotatingWriter(filePath)
	if err != nil {
		return nil, err
	}
	initWithWriter(writer, level)
	return writer.Close, nil
}

// NewFileLogger creates a slog.Logger writing JSON to the given file with
// lumberjack rotation and a 'service' attribute on every record. It returns
// the logger and a function that closes the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Level) (*slog.Logger, func() error, error) {
	writer, err := rotatingWriter(filePath)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("service", serviceName)
	return logger, writer.Close, nil
}

func rotatingWriter(filePath string) (*lumberjack.Logger, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
	}

	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, nil
}
