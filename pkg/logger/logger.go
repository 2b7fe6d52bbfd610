package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Context key for storing logger
type contextKey string

const loggerContextKey contextKey = "atlas-descaler-logger"

const logFileName = "atlas-descaler.log"

// ParseLogLevel converts string log level to logrus.Level with validation
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level '%s'. Valid levels are: debug, info, warning, error", level)
	}
}

// SetupLogger creates a logger with the specified level and, when logDir
// is non-empty, duplicates output into a log file there. The logger is
// stored in the returned context.
func SetupLogger(ctx context.Context, level, logDir string) context.Context {
	logger := logrus.New()

	logLevel, err := ParseLogLevel(level)
	if err != nil {
		fmt.Printf("Warning: %v. Using 'info' level as default.\n", err)
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := filepath.Base(f.File)
			return fmt.Sprintf("[%s:%d]", filename, f.Line), ""
		},
	})

	if logDir != "" {
		if fileWriter, err := setupLogFileWriter(logDir); err != nil {
			fmt.Printf("Warning: Failed to setup log file in directory '%s': %v. Logging to console only.\n", logDir, err)
		} else {
			logger.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
		}
	}

	return context.WithValue(ctx, loggerContextKey, logger)
}

// setupLogFileWriter creates an append-mode file writer in the log directory
func setupLogFileWriter(logDir string) (io.Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory '%s': %w", logDir, err)
	}
	logFilePath := filepath.Join(logDir, logFileName)
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", logFilePath, err)
	}
	return file, nil
}

// GetLoggerFromContext retrieves the logger from context
func GetLoggerFromContext(ctx context.Context) *logrus.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*logrus.Logger); ok {
		return logger
	}
	// Fallback to default logger if not found in context
	return logrus.New()
}
