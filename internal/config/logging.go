package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates a dual-output logger: text to console, JSON to the log file.
// An empty file path or an unopenable file yields a console-only logger.
// Returns the logger and a cleanup function that closes the file.
func SetupLogger(cfg LoggingConfig, console io.Writer) (*slog.Logger, func() error) {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: cfg.Level})
	noop := func() error { return nil }

	if cfg.File == "" {
		return slog.New(consoleHandler), noop
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("failed to open log file, using console only", "error", err, "file", cfg.File)
		return logger, noop
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler)), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
}
