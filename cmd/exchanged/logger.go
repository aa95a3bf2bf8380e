// logger.go - Structured logging for the exchange daemon
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the daemon's zerolog logger: console output always,
// plus an append-only JSON log file when one is configured.
func NewLogger(level string, logFile string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}

	var closer io.Closer
	var w io.Writer = console
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = file
		w = zerolog.MultiLevelWriter(console, file)
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "exchanged").Logger()
	return logger, closer, nil
}
