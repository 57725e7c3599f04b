// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the backend services.
//
// The package is a thin configuration layer over Go's standard slog:
// it picks the handler, the minimum level and the output destination
// and hands back a plain *slog.Logger, so the rest of the codebase has
// no dependency on this package beyond construction.
//
// # Basic Usage
//
//	logger := logging.Default("dispatch")
//	logger.Info("starting service", "port", cfg.Port)
//	logger.Error("request failed", "error", err)
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: development troubleshooting, verbose output
//   - Info: normal operations (request start/end, state changes)
//   - Warn: recoverable issues (retry attempts, degraded mode)
//   - Error: operation failures (but the process continues)
//
// The minimum level comes from DISPATCH_LOG_LEVEL when set.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure secrets and tokens are not logged.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger construction.
//
// The zero value gives an info-level JSON logger on stderr.
type Config struct {
	// Level is the minimum level; lower records are dropped.
	Level slog.Level

	// Service is attached to every record as the "service" attribute.
	Service string

	// Text switches from JSON to the human-readable text handler.
	Text bool

	// Output overrides the destination; nil means stderr.
	Output io.Writer
}

// New builds a logger for the given configuration.
//
// Outputs:
//
//	*slog.Logger - Never nil; safe for concurrent use.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Text {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// Default builds a stderr JSON logger for the named service, with the
// level taken from the DISPATCH_LOG_LEVEL environment variable.
func Default(service string) *slog.Logger {
	return New(Config{
		Level:   LevelFromEnv(),
		Service: service,
	})
}

// LevelFromEnv reads DISPATCH_LOG_LEVEL; unset or unknown means info.
//
// Accepted values (case insensitive): debug, info, warn, warning, error.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("DISPATCH_LOG_LEVEL"))
}

// ParseLevel maps a level name onto its slog level; unknown names fall
// back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
