// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" Error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_LOG_LEVEL", "debug")
	if got := LevelFromEnv(); got != slog.LevelDebug {
		t.Errorf("LevelFromEnv() = %v, want debug", got)
	}

	t.Setenv("DISPATCH_LOG_LEVEL", "")
	if got := LevelFromEnv(); got != slog.LevelInfo {
		t.Errorf("LevelFromEnv() = %v, want info", got)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "dispatch", Output: &buf})

	logger.Info("starting", "port", 9002)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (got %q)", err, buf.String())
	}
	if record["msg"] != "starting" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["service"] != "dispatch" {
		t.Errorf("service = %v", record["service"])
	}
	if record["port"] != float64(9002) {
		t.Errorf("port = %v", record["port"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered records leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNew_TextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Text: true, Output: &buf})

	logger.Info("hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestNew_NoServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	logger.Info("bare")

	if strings.Contains(buf.String(), "service") {
		t.Errorf("unexpected service attribute: %q", buf.String())
	}
}
