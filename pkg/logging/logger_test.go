// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownLevel) {
					t.Fatalf("ParseLevel(%q) error = %v, want ErrUnknownLevel", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_YAMLRoundTrip(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte("level: warn\nformat: json\nservice: relay\n"), &cfg); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if cfg.Level != LevelWarn || cfg.Format != FormatJSON || cfg.Service != "relay" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}
	if !strings.Contains(string(out), "level: warn") {
		t.Errorf("marshalled level should be lower-case name, got:\n%s", out)
	}

	if err := yaml.Unmarshal([]byte("level: loud\n"), &cfg); err == nil {
		t.Error("expected error for unknown level")
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_UnknownFormat(t *testing.T) {
	_, err := NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Format: FormatJSON, Service: "relay"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	defer logger.Close()

	logger.Slog().Info("session opened", "session_id", "s-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != "relay" {
		t.Errorf("service = %v, want relay", record["service"])
	}
	if record["session_id"] != "s-1" {
		t.Errorf("session_id = %v, want s-1", record["session_id"])
	}
}

func TestNew_AutoFormatOnNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Slog().Info("hello")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format on a buffer should be JSON, got %q", buf.String())
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Format: FormatText}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Slog().Info("hello", "k", "v")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output missing msg, got %q", buf.String())
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record should be written")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	var console bytes.Buffer

	logger, err := NewWithWriter(Config{LogDir: tmpDir, Service: "relay", Quiet: true}, &console)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Slog().Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if console.Len() != 0 {
		t.Errorf("quiet logger wrote to console: %q", console.String())
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "relay_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestNew_LogDirAndConsole(t *testing.T) {
	tmpDir := t.TempDir()
	var console bytes.Buffer

	logger, err := NewWithWriter(Config{LogDir: tmpDir, Format: FormatText}, &console)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	defer logger.Close()

	logger.Slog().Warn("both")
	if !strings.Contains(console.String(), "both") {
		t.Error("console should receive the record")
	}
}

func TestNew_LogDirUnwritable(t *testing.T) {
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewWithWriter(Config{LogDir: filepath.Join(blocker, "logs")}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error when log dir is under a regular file")
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger, err := NewWithWriter(Config{LogDir: t.TempDir()}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Handle_LevelFiltering(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be enabled by the first handler")
	}

	logger := slog.New(mh)
	logger.Info("info only")

	if debugBuf.Len() == 0 {
		t.Error("debug handler should receive info")
	}
	if errorBuf.Len() != 0 {
		t.Error("error handler should not receive info")
	}
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf1, nil),
		slog.NewTextHandler(&buf2, nil),
	}}

	logger := slog.New(mh.WithAttrs([]slog.Attr{slog.String("tenant", "acme")}).WithGroup("req"))
	logger.Info("x", "id", 7)

	for i, out := range []string{buf1.String(), buf2.String()} {
		if !strings.Contains(out, "tenant=acme") || !strings.Contains(out, "req.id=7") {
			t.Errorf("handler %d output missing attrs: %q", i, out)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
