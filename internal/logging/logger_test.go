package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("stored", "access_token", "eyJhbGciOi", "subject", "user-1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["access_token"] != "[REDACTED]" {
		t.Errorf("access_token was not redacted: %v", line["access_token"])
	}
	if line["subject"] != "user-1" {
		t.Errorf("subject should pass through, got %v", line["subject"])
	}
}

func TestNewAutoUsesJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "auto", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON for a non-terminal writer, got %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Level: "warn", Format: "text", Writer: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := Discard()
	ctx := WithContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("expected stored logger")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default fallback")
	}
}
