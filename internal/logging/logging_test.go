package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, "": slog.LevelInfo, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn, true)
	log.Info("hidden")
	log.Warn("assoc_retries_exhausted", "peer", "b")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "assoc_retries_exhausted") || !strings.Contains(out, "peer=b") {
		t.Fatalf("unexpected output %q", out)
	}
}
