package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input    string
		expected zapcore.Level
		valid    bool
	}{
		{"", zapcore.InfoLevel, true},
		{"DEBUG", zapcore.DebugLevel, true},
		{" warning ", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"verbose", zapcore.InfoLevel, false},
	}
	for _, tc := range cases {
		level, err := ParseLevel(tc.input)
		if level != tc.expected {
			t.Fatalf("level for %q: expected %s, got %s", tc.input, tc.expected, level)
		}
		if (err == nil) != tc.valid {
			t.Fatalf("unexpected error for %q: %v", tc.input, err)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}

	fallback, err := NewLogger("chatty")
	if err != nil {
		t.Fatalf("expected unknown levels to fall back, got %v", err)
	}
	if !fallback.Core().Enabled(zapcore.InfoLevel) || fallback.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info fallback level")
	}
}
