package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestInitWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("warn", &buf)
	defer Init("info")

	Info("hidden")
	Warn("shown", "cycle", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "cycle=3")

	buf.Reset()
	SetLevel("debug")
	Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestComponentAndOr(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("info", &buf)
	defer Init("info")

	Component("loop").Info("tick")
	assert.Contains(t, buf.String(), "component=loop")

	d := Discard()
	assert.Same(t, d, Or(d))
	assert.NotNil(t, Or(nil))
}
