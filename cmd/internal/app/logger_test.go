package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf, prettyBuf bytes.Buffer
	newLogger(&jsonBuf, "info", "json", false).Info("server.start", "backend", "memory")
	newLogger(&prettyBuf, "info", "pretty", false).Info("server.start", "backend", "memory")

	if !strings.HasPrefix(jsonBuf.String(), "{") || !strings.Contains(jsonBuf.String(), `"msg":"server.start"`) {
		t.Fatalf("json output=%q", jsonBuf.String())
	}
	if !strings.Contains(prettyBuf.String(), "[INFO] server.start") || !strings.Contains(prettyBuf.String(), "backend=memory") {
		t.Fatalf("pretty output=%q", prettyBuf.String())
	}
}

func TestNewLogger_LevelApplies(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "error", "json", false)
	log.Warn("layer.sweep.fail")
	if buf.Len() != 0 {
		t.Fatalf("warn record written at error level: %q", buf.String())
	}
}
