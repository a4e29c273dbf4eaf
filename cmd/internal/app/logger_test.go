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

func TestNewLogHandler_Format(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	slog.New(newLogHandler(&jsonBuf, "info", "json", false)).Info("branch.watch", "branch", "room1")
	if !strings.HasPrefix(jsonBuf.String(), "{") || !strings.Contains(jsonBuf.String(), `"msg":"branch.watch"`) {
		t.Fatalf("expected json record, got %q", jsonBuf.String())
	}

	var prettyBuf bytes.Buffer
	slog.New(newLogHandler(&prettyBuf, "info", "pretty", false)).Info("branch.watch", "branch", "room1")
	out := prettyBuf.String()
	if !strings.Contains(out, "msg=branch.watch") || !strings.Contains(out, "branch=room1") {
		t.Fatalf("expected pretty record, got %q", out)
	}

	var quiet bytes.Buffer
	slog.New(newLogHandler(&quiet, "warn", "json", false)).Info("dropped")
	if quiet.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", quiet.String())
	}
}
