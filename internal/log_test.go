package internal

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func TestNewDefaultLoggerLevels(t *testing.T) {
	cases := []struct {
		env  string
		want LogLevel
	}{
		{"ERROR", LogLevelError},
		{"WARN", LogLevelWarn},
		{"DEBUG", LogLevelDebug},
		{"", LogLevelInfo},
		{"garbage", LogLevelInfo},
	}
	for _, tc := range cases {
		t.Setenv("LOG_LEVEL", tc.env)
		if got := NewDefaultLogger().GetLevel(); got != tc.want {
			t.Errorf("LOG_LEVEL=%q: GetLevel() = %d, want %d", tc.env, got, tc.want)
		}
	}
}

func TestLoggerSuppressesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := NewLogger(LogLevelWarn)
	l.Debug("hidden debug")
	l.Info("hidden info")
	l.Warn("visible warning")
	l.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below the level leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] visible warning") || !strings.Contains(out, "[ERROR] visible error") {
		t.Errorf("expected warn and error output, got %q", out)
	}
}
