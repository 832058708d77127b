package logger

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestInitLoggerWritesToBuffer(t *testing.T) {
	buf := NewLogBuffer(10)
	log := InitLogger("info", "json", buf)

	log.Debug("hidden")
	log.Info("Job completed", zap.String("job_id", "abc"))

	lines := buf.Lines()
	if len(lines) != 1 {
		t.Fatalf("got %d lines, expected 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"job_id":"abc"`) || !strings.Contains(lines[0], `"level":"INFO"`) {
		t.Errorf("unexpected line %s", lines[0])
	}
}

func TestLogBufferKeepsLastLines(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(buf, "line %d\n", i)
	}
	buf.Write([]byte("a\nb\n"))

	got := buf.Lines()
	expected := []string{"line 4", "a", "b"}
	if strings.Join(got, "|") != strings.Join(expected, "|") {
		t.Errorf("Lines() = %v, expected %v", got, expected)
	}
}
