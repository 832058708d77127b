package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultBufferLines is the number of recent lines kept by a LogBuffer.
const DefaultBufferLines = 1000

// InitLogger creates a zap logger writing to stdout and, when buf is not
// nil, to buf as well. Unknown levels fall back to info.
func InitLogger(level, format string, buf *LogBuffer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sink := zapcore.Lock(os.Stdout)
	if buf != nil {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(buf))
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogBuffer captures the most recent log lines in memory
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewLogBuffer creates a buffer keeping the last max lines.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = DefaultBufferLines
	}
	return &LogBuffer{lines: make([]string, 0, max), max: max}
}

func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		lb.lines = append(lb.lines, line)
	}
	if len(lb.lines) > lb.max {
		lb.lines = append(lb.lines[:0], lb.lines[len(lb.lines)-lb.max:]...)
	}
	return len(p), nil
}

// Lines returns a copy of the buffered lines, oldest first.
func (lb *LogBuffer) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, len(lb.lines))
	copy(out, lb.lines)
	return out
}
