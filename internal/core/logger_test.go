package core

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerComponentLevels(t *testing.T) {
	zc, logs := observer.New(zapcore.DebugLevel)
	l := NewLoggerWithCore(LogConfig{
		Level:      "warn",
		Components: map[string]string{"Gateway": "debug"},
	}, zc)

	l.Infof("Session", "dropped %d", 1)
	l.Warnf("Session", "kept %d", 2)
	l.Debugf("gateway", "kept %d", 3)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Message != "kept 2" || entries[0].LoggerName != "Session" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Message != "kept 3" || entries[1].Level != zapcore.DebugLevel {
		t.Errorf("second entry = %+v", entries[1])
	}
}
