package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cortexuvula/roomrelay/internal/config"
)

func stdoutConfig(level, format string) config.LoggingConfig {
	return config.LoggingConfig{Level: level, Format: format, MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}
}

func TestSetupStdout(t *testing.T) {
	lj := Setup(stdoutConfig("info", "json"), nil)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}
	slog.Info("test message", "key", "value")
}

func TestSetupTextFormat(t *testing.T) {
	lj := Setup(stdoutConfig("debug", "text"), nil)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}
	slog.Debug("debug message should appear")
}

func TestSetupFileLogging(t *testing.T) {
	dir := t.TempDir()
	cfg := stdoutConfig("info", "json")
	cfg.File = filepath.Join(dir, "test.log")

	lj := Setup(cfg, nil)
	if lj == nil {
		t.Fatal("expected lumberjack logger for file output")
	}
	defer lj.Close()

	slog.Info("file log test", "key", "value")

	info, err := os.Stat(cfg.File)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty")
	}
}

func TestSetupCapturesIntoRing(t *testing.T) {
	ring := NewRing(10)
	Setup(stdoutConfig("info", "json"), ring)

	slog.Debug("filtered out")
	slog.With("room", "r1").Warn("slow consumer", "peer", "p1")

	recs := ring.Recent(0, slog.LevelDebug)
	if len(recs) != 1 {
		t.Fatalf("ring has %d records, want 1", len(recs))
	}
	if recs[0].Message != "slow consumer" {
		t.Errorf("message = %q", recs[0].Message)
	}
	if recs[0].Attrs["room"] != "r1" || recs[0].Attrs["peer"] != "p1" {
		t.Errorf("attrs = %v", recs[0].Attrs)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
