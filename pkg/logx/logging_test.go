package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileSinkWritesStructuredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "debug", Console: false, File: FileConfig{Enabled: true, Path: path}})

	log.Info("hello",
		String("comp", "test"),
		Int("n", 7),
		Duration("d", 250*time.Millisecond),
	)
	log.Trace("filtered out") // below the configured level
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1:\n%s", len(lines), b)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "hello" || entry["comp"] != "test" || entry["n"] != float64(7) {
		t.Fatalf("entry = %v", entry)
	}
}

func TestApplySwapsLevelAtRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	fileCfg := FileConfig{Enabled: true, Path: path}
	svc, log := New(Config{Level: "error", File: fileCfg})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at error level")
	}
	svc.Apply(Config{Level: "trace", File: fileCfg})
	if !log.Enabled(LevelTrace) {
		t.Fatal("existing logger did not pick up the new level")
	}
}

func TestWithAccumulatesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	log.With(String("a", "1")).With(String("b", "2")).Info("msg")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(b))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["a"] != "1" || entry["b"] != "2" {
		t.Fatalf("derived fields missing: %v", entry)
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger must report IsZero")
	}
	zero.Info("nothing happens")
	zero.With(String("k", "v")).Error("still nothing")

	n := Nop()
	if n.IsZero() {
		t.Fatal("Nop() is a real (silent) logger, not the zero value")
	}
	n.Warn("silent")
	if n.Enabled(LevelError) {
		t.Fatal("nop logger must report all levels disabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		" DEBUG ": LevelDebug,
		"Info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo, // falls back to the default
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCaptureStack(t *testing.T) {
	s := CaptureStack()
	if !strings.Contains(s, "logging_test.go") {
		t.Fatalf("stack does not name the caller:\n%s", s)
	}
}
