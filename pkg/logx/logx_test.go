package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "upload"))

	log.Debug("hidden")
	log.Info("posted", Int("part", 3), Size("bytes", 1536), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("bad json %q: %v", lines[0], err)
	}
	want := map[string]any{"message": "posted", "comp": "upload", "part": float64(3), "bytes": "1.5 KiB", "err": "boom", "level": "info"}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("%s = %v, want %v (line %s)", k, rec[k], v, lines[0])
		}
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", rec["caller"])
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger reports non-zero")
	}
	zero.Info("discarded")
	if Nop().IsZero() {
		t.Fatal("Nop() reports zero")
	}
	if Nop().With().IsZero() {
		t.Fatal("With() without fields dropped the sink")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" WARNING ", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("ParseLevel(%q) = %v, %v", tc.in, got, ok)
		}
	}
}

func TestServiceApplyFileAndLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "newsup.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("before")
	log.Info("first")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !log.Enabled(LevelDebug) {
		t.Fatal("existing logger did not follow Apply")
	}
	log.Debug("after")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, `"before"`) || !strings.Contains(out, `"first"`) || !strings.Contains(out, `"after"`) {
		t.Fatalf("log file:\n%s", out)
	}
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("Config().Level = %q", got)
	}
}

func TestServiceApplyReportsUnopenableFile(t *testing.T) {
	t.Parallel()
	svc, _ := New(Config{Level: "error"})
	defer svc.Close()
	bad := filepath.Join(t.TempDir(), "missing", "dir", "x.log")
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: bad}}); err == nil {
		t.Fatal("Apply() accepted a file in a missing directory")
	}
}
