package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileSinkWritesJSONAndFollowsApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "medremind.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}

	var console bytes.Buffer
	s := &Service{stdout: &console}
	s.Apply(cfg)
	log := s.Logger().With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Warn("delivery failed", Reminder("r-1"), Err(errors.New("boom")), Int("attempt", 1))

	cfg.Level = "debug"
	s.Apply(cfg)
	if !log.Enabled(LevelDebug) {
		t.Fatal("logger did not follow Apply")
	}
	log.Debug("now visible")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	lines := readJSONLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	first := lines[0]
	if first["message"] != "delivery failed" || first["comp"] != "dispatch" || first["reminder"] != "r-1" || first["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", first)
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", first["caller"])
	}
	if lines[1]["message"] != "now visible" {
		t.Fatalf("second line = %v", lines[1])
	}
	if console.Len() != 0 {
		t.Fatalf("console sink written while disabled: %q", console.String())
	}
}

func TestConsoleFallbackWhenNoSink(t *testing.T) {
	t.Parallel()
	var console bytes.Buffer
	s := &Service{stdout: &console}
	s.Apply(Config{Level: "warn"})

	s.Logger().Info("dropped")
	s.Logger().Error("kept", Reminder("r-2"))

	out := console.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") || !strings.Contains(out, "r-2") {
		t.Fatalf("console output = %q", out)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"warning", LevelWarn},
		{" DEBUG ", LevelDebug},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
