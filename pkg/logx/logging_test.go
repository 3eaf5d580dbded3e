package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "jobs"))
	log.Info("job created", String("name", "nightly"), Int("retention", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "jobs" || m["name"] != "nightly" {
		t.Fatalf("missing fields in %v", m)
	}
	if m["message"] != "job created" {
		t.Fatalf("message = %v", m["message"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field in %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// must not panic
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cupcake.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Debug("hidden")
	log.Warn("visible", String("k", "v"))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if bytes.Contains(b, []byte("hidden")) {
		t.Fatalf("debug line written at info level: %s", b)
	}
	if !bytes.Contains(b, []byte("visible")) {
		t.Fatalf("warn line missing: %s", b)
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now-visible")
	b, _ = os.ReadFile(path)
	if !bytes.Contains(b, []byte("now-visible")) {
		t.Fatalf("debug line missing after Apply: %s", b)
	}
}

func TestNewConsoleHonorsLevel(t *testing.T) {
	l := NewConsole("warn")
	if l.IsZero() {
		t.Fatal("console logger is zero")
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelWarn) {
		t.Fatalf("level gate wrong: info=%v warn=%v", l.Enabled(LevelInfo), l.Enabled(LevelWarn))
	}
}
