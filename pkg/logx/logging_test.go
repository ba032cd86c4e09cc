package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARNING ", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "bogus", want: zerolog.InfoLevel},
		{raw: "", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWithFieldsAreApplied(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "broadcast"))
	log.Info("job finished", Int("success", 3), Int64("chat_id", 42))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "broadcast" {
		t.Fatalf("comp = %v, want broadcast", m["comp"])
	}
	if m["success"] != float64(3) {
		t.Fatalf("success = %v, want 3", m["success"])
	}
	if m["message"] != "job finished" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("expected zero logger")
	}
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop() should not report zero")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatal("unexpected Enabled result")
	}
}

func TestRedactWriter(t *testing.T) {
	r := &redactor{}
	r.set([]string{"123456:ABCDEF", "abc", " "})
	var buf bytes.Buffer
	log := NewJSON(&redactWriter{w: &buf, r: r}, "info")
	log.Warn("send failed abc", Err(errors.New("Post https://api.telegram.org/bot123456:ABCDEF/sendMessage: timeout")))

	got := buf.String()
	if strings.Contains(got, "123456:ABCDEF") {
		t.Fatalf("token leaked: %q", got)
	}
	if !strings.Contains(got, "bot"+redactedMark+"/sendMessage") {
		t.Fatalf("got %q, want redacted url", got)
	}
	if !strings.Contains(got, "send failed abc") {
		t.Fatalf("short secret must be ignored: %q", got)
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, Console: false, Redact: []string{"s3cret-dsn"}})
	log.With(String("comp", "storage")).Debug("open", String("dsn", "postgres://u:s3cret-dsn@db/castbot"))

	// level changes reach loggers handed out earlier
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("hidden")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines: got %d, want 1 (%q)", len(lines), b)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "storage" || m["dsn"] != "postgres://u:"+redactedMark+"@db/castbot" {
		t.Fatalf("got %v", m)
	}
}
