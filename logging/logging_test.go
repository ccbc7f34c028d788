package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"DEBUG":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitConfiguresGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := Component("relay")
	logger.Info("dropped")
	logger.Warn("kept", "id", int64(3))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["message"] != "kept" || lines[0]["component"] != "relay" || lines[0]["id"] != float64(3) {
		t.Fatalf("unexpected entry %v", lines[0])
	}
	if _, ok := lines[0]["time"]; ok {
		t.Fatalf("timestamp not requested: %v", lines[0])
	}
}

func TestLoggerPairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	logger.Error("publish failed", "err", errors.New("nack"), "topic", "MessageRelayer", "attempt", 2, "strict", true, "dangling")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["level"] != "error" || entry["err"] != "nack" || entry["topic"] != "MessageRelayer" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["attempt"] != float64(2) || entry["strict"] != true || entry["!BADKEY"] != "dangling" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandler(zerolog.New(&buf).Level(zerolog.InfoLevel)))

	logger.Debug("hidden")
	logger.With("service", "relay").WithGroup("supervisor").Warn("restart", "count", 2, "err", errors.New("boom"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	entry := lines[0]
	if entry["level"] != "warn" || entry["service"] != "relay" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["supervisor.count"] != float64(2) || entry["supervisor.err"] != "boom" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)).
		With(wm.LogFields{"handler": "dlq"})

	logger.Trace("hidden", nil)
	logger.Error("handler failed", errors.New("boom"), wm.LogFields{"uuid": "abc"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["handler"] != "dlq" || entry["uuid"] != "abc" || entry["error"] != "boom" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
