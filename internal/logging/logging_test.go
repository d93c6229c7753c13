package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("ParseLevel(loud) error = %v, want %v", err, ErrInvalidLevel)
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "elucide.log")
	logger, err := New(Options{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("cache_hit", zap.String("thread", "t1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"cache_hit"`) || !strings.Contains(string(data), `"thread":"t1"`) {
		t.Fatalf("log output = %s", data)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestRedactToken(t *testing.T) {
	t.Parallel()

	if got := RedactToken("sk-abcdef1234"); got != "<redacted>1234" {
		t.Fatalf("RedactToken() = %q", got)
	}
	if got := RedactToken("abc"); got != "<redacted>" {
		t.Fatalf("RedactToken(short) = %q", got)
	}
	if got := RedactToken(""); got != "" {
		t.Fatalf("RedactToken(empty) = %q", got)
	}
}
