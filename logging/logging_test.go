package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

// --- Unit Tests ---

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw   string
		want  zerolog.Level
		valid bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{"DEBUG", zerolog.DebugLevel, true},
		{"warn", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"garbage", zerolog.InfoLevel, false},
	}

	for _, tt := range tests {
		got, ok := parseLevel(tt.raw)
		if got != tt.want || ok != tt.valid {
			t.Errorf("parseLevel(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.valid)
		}
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		raw   string
		want  bool
		valid bool
	}{
		{"", false, false},
		{"true", true, true},
		{"0", false, true},
		{"nope", false, false},
	}

	for _, tt := range tests {
		got, ok := parseBool(tt.raw)
		if got != tt.want || ok != tt.valid {
			t.Errorf("parseBool(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.valid)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(bytes.NewBuffer(nil))

	logger := WithComponent("transport")
	logger.Info().Str("addr", "127.0.0.1:0").Msg("bound")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "transport" {
		t.Errorf("component = %v, want transport", entry["component"])
	}
	if entry["message"] != "bound" {
		t.Errorf("message = %v, want bound", entry["message"])
	}
}
