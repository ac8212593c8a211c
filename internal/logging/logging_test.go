package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true},
		{"error", false, false},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log, err := New(tt.level, "console", &buf)
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.level, err)
		}
		log.V(1).Info("frame dump")
		log.Info("progress")

		out := buf.String()
		if got := strings.Contains(out, "frame dump"); got != tt.wantDebug {
			t.Errorf("level %q: V(1) logged = %v, want %v", tt.level, got, tt.wantDebug)
		}
		if got := strings.Contains(out, "progress"); got != tt.wantInfo {
			t.Errorf("level %q: Info logged = %v, want %v", tt.level, got, tt.wantInfo)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", "json", &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("written", "retries", 2)

	if !strings.Contains(buf.String(), `"retries":2`) {
		t.Errorf("json output = %q, want retries field", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("loud", "console", &bytes.Buffer{}); err == nil {
		t.Error("New() with unknown level expected error, got nil")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("New() with unknown format expected error, got nil")
	}
}
