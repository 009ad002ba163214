package logging

import "testing"

func TestNewLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", " warn ", ""} {
		if _, err := NewLogger(lvl); err != nil {
			t.Fatalf("level %q: unexpected error: %v", lvl, err)
		}
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
