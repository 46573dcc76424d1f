package logging

import "testing"

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", " warn ", "error"} {
		l, err := NewLogger(lvl)
		if err != nil {
			t.Fatalf("%q: %v", lvl, err)
		}
		_ = l.Sync()
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
