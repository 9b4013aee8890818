package logger

import "testing"

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := New("debug", format, "repairline")
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Fatalf("format %q: debug not enabled", format)
		}
	}
	l, err := New("bogus", "json", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(-1) {
		t.Fatalf("unknown level should default to info")
	}
}
