package global

import "testing"

func TestDefaultConfigDir_UsesOverride(t *testing.T) {
	t.Setenv("HUBDECK_CONFIG_DIR", "/tmp/hubdeck-config-test")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir returned error: %v", err)
	}
	if got != "/tmp/hubdeck-config-test" {
		t.Fatalf("expected override path, got %q", got)
	}
}
