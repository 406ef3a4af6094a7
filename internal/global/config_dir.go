package global

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir returns ~/.config/hubdeck.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HUBDECK_CONFIG_DIR")); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "hubdeck"), nil
}

// JournalPath returns the journal database file for a profile inside the
// config dir.
func JournalPath(dir, profile string) string {
	name := strings.TrimSpace(profile)
	if name == "" {
		name = "default"
	}
	return filepath.Join(dir, "journal-"+name+".db")
}
