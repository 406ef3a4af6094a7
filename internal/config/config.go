package config

import (
	"os"
	"sync"
	"time"
)

// Config is the process-level environment configuration. The global TOML
// profile store can override HubBaseURL per profile; everything here comes
// from HUBDECK_* variables.
type Config struct {
	HubBaseURL     string
	LogLevel       string
	Profile        string
	JournalEnabled bool
	SyncInterval   time.Duration
	DefaultMode    string
	DefaultModelID string
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	base := os.Getenv("HUBDECK_HUB_URL")
	if base == "" {
		base = "http://127.0.0.1:8900"
	}

	level := os.Getenv("HUBDECK_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	profile := os.Getenv("HUBDECK_PROFILE")
	if profile == "" {
		profile = "default"
	}

	journalEnabled := os.Getenv("HUBDECK_JOURNAL") != "0"

	syncSeconds := atoiOrDefault(os.Getenv("HUBDECK_SYNC_INTERVAL"), 5)
	if syncSeconds < 1 {
		syncSeconds = 5
	}

	mode := os.Getenv("HUBDECK_DEFAULT_MODE")
	if mode == "" {
		mode = "agent"
	}
	modelID := os.Getenv("HUBDECK_DEFAULT_MODEL")

	return Config{
		HubBaseURL:     base,
		LogLevel:       level,
		Profile:        profile,
		JournalEnabled: journalEnabled,
		SyncInterval:   time.Duration(syncSeconds) * time.Second,
		DefaultMode:    mode,
		DefaultModelID: modelID,
	}
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
