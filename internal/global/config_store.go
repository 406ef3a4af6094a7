package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"
	defaultHubBaseURL  = "http://127.0.0.1:8900"
)

// HubProfile names one hub endpoint. The CLI's --profile flag and
// HUBDECK_PROFILE select among these.
type HubProfile struct {
	Name     string `toml:"name"`
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token,omitempty"`
}

type JournalConfig struct {
	Enabled    bool `toml:"enabled"`
	RetainDays int  `toml:"retain_days"`
}

type GlobalConfig struct {
	ActiveProfile string        `toml:"active_profile"`
	Profiles      []HubProfile  `toml:"profiles"`
	Journal       JournalConfig `toml:"journal"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

// LoadOrInit reads config.toml, creating it with defaults on first run.
func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{Journal: JournalConfig{Enabled: true}})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

// Profile resolves a profile by name, falling back to the active profile
// and then to the first one.
func (cfg GlobalConfig) Profile(name string) HubProfile {
	want := strings.TrimSpace(name)
	if want == "" {
		want = cfg.ActiveProfile
	}
	for _, profile := range cfg.Profiles {
		if profile.Name == want {
			return profile
		}
	}
	if len(cfg.Profiles) > 0 {
		return cfg.Profiles[0]
	}
	return HubProfile{Name: "default", BaseURL: defaultHubBaseURL}
}

// normalizeConfig guarantees at least one well-formed profile and a valid
// active profile name. Duplicate profile names keep their first occurrence.
func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	seen := map[string]struct{}{}
	kept := make([]HubProfile, 0, len(cfg.Profiles))
	for _, profile := range cfg.Profiles {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		baseURL := strings.TrimRight(strings.TrimSpace(profile.BaseURL), "/")
		if baseURL == "" {
			baseURL = defaultHubBaseURL
		}
		kept = append(kept, HubProfile{
			Name:     name,
			BaseURL:  baseURL,
			APIToken: strings.TrimSpace(profile.APIToken),
		})
	}
	if len(kept) == 0 {
		kept = []HubProfile{{Name: "default", BaseURL: defaultHubBaseURL}}
	}
	cfg.Profiles = kept

	active := strings.TrimSpace(cfg.ActiveProfile)
	if _, ok := seen[active]; !ok {
		active = kept[0].Name
	}
	cfg.ActiveProfile = active

	if cfg.Journal.RetainDays <= 0 {
		cfg.Journal.RetainDays = 14
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
