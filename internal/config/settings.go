package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is remapd's own configuration, distinct from the engine
// config it manages. Loaded from ~/.config/remapd/remapd.yaml; every
// field has a default so the file is optional.
type Settings struct {
	// TCPPort is the engine's reload/status TCP port on loopback.
	TCPPort int `yaml:"tcp_port"`

	// ConfigPath is the engine config file remapd owns.
	ConfigPath string `yaml:"config_path"`

	// BackupDir holds timestamped pre-change backups.
	BackupDir string `yaml:"backup_dir"`

	// EnginePath is the kanata binary the LaunchDaemon runs.
	EnginePath string `yaml:"engine_path"`

	// EngineLogPath is where launchd sends the engine's stderr; the
	// diagnostics engine follows it.
	EngineLogPath string `yaml:"engine_log_path"`

	// JournalPath is the SQLite diagnostics journal.
	JournalPath string `yaml:"journal_path"`

	// MinEngineVersion is the lowest engine version the supervisor
	// accepts without warning.
	MinEngineVersion string `yaml:"min_engine_version"`
}

// DefaultSettings returns settings rooted under the user's home.
func DefaultSettings() Settings {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "remapd")
	return Settings{
		TCPPort:          5829,
		ConfigPath:       filepath.Join(base, "mappings.kbd"),
		BackupDir:        filepath.Join(base, "backups"),
		EnginePath:       "/usr/local/bin/kanata",
		EngineLogPath:    "/var/tmp/remapd-engine.log",
		JournalPath:      filepath.Join(base, "journal.db"),
		MinEngineVersion: "1.6.0",
	}
}

// SettingsPath returns the default settings file location.
func SettingsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "remapd", "remapd.yaml")
}

// LoadSettings reads the settings file, applying defaults for absent
// fields. A missing file yields pure defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}
	if settings.TCPPort <= 0 || settings.TCPPort > 65535 {
		return DefaultSettings(), fmt.Errorf("settings: tcp_port %d out of range", settings.TCPPort)
	}
	return settings, nil
}
