// Package config loads the application configuration from XDG-compliant
// locations.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main application configuration.
type Config struct {
	General General `toml:"general"`
	Account Account `toml:"account"`
	Backend Backend `toml:"backend"`
	History History `toml:"history"`
	Logging Logging `toml:"logging"`
	Storage Storage `toml:"storage"`
}

// General contains general application settings.
type General struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// Account is the messaging account to sign in with.
type Account struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`

	// Endpoint overrides where the session is established: a ws:// or
	// wss:// URL selects the websocket transport, a host or host:port
	// dials directly, and empty dials the account's domain.
	Endpoint string `toml:"endpoint"`

	Resource string `toml:"resource"`
}

// Backend selects how the application reaches the service.
type Backend struct {
	// Mode is engine, bridge, or off.
	Mode string `toml:"mode"`

	// BridgePath is the bridge plugin binary, used when Mode is bridge.
	BridgePath string `toml:"bridge_path"`
}

// History tunes the conversation cache and archive fetches.
type History struct {
	// PageSize caps messages fetched from the server archive per query.
	PageSize int `toml:"page_size"`

	// ArchiveTimeoutSeconds bounds one archive fetch.
	ArchiveTimeoutSeconds int `toml:"archive_timeout_seconds"`
}

// Logging contains logging settings.
type Logging struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// Storage contains persistence settings.
type Storage struct {
	// SaveMessages enables/disables message history on disk.
	SaveMessages bool `toml:"save_messages"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever).
	MessageRetentionDays int `toml:"message_retention_days"`

	// VacuumOnStartup runs database vacuum on startup.
	VacuumOnStartup bool `toml:"vacuum_on_startup"`
}

// Paths holds the XDG-compliant paths for the application.
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		General: General{
			DataDir:     "",
			AutoConnect: true,
		},
		Account: Account{
			Resource: "warbler",
		},
		Backend: Backend{
			Mode: "engine",
		},
		History: History{
			PageSize:              100,
			ArchiveTimeoutSeconds: 10,
		},
		Logging: Logging{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: Storage{
			SaveMessages:         true,
			MessageRetentionDays: 0,
			VacuumOnStartup:      false,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "warbler")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "warbler")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "warbler")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file, falling back to
// defaults when none exists.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.General.DataDir = paths.DataDir
		cfg.Logging.File = filepath.Join(paths.DataDir, "warbler.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "warbler.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if cfg.Backend.BridgePath != "" {
		cfg.Backend.BridgePath = expandPath(cfg.Backend.BridgePath)
	}

	if cfg.History.PageSize <= 0 {
		cfg.History.PageSize = 100
	}
	if cfg.History.ArchiveTimeoutSeconds <= 0 {
		cfg.History.ArchiveTimeoutSeconds = 10
	}

	return cfg, nil
}

// Save saves the configuration to the config file.
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
