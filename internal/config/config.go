// Package config loads the two configuration layers: the workspace-scoped
// TOML file inside the metadata directory, and the user-global viper
// config that carries credentials and the workspace registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Workspace is the per-workspace configuration stored at
// <workspace>/.docsync/config.
type Workspace struct {
	// RemoteURL is the remote root document the workspace is bound to.
	RemoteURL string `toml:"remote_url"`

	// RootID is the resolved remote identifier of the root document.
	RootID string `toml:"root_id"`

	// PollIntervalSeconds overrides the daemon's remote poll interval.
	PollIntervalSeconds int `toml:"poll_interval_seconds,omitempty"`

	// DebounceSeconds overrides the daemon's debounce window.
	DebounceSeconds int `toml:"debounce_seconds,omitempty"`
}

// Validate checks required fields.
func (w *Workspace) Validate() error {
	if w.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	if w.RootID == "" {
		return fmt.Errorf("root_id is required")
	}
	return nil
}

// LoadWorkspace reads the workspace config at path.
func LoadWorkspace(path string) (*Workspace, error) {
	var cfg Workspace
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workspace config: %w", err)
	}
	return &cfg, nil
}

// SaveWorkspace writes the workspace config to path.
func SaveWorkspace(path string, cfg *Workspace) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid workspace config: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create workspace config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write workspace config: %w", err)
	}
	return nil
}

// RegisteredWorkspace is one row of the global workspace registry shown by
// the list command.
type RegisteredWorkspace struct {
	Path      string `mapstructure:"path" yaml:"path"`
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
}

// Global is the user-wide configuration: credentials, the service base
// URL, and the workspace registry.
type Global struct {
	// Token authenticates against the remote service. Usually supplied via
	// the DOCSYNC_TOKEN environment variable rather than the config file.
	Token string `mapstructure:"token"`

	// APIBaseURL points at the remote service.
	APIBaseURL string `mapstructure:"api_base_url"`

	// Workspaces lists every initialized workspace on this machine.
	Workspaces []RegisteredWorkspace `mapstructure:"workspaces"`
}

const defaultAPIBaseURL = "https://api.docs.example.com"

// globalDir returns the global config directory, honoring
// XDG_CONFIG_HOME.
func globalDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, "docsync"), nil
}

func newViper() (*viper.Viper, string, error) {
	dir, err := globalDir()
	if err != nil {
		return nil, "", err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("DOCSYNC")
	v.AutomaticEnv()
	_ = v.BindEnv("token")
	_ = v.BindEnv("api_base_url")
	v.SetDefault("api_base_url", defaultAPIBaseURL)

	return v, dir, nil
}

// LoadGlobal reads the global config, falling back to environment-only
// settings when no config file exists yet.
func LoadGlobal() (*Global, error) {
	v, _, err := newViper()
	if err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	var cfg Global
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse global config: %w", err)
	}
	return &cfg, nil
}

// RegisterWorkspace adds (or refreshes) a workspace in the global
// registry.
func RegisterWorkspace(path, remoteURL string) error {
	v, dir, err := newViper()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read global config: %w", err)
		}
	}

	var cfg Global
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse global config: %w", err)
	}

	found := false
	for i := range cfg.Workspaces {
		if cfg.Workspaces[i].Path == path {
			cfg.Workspaces[i].RemoteURL = remoteURL
			found = true
			break
		}
	}
	if !found {
		cfg.Workspaces = append(cfg.Workspaces, RegisteredWorkspace{Path: path, RemoteURL: remoteURL})
	}

	v.Set("workspaces", cfg.Workspaces)
	if err := v.WriteConfigAs(filepath.Join(dir, "config.yaml")); err != nil {
		return fmt.Errorf("failed to write global config: %w", err)
	}
	return nil
}
