package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration.
type Config struct {
	Girder struct {
		BaseURL  string `yaml:"baseUrl"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		// Token may be set directly instead of user/password.
		Token string `yaml:"token"`
	} `yaml:"girder"`
	SSH struct {
		// KeyStore is a directory holding per-cluster private keys; the
		// file name is the cluster's key name or the cluster id.
		KeyStore       string `yaml:"keyStore"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
		Retries        int    `yaml:"retries"`
	} `yaml:"ssh"`
	Queue struct {
		// Path is the sqlite file backing the task broker. Empty selects
		// the in-memory broker.
		Path                   string `yaml:"path"`
		CommandWorkers         int    `yaml:"commandWorkers"`
		MonitorWorkers         int    `yaml:"monitorWorkers"`
		MonitorIntervalSeconds int    `yaml:"monitorIntervalSeconds"`
	} `yaml:"queue"`
	Taskflow struct {
		// Path lists extra directories scanned by the taskflow layer.
		// Recognized and carried; the engine itself does not interpret it.
		Path []string `yaml:"path"`
	} `yaml:"taskflow"`
}

func (c *Config) applyDefaults() {
	if c.SSH.TimeoutSeconds <= 0 {
		c.SSH.TimeoutSeconds = 5
	}
	if c.Queue.CommandWorkers <= 0 {
		c.Queue.CommandWorkers = 4
	}
	if c.Queue.MonitorWorkers <= 0 {
		c.Queue.MonitorWorkers = 2
	}
	if c.Queue.MonitorIntervalSeconds <= 0 {
		c.Queue.MonitorIntervalSeconds = 5
	}
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/cirro/config.yaml or ~/.config/cirro/config.yaml.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "cirro", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Environment overrides keep credentials out of the YAML file.
	if v := os.Getenv("GIRDER_TOKEN"); v != "" {
		cfg.Girder.Token = v
	}
	if v := os.Getenv("GIRDER_PASSWORD"); v != "" {
		cfg.Girder.Password = v
	}
	cfg.applyDefaults()
	return cfg, nil
}
