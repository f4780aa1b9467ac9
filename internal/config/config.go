package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Driver selects the sandbox mount implementation
type Driver string

const (
	DriverNone   Driver = "none"
	DriverDir    Driver = "dir"
	DriverDocker Driver = "docker"
)

const (
	DefaultListenAddr    = "127.0.0.1:8788"
	DefaultContainerPath = "/home/project"
)

// Config represents the complete treeforge configuration
type Config struct {
	Session SessionConfig `yaml:"session"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Journal JournalConfig `yaml:"journal"`
	Serve   ServeConfig   `yaml:"serve"`
}

// SessionConfig configures how documents are folded
type SessionConfig struct {
	Review    bool   `yaml:"review"`
	AutoMount bool   `yaml:"auto_mount"`
	BaseDir   string `yaml:"base_dir"`
}

// SandboxConfig configures where mount trees are materialized
type SandboxConfig struct {
	Driver        Driver `yaml:"driver"`
	Dir           string `yaml:"dir"`
	Prune         bool   `yaml:"prune"`
	Container     string `yaml:"container"`
	ContainerPath string `yaml:"container_path"`
}

// JournalConfig configures the session journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ServeConfig configures the HTTP shell
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Session.BaseDir = os.ExpandEnv(c.Session.BaseDir)
	c.Sandbox.Dir = os.ExpandEnv(c.Sandbox.Dir)
	c.Sandbox.Container = os.ExpandEnv(c.Sandbox.Container)
	c.Sandbox.ContainerPath = os.ExpandEnv(c.Sandbox.ContainerPath)
	c.Journal.Path = os.ExpandEnv(c.Journal.Path)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = DriverNone
	}
	if c.Sandbox.Driver == DriverDocker && c.Sandbox.ContainerPath == "" {
		c.Sandbox.ContainerPath = DefaultContainerPath
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Session.BaseDir != "" && !filepath.IsAbs(c.Session.BaseDir) {
		return fmt.Errorf("session.base_dir must be an absolute path: %s", c.Session.BaseDir)
	}

	switch c.Sandbox.Driver {
	case DriverNone:
		// nothing to check
	case DriverDir:
		if c.Sandbox.Dir == "" {
			return fmt.Errorf("sandbox.dir is required for the dir driver")
		}
		if !filepath.IsAbs(c.Sandbox.Dir) {
			return fmt.Errorf("sandbox.dir must be an absolute path: %s", c.Sandbox.Dir)
		}
	case DriverDocker:
		if c.Sandbox.Container == "" {
			return fmt.Errorf("sandbox.container is required for the docker driver")
		}
		// container paths are always slash-separated
		if !path.IsAbs(c.Sandbox.ContainerPath) {
			return fmt.Errorf("sandbox.container_path must be an absolute path: %s", c.Sandbox.ContainerPath)
		}
	default:
		return fmt.Errorf("invalid sandbox.driver: %s (must be none, dir, or docker)", c.Sandbox.Driver)
	}

	if c.Sandbox.Prune && c.Sandbox.Driver != DriverDir {
		return fmt.Errorf("sandbox.prune is only supported by the dir driver")
	}

	if c.Journal.Path != "" && !filepath.IsAbs(c.Journal.Path) {
		return fmt.Errorf("journal.path must be an absolute path: %s", c.Journal.Path)
	}

	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}

	return nil
}

// SandboxEnabled reports whether mounts leave the process
func (c *Config) SandboxEnabled() bool {
	return c.Sandbox.Driver != DriverNone
}
