// Package config provides configuration management for homeport.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcheli/homeport/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.homeport).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".homeport"), nil
}

// DefaultConfigPath returns the default config file path (~/.homeport/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// SSHConfig holds the connection settings for the constrained channel.
type SSHConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port,omitempty"`
	User           string        `yaml:"user"`
	PrivateKeyPath string        `yaml:"private_key_path,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	HostKey        string        `yaml:"host_key,omitempty"`          // Base64-encoded SSH public key
	KnownHostsFile string        `yaml:"known_hosts_file,omitempty"`  // Path to known_hosts file
	SessionBudget  int           `yaml:"session_budget,omitempty"`   // Max concurrent sessions the host accepts
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	KeepAlive      time.Duration `yaml:"keep_alive,omitempty"`
	ExecTimeout    time.Duration `yaml:"exec_timeout,omitempty"`
}

// Validate checks the SSH configuration.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return errors.New("ssh: host is required")
	}
	if c.User == "" {
		return errors.New("ssh: user is required")
	}
	if c.PrivateKeyPath == "" && c.Password == "" {
		return errors.New("ssh: private_key_path or password is required")
	}
	if c.HostKey == "" && c.KnownHostsFile == "" {
		return errors.New("ssh: host key verification required; provide host_key or known_hosts_file")
	}
	if c.SessionBudget < 0 {
		return errors.New("ssh: session_budget cannot be negative")
	}
	return nil
}

// RetryConfig is the retry policy for transient transport errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Backoff     time.Duration `yaml:"backoff,omitempty"`
}

// BackupConfig controls local backup storage and retention.
type BackupConfig struct {
	// Dir is the local directory holding captured backups.
	Dir string `yaml:"dir,omitempty"`
	// KeepLast is the per-service retention count; older backups beyond
	// this are evicted oldest-first.
	KeepLast int `yaml:"keep_last,omitempty"`
}

// PortainerConfig points at an optional Portainer instance in front of the
// docker host. Used only for structured stack exports during backup.
type PortainerConfig struct {
	URL                string `yaml:"url"`
	APIKey             string `yaml:"api_key"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// Enabled reports whether Portainer integration is configured.
func (c *PortainerConfig) Enabled() bool {
	return c != nil && c.URL != "" && c.APIKey != ""
}

// BundleEntry is one manifest entry of a service bundle.
type BundleEntry struct {
	// Path is relative to the service source directory.
	Path string `yaml:"path"`
	// Optional entries are included only if present on disk.
	Optional bool `yaml:"optional,omitempty"`
}

// ServiceConfig describes one deployable service.
type ServiceConfig struct {
	Name string `yaml:"name"`
	// Project is the docker compose project name; defaults to Name.
	Project string `yaml:"project,omitempty"`
	// SourceDir is the local directory the bundle is built from.
	SourceDir string `yaml:"source_dir"`
	// ComposeFile is the service definition path relative to SourceDir.
	// Mandatory bundle entry; defaults to docker-compose.yml.
	ComposeFile string `yaml:"compose_file,omitempty"`
	// Include lists additional bundle entries.
	Include []BundleEntry `yaml:"include,omitempty"`
	// RemoteDir is the live working directory on the host.
	RemoteDir string `yaml:"remote_dir"`
	// Stack is the Portainer stack name, when Portainer is configured.
	Stack string `yaml:"stack,omitempty"`
	// HealthChecks is the ordered post-apply health check spec.
	HealthChecks []models.HealthCheck `yaml:"health_checks,omitempty"`
	// SettleTime is an extra wait after apply before validation starts.
	SettleTime time.Duration `yaml:"settle_time,omitempty"`
}

// ComposeFileName returns the configured compose file or its default.
func (s *ServiceConfig) ComposeFileName() string {
	if s.ComposeFile == "" {
		return "docker-compose.yml"
	}
	return s.ComposeFile
}

// ProjectName returns the compose project name for the service.
func (s *ServiceConfig) ProjectName() string {
	if s.Project == "" {
		return s.Name
	}
	return s.Project
}

// Validate checks the service configuration.
func (s *ServiceConfig) Validate() error {
	if s.Name == "" {
		return errors.New("service: name is required")
	}
	if s.SourceDir == "" {
		return fmt.Errorf("service %s: source_dir is required", s.Name)
	}
	if s.RemoteDir == "" {
		return fmt.Errorf("service %s: remote_dir is required", s.Name)
	}
	if !filepath.IsAbs(s.RemoteDir) {
		return fmt.Errorf("service %s: remote_dir must be absolute", s.Name)
	}
	for i := range s.HealthChecks {
		if err := s.HealthChecks[i].Validate(); err != nil {
			return fmt.Errorf("service %s: %w", s.Name, err)
		}
	}
	return nil
}

// DeployConfig holds orchestrator-level behavior switches.
type DeployConfig struct {
	// ContinueOnError lets deploy-all keep going past a failed service.
	// Off by default: a dependent service is never deployed after its
	// dependency failed to commit.
	ContinueOnError bool `yaml:"continue_on_error,omitempty"`
	// RetryAfterRollback makes the orchestrator attempt one fresh
	// deployment after a rolled_back outcome.
	RetryAfterRollback bool `yaml:"retry_after_rollback,omitempty"`
}

// MonitorConfig schedules periodic health sweeps of committed services.
type MonitorConfig struct {
	// Schedule is a cron expression; empty disables the monitor.
	Schedule string `yaml:"schedule,omitempty"`
}

// APIConfig configures the read-only status API.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Config is the root homeport configuration.
type Config struct {
	SSH       SSHConfig        `yaml:"ssh"`
	Retry     RetryConfig      `yaml:"retry,omitempty"`
	Backup    BackupConfig     `yaml:"backup,omitempty"`
	Deploy    DeployConfig     `yaml:"deploy,omitempty"`
	Portainer *PortainerConfig `yaml:"portainer,omitempty"`
	Monitor   MonitorConfig    `yaml:"monitor,omitempty"`
	API       APIConfig        `yaml:"api,omitempty"`
	// DataDir holds local state (history database, bundle staging).
	DataDir string `yaml:"data_dir,omitempty"`
	// Services is the ordered deployment list. Order is significant:
	// services are deployed strictly one at a time, first to last.
	Services []ServiceConfig `yaml:"services"`
}

// Defaults applied by Load.
const (
	DefaultSessionBudget  = 2
	DefaultConnectTimeout = 30 * time.Second
	DefaultKeepAlive      = 10 * time.Second
	DefaultExecTimeout    = 5 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 5 * time.Second
	DefaultKeepLast       = 5
)

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() error {
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.SessionBudget == 0 {
		c.SSH.SessionBudget = DefaultSessionBudget
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SSH.KeepAlive == 0 {
		c.SSH.KeepAlive = DefaultKeepAlive
	}
	if c.SSH.ExecTimeout == 0 {
		c.SSH.ExecTimeout = DefaultExecTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = DefaultRetryBackoff
	}
	if c.Backup.KeepLast == 0 {
		c.Backup.KeepLast = DefaultKeepLast
	}
	if c.DataDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
	return nil
}

// Validate checks the configuration for operation.
func (c *Config) Validate() error {
	if err := c.SSH.Validate(); err != nil {
		return err
	}
	if c.SSH.SessionBudget < 1 {
		return errors.New("ssh: session_budget must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry: max_attempts must be at least 1")
	}
	if c.Backup.KeepLast < 1 {
		return errors.New("backup: keep_last must be at least 1")
	}
	if len(c.Services) == 0 {
		return errors.New("at least one service must be configured")
	}
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if err := svc.Validate(); err != nil {
			return err
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

// Service returns the named service configuration.
func (c *Config) Service(name string) (*ServiceConfig, error) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], nil
		}
	}
	return nil, fmt.Errorf("service %q not configured", name)
}

// Load reads and validates the configuration from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}
