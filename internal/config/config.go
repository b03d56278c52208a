package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is loaded once per process invocation and treated as read-only
// afterwards.
type Config struct {
	StorageRoot        string `yaml:"storage_root" env:"BORGGATE_STORAGE_ROOT"`
	AuthorizedKeysPath string `yaml:"authorized_keys_path" env:"BORGGATE_AUTHORIZED_KEYS"`
	ServiceUser        string `yaml:"service_user" env:"BORGGATE_SERVICE_USER"`
	ServerName         string `yaml:"server_name"`
	AdminContact       string `yaml:"admin_contact"`
	NotificationMail   string `yaml:"notification_mail"`

	DefaultUserQuotaGB int `yaml:"default_user_quota_gb"`
	DefaultRepoQuotaGB int `yaml:"default_repo_quota_gb"`
	MaxReposPerUser    int `yaml:"max_repos_per_user"`
	StaleThresholdDays int `yaml:"stale_threshold_days"`

	BorgExecutable string `yaml:"borg_executable" env:"BORGGATE_BORG"`
	SendmailPath   string `yaml:"sendmail_path"`
	SelfPath       string `yaml:"self_path" env:"BORGGATE_SELF"`

	DatabaseFile     string `yaml:"database_file"`
	LogDir           string `yaml:"log_dir" env:"BORGGATE_LOG_DIR"`
	LogRetentionDays int    `yaml:"log_retention_days"`
	LogLevel         string `yaml:"log_level" env:"BORGGATE_LOG_LEVEL"`
}

var ErrNoConfigFile = errors.New("no config file found")

// searchPath mirrors the lookup order of the service's packaging: an explicit
// override, the working directory, then the system location.
func searchPath() []string {
	paths := []string{}
	if p := os.Getenv("BORGGATE_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	return append(paths, "config.yaml", "/etc/borggate/config.yaml")
}

func Load() (*Config, error) {
	for _, p := range searchPath() {
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return parse(b)
	}
	return nil, ErrNoConfigFile
}

func parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServiceUser == "" {
		c.ServiceUser = "borggate"
	}
	if c.ServerName == "" {
		c.ServerName = "borggate"
	}
	if c.DefaultUserQuotaGB == 0 {
		c.DefaultUserQuotaGB = 100
	}
	if c.DefaultRepoQuotaGB == 0 {
		c.DefaultRepoQuotaGB = 10
	}
	if c.MaxReposPerUser == 0 {
		c.MaxReposPerUser = 10
	}
	if c.StaleThresholdDays == 0 {
		c.StaleThresholdDays = 2
	}
	if c.BorgExecutable == "" {
		c.BorgExecutable = "/usr/bin/borg"
	}
	if c.SendmailPath == "" {
		c.SendmailPath = "/usr/sbin/sendmail"
	}
	if c.SelfPath == "" {
		c.SelfPath = "/usr/local/bin/borggate"
	}
	if c.DatabaseFile == "" {
		c.DatabaseFile = "borggate.db"
	}
	if c.LogDir == "" && c.StorageRoot != "" {
		c.LogDir = filepath.Join(c.StorageRoot, "logs")
	}
	if c.LogRetentionDays == 0 {
		c.LogRetentionDays = 90
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.StorageRoot) {
		return fmt.Errorf("storage_root must be an absolute path, got %q", c.StorageRoot)
	}
	if !filepath.IsAbs(c.AuthorizedKeysPath) {
		return fmt.Errorf("authorized_keys_path must be an absolute path, got %q", c.AuthorizedKeysPath)
	}
	if c.AdminContact == "" {
		return errors.New("admin_contact is required")
	}
	if c.NotificationMail == "" {
		return errors.New("notification_mail is required")
	}
	return nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.StorageRoot, c.DatabaseFile)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.StorageRoot, "registry.lock")
}

func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, "borggate.log")
}

const gb = 1000 * 1000 * 1000

func (c *Config) DefaultUserQuota() int64 { return int64(c.DefaultUserQuotaGB) * gb }
func (c *Config) DefaultRepoQuota() int64 { return int64(c.DefaultRepoQuotaGB) * gb }
