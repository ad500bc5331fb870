package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	// Storage
	CachePath     string `mapstructure:"cache_path"`
	KeyPath       string `mapstructure:"key_path"`
	AttachmentDir string `mapstructure:"attachment_dir"`

	// Network
	IMAPPort   int           `mapstructure:"imap_port"`
	SMTPPort   int           `mapstructure:"smtp_port"`
	NetTimeout time.Duration `mapstructure:"net_timeout"`

	// OAuth
	OAuthClientID     string `mapstructure:"oauth_client_id"`
	OAuthClientSecret string `mapstructure:"oauth_client_secret"`
	OAuthRedirectURL  string `mapstructure:"oauth_redirect_url"`

	// Sync
	InboxSyncLimit  int           `mapstructure:"inbox_sync_limit"`
	FolderSyncLimit int           `mapstructure:"folder_sync_limit"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from an optional YAML file and MAILVAULT_*
// environment variables, with env taking precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("cache_path", filepath.Join("data", "mailvault.db"))
	v.SetDefault("key_path", filepath.Join("data", "secret.key"))
	v.SetDefault("attachment_dir", filepath.Join("data", "attachments"))
	v.SetDefault("imap_port", 993)
	v.SetDefault("smtp_port", 587)
	v.SetDefault("net_timeout", 30*time.Second)
	v.SetDefault("oauth_redirect_url", "http://localhost:8080/callback")
	v.SetDefault("inbox_sync_limit", 100)
	v.SetDefault("folder_sync_limit", 50)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("MAILVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("key_path is required")
	}
	if c.IMAPPort < 1 || c.IMAPPort > 65535 {
		return fmt.Errorf("invalid imap_port: %d", c.IMAPPort)
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("invalid smtp_port: %d", c.SMTPPort)
	}
	if c.NetTimeout <= 0 {
		return fmt.Errorf("net_timeout must be positive")
	}
	if c.InboxSyncLimit < 1 || c.FolderSyncLimit < 1 {
		return fmt.Errorf("sync limits must be at least 1")
	}
	return nil
}
