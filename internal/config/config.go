// Package config loads gateway configuration from an optional YAML file with
// MAILGATE_* environment overrides. Env always wins over file values.
package config

import (
	"fmt"
	"os"

	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"gopkg.in/yaml.v3"
)

// Defaults for a local, redis-less deployment.
const (
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultDBPath       = "mailgate.db"
	DefaultTokenURL     = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultIMAPAddr     = "outlook.office365.com:993"
)

// Config holds every tunable of the gateway. The provider endpoints are
// overridable so tests can point the gateway at local fakes.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	DBPath        string `yaml:"db_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	EncryptionKey string `yaml:"encryption_key"`

	TokenURL     string `yaml:"token_url"`
	GraphBaseURL string `yaml:"graph_base_url"`
	IMAPAddr     string `yaml:"imap_addr"`
}

// Load reads the file at path (skipped when empty or absent), applies env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:   DefaultListenAddr,
		DBPath:       DefaultDBPath,
		TokenURL:     DefaultTokenURL,
		GraphBaseURL: DefaultGraphBaseURL,
		IMAPAddr:     DefaultIMAPAddr,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"MAILGATE_LISTEN_ADDR":    &cfg.ListenAddr,
		"MAILGATE_DB_PATH":        &cfg.DBPath,
		"MAILGATE_REDIS_ADDR":     &cfg.RedisAddr,
		"MAILGATE_REDIS_PASSWORD": &cfg.RedisPassword,
		"MAILGATE_ENCRYPTION_KEY": &cfg.EncryptionKey,
		"MAILGATE_TOKEN_URL":      &cfg.TokenURL,
		"MAILGATE_GRAPH_BASE_URL": &cfg.GraphBaseURL,
		"MAILGATE_IMAP_ADDR":      &cfg.IMAPAddr,
	}
	for name, target := range overrides {
		if value := os.Getenv(name); value != "" {
			*target = value
		}
	}
}

func (c *Config) validate() error {
	if c.EncryptionKey != "" && len(c.EncryptionKey) != secret.KeySize {
		return fmt.Errorf("encryption_key must be %d bytes, got %d", secret.KeySize, len(c.EncryptionKey))
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}
