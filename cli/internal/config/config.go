// Package config loads auditctl settings from flags, environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "AUDITCTL"

type Config struct {
	Server    string        `mapstructure:"server" yaml:"server"`
	NATSURL   string        `mapstructure:"nats_url" yaml:"nats_url"`
	Token     string        `mapstructure:"token" yaml:"token,omitempty"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	JWTIssuer string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer,omitempty"`
	Output    string        `mapstructure:"output" yaml:"output"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultPath is ~/.auditctl/config.yaml, or empty when there is no home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".auditctl", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server", "http://localhost:8095")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("token", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "")
	v.SetDefault("output", "table")
	v.SetDefault("timeout", 30*time.Second)
}

// Load resolves the configuration held by v. Flags bound to v win over
// AUDITCTL_* variables, which win over the file at path. A missing file is
// not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return &cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if path == "" {
		return errors.New("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Redacted returns a copy safe for display.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "****"
	}
	if c.JWTSecret != "" {
		c.JWTSecret = "****"
	}
	return c
}
