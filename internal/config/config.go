// Package config loads command line settings: built-in defaults, an
// optional YAML file, RTFLASH_* environment variables and bound flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bigbag/rtflash/embedded"
)

// EnvPrefix is the prefix of environment overrides, e.g. RTFLASH_PORT.
const EnvPrefix = "RTFLASH"

// Config holds all settings of one invocation.
type Config struct {
	Port      string        `mapstructure:"port"`
	Baud      int           `mapstructure:"baud"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	DataDelay time.Duration `mapstructure:"data_delay"`
	AppName   string        `mapstructure:"app_name"`
	Activate  bool          `mapstructure:"activate"`
	Log       LogConfig     `mapstructure:"log"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewViper returns a viper instance reading RTFLASH_* variables.
// Nested keys use underscores: RTFLASH_LOG_LEVEL.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the built-in defaults into v, merges configPath over them
// when given, and decodes the result. Flags must be bound to v before
// calling Load.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(embedded.DefaultConfig())); err != nil {
		return nil, fmt.Errorf("failed to read default config: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the session cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud must be positive, got %d", c.Baud))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	if c.DataDelay < 0 {
		errs = append(errs, fmt.Errorf("data_delay must not be negative, got %s", c.DataDelay))
	}
	return errors.Join(errs...)
}
