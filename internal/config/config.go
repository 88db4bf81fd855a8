package config

import (
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the process-wide settings every component is constructed with.
type Config struct {
	DataDir            string        `mapstructure:"data_dir"`
	CredentialsFile    string        `mapstructure:"credentials_file"`
	DefaultProviderID  string        `mapstructure:"default_provider_id"`
	DefaultModel       string        `mapstructure:"default_model"`
	MaxHistoryMessages int           `mapstructure:"max_history_messages"`
	DefaultMaxTokens   int           `mapstructure:"default_max_tokens"`
	HealthProbeTimeout time.Duration `mapstructure:"health_probe_timeout"`
}

// Load reads configuration from an optional chatdock.yaml in the working
// directory plus CHATDOCK_* environment variables. The credential file path is
// resolved to an absolute path here, once, so a later chdir cannot repoint the
// credential store at a different file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("chatdock")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHATDOCK")
	v.AutomaticEnv()

	v.SetDefault("data_dir", "data")
	v.SetDefault("credentials_file", ".chatdock.env")
	v.SetDefault("default_provider_id", "")
	v.SetDefault("default_model", "gpt-3.5-turbo")
	v.SetDefault("max_history_messages", 50)
	v.SetDefault("default_max_tokens", 1024)
	v.SetDefault("health_probe_timeout", 10*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, pkgerrors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshaling config")
	}

	abs, err := filepath.Abs(cfg.CredentialsFile)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "resolving credentials file path")
	}
	cfg.CredentialsFile = abs

	return &cfg, nil
}
