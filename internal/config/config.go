// Package config loads runtime configuration for the pipeline CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects the target database.
type DatabaseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// PathsConfig locates the build-time configuration files.
type PathsConfig struct {
	SourceSchema     string `mapstructure:"source_schema"`
	FrequencyWeights string `mapstructure:"frequency_weights"`
	Normalisation    string `mapstructure:"normalisation"`
}

// LogConfig controls CLI logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from pipeline.yaml (working directory or ./config)
// and the environment. Environment variables use the PIPELINE_ prefix with
// underscores, e.g. PIPELINE_DATABASE_DSN; PIPELINE_DSN is honoured as the
// historical shorthand.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("pipeline")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.dsn", "PIPELINE_DSN", "PIPELINE_DATABASE_DSN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "postgres://localhost/postcodes_v3?sslmode=disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("paths.source_schema", "config/source_schema.yaml")
	v.SetDefault("paths.frequency_weights", "config/frequency_weights.yaml")
	v.SetDefault("paths.normalisation", "config/normalisation.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
