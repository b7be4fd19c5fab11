// Package config loads application configuration from file and
// environment, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Decay  DecayConfig  `yaml:"decay" mapstructure:"decay"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int     `yaml:"port" mapstructure:"port"`
	SubmitRate     float64 `yaml:"submit_rate" mapstructure:"submit_rate"`
	SubmitBurst    int     `yaml:"submit_burst" mapstructure:"submit_burst"`
	AllowedOrigins string  `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DecayConfig configures the scheduled decay and expiry jobs.
type DecayConfig struct {
	BatchSize         int  `yaml:"batch_size" mapstructure:"batch_size"`
	RecalcEveryHours  int  `yaml:"recalc_every_hours" mapstructure:"recalc_every_hours"`
	CleanupEveryHours int  `yaml:"cleanup_every_hours" mapstructure:"cleanup_every_hours"`
	RunInServer       bool `yaml:"run_in_server" mapstructure:"run_in_server"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COVERAGECHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "coveragecheck.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.submit_rate", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("decay.batch_size", 100)
	v.SetDefault("decay.recalc_every_hours", 24)
	v.SetDefault("decay.cleanup_every_hours", 24)
	v.SetDefault("decay.run_in_server", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the fields every command needs.
func (c *Config) Validate() error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Server.SubmitRate <= 0 {
		problems = append(problems, "server.submit_rate must be > 0")
	}
	if c.Decay.BatchSize < 1 || c.Decay.BatchSize > 10000 {
		problems = append(problems, "decay.batch_size must be between 1 and 10000")
	}

	if len(problems) > 0 {
		return eris.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
