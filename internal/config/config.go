package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Tracking TrackingConfig `yaml:"tracking" mapstructure:"tracking"`
	Prep     PrepConfig     `yaml:"prep" mapstructure:"prep"`
	Train    TrainConfig    `yaml:"train" mapstructure:"train"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the tracking and registry backend.
type StoreConfig struct {
	// Driver is sqlite, postgres, or http.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// RegistryURL is the base URL of a remote `serve` instance, used by the
	// http driver.
	RegistryURL string `yaml:"registry_url" mapstructure:"registry_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// TrackingConfig configures per-stage run tracking.
type TrackingConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Experiment string `yaml:"experiment" mapstructure:"experiment"`
}

// PrepConfig holds preparation defaults.
type PrepConfig struct {
	Ratio float64 `yaml:"test_train_ratio" mapstructure:"test_train_ratio"`
	Seed  int64   `yaml:"seed" mapstructure:"seed"`
}

// TrainConfig holds forest hyperparameter defaults.
type TrainConfig struct {
	Target          string `yaml:"target" mapstructure:"target"`
	NEstimators     int    `yaml:"n_estimators" mapstructure:"n_estimators"`
	MaxDepth        int    `yaml:"max_depth" mapstructure:"max_depth"`
	MinSamplesSplit int    `yaml:"min_samples_split" mapstructure:"min_samples_split"`
	MinSamplesLeaf  int    `yaml:"min_samples_leaf" mapstructure:"min_samples_leaf"`
	MaxFeatures     int    `yaml:"max_features" mapstructure:"max_features"`
	RandomState     int64  `yaml:"random_state" mapstructure:"random_state"`
	Workers         int    `yaml:"workers" mapstructure:"workers"`
}

// RegistryConfig configures model lookup during registration.
type RegistryConfig struct {
	SearchRoots   []string `yaml:"search_roots" mapstructure:"search_roots"`
	MaxListedDirs int      `yaml:"max_listed_dirs" mapstructure:"max_listed_dirs"`
}

// FetchConfig configures remote raw-data downloads and registry calls.
type FetchConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// ServerConfig configures the registry API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("MLPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "mlpipeline.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.experiment", "default")
	v.SetDefault("prep.test_train_ratio", 0.2)
	v.SetDefault("prep.seed", 42)
	v.SetDefault("train.target", "price")
	v.SetDefault("train.n_estimators", 100)
	v.SetDefault("train.max_depth", 0)
	v.SetDefault("train.min_samples_split", 2)
	v.SetDefault("train.min_samples_leaf", 1)
	v.SetDefault("train.max_features", 0)
	v.SetDefault("train.random_state", 42)
	v.SetDefault("train.workers", 1)
	v.SetDefault("registry.search_roots", []string{"/mnt/azureml"})
	v.SetDefault("registry.max_listed_dirs", 200)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.rate_per_sec", 0)
	v.SetDefault("fetch.max_retries", 1)
	v.SetDefault("fetch.user_agent", "mlpipeline/1.0")
	v.SetDefault("server.port", 8080)
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

// Validate checks the settings the given command mode depends on and
// reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	storeNeeded := true
	switch mode {
	case "prep":
		storeNeeded = c.Tracking.Enabled
		c.validatePrep(add)
	case "train":
		storeNeeded = c.Tracking.Enabled
		c.validateTrain(add)
	case "register", "inspect", "migrate":
	case "pipeline":
		c.validatePrep(add)
		c.validateTrain(add)
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		if c.Store.Driver == "http" {
			add("store.driver http cannot back the server")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if storeNeeded {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.Path == "" {
				add("store.path is required for sqlite")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				add("store.database_url is required for postgres")
			}
		case "http":
			if c.Store.RegistryURL == "" {
				add("store.registry_url is required for http")
			}
			if mode == "migrate" {
				add("store.driver http has no schema to migrate")
			}
		default:
			add("store.driver %q must be sqlite, postgres, or http", c.Store.Driver)
		}
	}

	if c.Registry.MaxListedDirs < 0 {
		add("registry.max_listed_dirs must be >= 0")
	}
	if c.Fetch.MaxRetries < 0 {
		add("fetch.max_retries must be >= 0")
	}
	if c.Fetch.RatePerSec < 0 {
		add("fetch.rate_per_sec must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePrep(add func(string, ...any)) {
	if !(c.Prep.Ratio > 0 && c.Prep.Ratio < 1) {
		add("prep.test_train_ratio must be in (0,1)")
	}
}

func (c *Config) validateTrain(add func(string, ...any)) {
	if c.Train.NEstimators < 1 {
		add("train.n_estimators must be >= 1")
	}
	if c.Train.MaxDepth < 0 {
		add("train.max_depth must be >= 0")
	}
	if c.Train.MinSamplesSplit < 2 {
		add("train.min_samples_split must be >= 2")
	}
	if c.Train.MinSamplesLeaf < 1 {
		add("train.min_samples_leaf must be >= 1")
	}
	if c.Train.MaxFeatures < 0 {
		add("train.max_features must be >= 0")
	}
	if c.Train.Workers < 0 {
		add("train.workers must be >= 0")
	}
	if c.Train.Target == "" {
		add("train.target is required")
	}
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
