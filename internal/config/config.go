package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/underwrite-cli/internal/cost"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Policy  PolicyConfig  `yaml:"policy" mapstructure:"policy"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Closing ClosingConfig `yaml:"closing" mapstructure:"closing"`
}

// StoreConfig configures the run store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	// RetryAttempts bounds attempts per store operation; 1 disables retries.
	RetryAttempts  int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PolicyConfig points at the policy document and the posture to use.
type PolicyConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Posture string `yaml:"posture" mapstructure:"posture"`
}

// EngineConfig configures run evaluation and batching.
type EngineConfig struct {
	OrgID              string `yaml:"org_id" mapstructure:"org_id"`
	MaxConcurrentDeals int    `yaml:"max_concurrent_deals" mapstructure:"max_concurrent_deals"`
	HashAlgorithm      string `yaml:"hash_algorithm" mapstructure:"hash_algorithm"`
	Persist            bool   `yaml:"persist" mapstructure:"persist"`
	MemoSize           int    `yaml:"memo_size" mapstructure:"memo_size"`
}

// ClosingConfig holds the closing-cost rate schedule used by the
// double-close calculator.
type ClosingConfig struct {
	Rates cost.Rates `yaml:"rates" mapstructure:"rates"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("UNDERWRITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "underwrite.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_backoff_ms", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.posture", "")
	v.SetDefault("engine.org_id", "default")
	v.SetDefault("engine.max_concurrent_deals", 8)
	v.SetDefault("engine.hash_algorithm", string(runrecord.AlgorithmDJB2))
	v.SetDefault("engine.persist", true)
	v.SetDefault("engine.memo_size", 1024)

	rates := cost.DefaultRates()
	v.SetDefault("closing.rates.deed_stamps.default", rates.DeedStamps.Default)
	v.SetDefault("closing.rates.deed_stamps.miami_dade_sfr", rates.DeedStamps.MiamiDadeSFR)
	v.SetDefault("closing.rates.deed_stamps.miami_dade_other", rates.DeedStamps.MiamiDadeOther)
	v.SetDefault("closing.rates.note_stamps", rates.NoteStamps)
	v.SetDefault("closing.rates.intangible", rates.Intangible)
	v.SetDefault("closing.rates.title.tier_one_limit", rates.Title.TierOneLimit)
	v.SetDefault("closing.rates.title.tier_one_per_k", rates.Title.TierOnePerK)
	v.SetDefault("closing.rates.title.above_tier_per_k", rates.Title.AboveTierPerK)
	v.SetDefault("closing.rates.recording.first_page", rates.Recording.FirstPage)
	v.SetDefault("closing.rates.recording.additional_page", rates.Recording.AdditionalPage)

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

// Validate checks the keys the given command mode depends on. Modes:
// "compute" (pure computation commands), "store" (commands that read or
// write runs), and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "compute":
	case "store":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.RateLimitRPS <= 0 {
			errs = append(errs, "server.rate_limit_rps must be > 0")
		}
		if c.Server.RateLimitBurst < 1 {
			errs = append(errs, "server.rate_limit_burst must be >= 1")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Engine.MaxConcurrentDeals < 1 || c.Engine.MaxConcurrentDeals > 64 {
		errs = append(errs, "engine.max_concurrent_deals must be between 1 and 64")
	}
	if _, err := runrecord.ParseAlgorithm(c.Engine.HashAlgorithm); err != nil {
		errs = append(errs, "engine.hash_algorithm must be djb2 or sha256")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.RetryAttempts < 0 {
		errs = append(errs, "store.retry_attempts must be >= 0")
	}
	return errs
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
