package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/composite-cli/internal/compare"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig        `yaml:"store" mapstructure:"store"`
	Log        LogConfig          `yaml:"log" mapstructure:"log"`
	Server     ServerConfig       `yaml:"server" mapstructure:"server"`
	Compare    compare.Thresholds `yaml:"compare" mapstructure:"compare"`
	Aggregate  AggregateConfig    `yaml:"aggregate" mapstructure:"aggregate"`
	Ingest     IngestConfig       `yaml:"ingest" mapstructure:"ingest"`
	Review     ReviewConfig       `yaml:"review" mapstructure:"review"`
	Monitoring MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Retry      RetryConfig        `yaml:"retry" mapstructure:"retry"`
	FTP        FTPConfig          `yaml:"ftp" mapstructure:"ftp"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AggregateConfig configures composite calculation.
type AggregateConfig struct {
	// DenominatorPolicy is zero_fill or present_only.
	DenominatorPolicy string `yaml:"denominator_policy" mapstructure:"denominator_policy" validate:"oneof=zero_fill present_only"`
	Workers           int    `yaml:"workers" mapstructure:"workers" validate:"gte=0"`
}

// IngestConfig configures analysis uploads.
type IngestConfig struct {
	ImpurityThreshold float64 `yaml:"impurity_threshold" mapstructure:"impurity_threshold" validate:"gte=0,lte=100"`
	DefaultWeight     float64 `yaml:"default_weight" mapstructure:"default_weight" validate:"gt=0"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
}

// ReviewConfig configures on-demand drift reviews and draft cleanup.
type ReviewConfig struct {
	PeriodDays   int `yaml:"period_days" mapstructure:"period_days" validate:"min=1"`
	DraftTTLDays int `yaml:"draft_ttl_days" mapstructure:"draft_ttl_days" validate:"min=1"`
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
}

// MonitoringConfig configures drift alert delivery.
type MonitoringConfig struct {
	WebhookURL       string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gt=0"` // alerts per second
	Burst            int     `yaml:"burst" mapstructure:"burst" validate:"min=1"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=1"`
	MaxRedeliveries  int     `yaml:"max_redeliveries" mapstructure:"max_redeliveries" validate:"gte=0"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"gte=0"`
	// CheckIntervalSecs is how often `serve` refreshes gauges and checks the
	// undelivered-alert backlog.
	CheckIntervalSecs int `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=0"`
	BacklogThreshold  int `yaml:"backlog_threshold" mapstructure:"backlog_threshold" validate:"gte=0"`
}

// RetryConfig configures backoff for remote calls and for operations that
// lose a version race.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=0"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
	ConflictAttempts int     `yaml:"conflict_attempts" mapstructure:"conflict_attempts" validate:"min=1"`
}

// FTPConfig holds credentials for lab FTP drops. Empty user means anonymous.
type FTPConfig struct {
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=1"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COMPOSITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	th := compare.DefaultThresholds()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "composite.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("compare.total_score", th.TotalScore)
	v.SetDefault("compare.per_component", th.PerComponent)
	v.SetDefault("compare.tolerance", th.Tolerance)
	v.SetDefault("aggregate.denominator_policy", "zero_fill")
	v.SetDefault("aggregate.workers", 0)
	v.SetDefault("ingest.impurity_threshold", 1.0)
	v.SetDefault("ingest.default_weight", 1.0)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("review.period_days", 90)
	v.SetDefault("review.draft_ttl_days", 30)
	v.SetDefault("review.concurrency", 4)
	v.SetDefault("monitoring.rate_limit", 1.0)
	v.SetDefault("monitoring.burst", 5)
	v.SetDefault("monitoring.timeout_secs", 10)
	v.SetDefault("monitoring.max_redeliveries", 5)
	v.SetDefault("monitoring.failure_threshold", 5)
	v.SetDefault("monitoring.reset_timeout_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.backlog_threshold", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.conflict_attempts", 3)
	v.SetDefault("ftp.timeout_secs", 30)

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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks value ranges and enumerations, then the settings the given
// command mode depends on. Modes: "cli", "serve", "review", "redeliver".
func (c *Config) Validate(mode string) error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			errs = append(errs, fieldMessage(fe))
		}
	}

	switch mode {
	case "cli", "serve", "review":
	case "redeliver":
		if c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// fieldMessage renders "Config.store.driver" failures as "store.driver ...".
func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %v", field, fe.Value())
	default:
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
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
