// Package config provides configuration loading, validation, and management
// for the replybot service. It reads a YAML file, overlays REPLYBOT_* environment
// variables, applies defaults for optional fields and validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "github.com/edgard/replybot/internal/errors"
)

// Config defines the application configuration parameters for all components.
type Config struct {
	Logger    LoggerConfig     `mapstructure:"logger"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Webhook   WebhookConfig    `mapstructure:"webhook"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Gateway   GatewayConfig    `mapstructure:"gateway"`
	Dispatch  DispatchConfig   `mapstructure:"dispatch"`
	Rules     RulesConfig      `mapstructure:"rules"`
	Instances []InstanceConfig `mapstructure:"instances" validate:"dive"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Telegram  TelegramConfig   `mapstructure:"telegram"`
	Gemini    GeminiConfig     `mapstructure:"gemini"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// HTTPConfig configures the webhook and admin HTTP server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
	AdminToken      string        `mapstructure:"admin_token"`
}

// WebhookConfig configures inbound webhook handling.
type WebhookConfig struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token        string        `mapstructure:"token"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"min=1024"`
	ReceiptTTL   time.Duration `mapstructure:"receipt_ttl"    validate:"min=1m"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// GatewayConfig configures the upstream messaging gateway.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"        validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=2m"`
}

// DispatchConfig configures the per-instance outbound lanes.
type DispatchConfig struct {
	MinInterval  time.Duration `mapstructure:"min_interval"  validate:"min=0"`
	MaxInterval  time.Duration `mapstructure:"max_interval"  validate:"gtefield=MinInterval"`
	MaxAttempts  int           `mapstructure:"max_attempts"  validate:"min=1,max=10"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"min=0"`
}

// RulesConfig configures rule loading and evaluation.
type RulesConfig struct {
	DefaultTimezone string `mapstructure:"default_timezone" validate:"required,timezone"`
	// SeedPath optionally points at a YAML file of rules upserted on startup.
	SeedPath string `mapstructure:"seed_path"`
}

// InstanceConfig describes an instance registered at startup.
type InstanceConfig struct {
	ID             string `mapstructure:"id"               validate:"required"`
	PhoneNumber    string `mapstructure:"phone_number"`
	AuthToken      string `mapstructure:"auth_token"       validate:"required"`
	GatewayBaseURL string `mapstructure:"gateway_base_url" validate:"omitempty,url"`
}

// SchedulerConfig maps task names to their schedule.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig configures one scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// TelegramConfig configures the operator alert channel. Alerts are disabled
// when Token is empty.
type TelegramConfig struct {
	Token         string        `mapstructure:"token"`
	ChatID        int64         `mapstructure:"chat_id"        validate:"required_with=Token"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown" validate:"min=0"`
}

// GeminiConfig configures the optional fallback responder used when no rule matches.
type GeminiConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"            validate:"required_if=Enabled true"`
	ModelName         string        `mapstructure:"model_name"`
	Temperature       float32       `mapstructure:"temperature"        validate:"min=0,max=2"`
	SystemInstruction string        `mapstructure:"system_instruction"`
	Timeout           time.Duration `mapstructure:"timeout"            validate:"min=1s"`
	MaxConcurrent     int64         `mapstructure:"max_concurrent"     validate:"min=1"`
	MaxRetries        int           `mapstructure:"max_retries"        validate:"min=0,max=5"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

// LoadConfig reads configuration from path, overlays REPLYBOT_* environment variables,
// applies defaults and validates the result. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPLYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, apperrors.NewConfigError("failed to read config file", err)
		}
		slog.Info("Configuration file not found, using defaults and environment", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.NewConfigError("failed to parse config", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct tags and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return apperrors.NewConfigError("configuration validation failed", err)
	}

	seen := make(map[string]bool, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		if seen[inst.ID] {
			return apperrors.NewConfigError(fmt.Sprintf("duplicate instance id %q", inst.ID), nil)
		}
		seen[inst.ID] = true
	}

	return nil
}
