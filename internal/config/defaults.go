package config

import (
	"errors"
	"io/fs"
	"time"
	_ "time/tzdata" // rule timezones must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	DefaultHTTPAddr            = ":8080"
	DefaultHTTPReadTimeout     = 10 * time.Second
	DefaultHTTPWriteTimeout    = 10 * time.Second
	DefaultHTTPShutdownTimeout = 15 * time.Second

	DefaultWebhookMaxBodyBytes = 1 << 20
	DefaultWebhookReceiptTTL   = 24 * time.Hour

	DefaultDBPath = "replybot.db"

	DefaultGatewayBaseURL        = "https://api.green-api.com"
	DefaultGatewayRequestTimeout = 15 * time.Second

	// Floor and ceiling for the per-instance interval between outbound calls.
	DefaultDispatchMinInterval  = 1 * time.Second
	DefaultDispatchMaxInterval  = 60 * time.Second
	DefaultDispatchMaxAttempts  = 3
	DefaultDispatchRetryBackoff = 2 * time.Second

	DefaultRulesTimezone = "Africa/Dar_es_Salaam"

	DefaultTelegramAlertCooldown = 10 * time.Minute

	DefaultGeminiModel         = "gemini-2.0-flash"
	DefaultGeminiTemperature   = 0.7
	DefaultGeminiTimeout       = 30 * time.Second
	DefaultGeminiMaxConcurrent = 4
	DefaultGeminiMaxRetries    = 2
	DefaultGeminiRetryDelay    = 2 * time.Second
	DefaultGeminiInstruction   = "You are a courteous shop assistant answering WhatsApp customers. Reply briefly in the customer's language."
)

// Task names known to the scheduler. Keys in scheduler.tasks must match these.
const (
	TaskQuotaReset     = "quota_reset"
	TaskStatusPoll     = "instance_status_poll"
	TaskReceiptPrune   = "webhook_receipt_prune"
	TaskSQLMaintenance = "sql_maintenance"
)

// setDefaults sets default values for optional configuration parameters
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.read_timeout", DefaultHTTPReadTimeout)
	v.SetDefault("http.write_timeout", DefaultHTTPWriteTimeout)
	v.SetDefault("http.shutdown_timeout", DefaultHTTPShutdownTimeout)
	v.SetDefault("http.admin_token", "")

	v.SetDefault("webhook.token", "")
	v.SetDefault("webhook.max_body_bytes", DefaultWebhookMaxBodyBytes)
	v.SetDefault("webhook.receipt_ttl", DefaultWebhookReceiptTTL)

	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("gateway.base_url", DefaultGatewayBaseURL)
	v.SetDefault("gateway.request_timeout", DefaultGatewayRequestTimeout)

	v.SetDefault("dispatch.min_interval", DefaultDispatchMinInterval)
	v.SetDefault("dispatch.max_interval", DefaultDispatchMaxInterval)
	v.SetDefault("dispatch.max_attempts", DefaultDispatchMaxAttempts)
	v.SetDefault("dispatch.retry_backoff", DefaultDispatchRetryBackoff)

	v.SetDefault("rules.default_timezone", DefaultRulesTimezone)
	v.SetDefault("rules.seed_path", "")

	v.SetDefault("scheduler.tasks", map[string]any{
		TaskQuotaReset:     map[string]any{"enabled": true, "schedule": "0 0 * * *"},
		TaskStatusPoll:     map[string]any{"enabled": true, "schedule": "*/5 * * * *"},
		TaskReceiptPrune:   map[string]any{"enabled": true, "schedule": "30 * * * *"},
		TaskSQLMaintenance: map[string]any{"enabled": true, "schedule": "0 4 * * 0"},
	})

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.alert_cooldown", DefaultTelegramAlertCooldown)

	v.SetDefault("gemini.enabled", false)
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", DefaultGeminiModel)
	v.SetDefault("gemini.temperature", DefaultGeminiTemperature)
	v.SetDefault("gemini.system_instruction", DefaultGeminiInstruction)
	v.SetDefault("gemini.timeout", DefaultGeminiTimeout)
	v.SetDefault("gemini.max_concurrent", DefaultGeminiMaxConcurrent)
	v.SetDefault("gemini.max_retries", DefaultGeminiMaxRetries)
	v.SetDefault("gemini.retry_delay", DefaultGeminiRetryDelay)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
