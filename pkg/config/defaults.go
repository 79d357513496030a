package config

const (
	DefaultServerPort            = 8080
	DefaultDispatchIntervalMs    = 1000
	DefaultReconnectInitialMs    = 1000
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectMaxMs        = 30000
	DefaultVenvBaseDir           = "/tmp/gpubridge/venvs"
	DefaultInstallTimeoutSec     = 600
	DefaultScriptTimeoutSec      = 300
	DefaultBusCapacity           = 1024
	DefaultWebhookTimeoutSec     = 10
	DefaultDigestIntervalMinutes = 60
	DefaultMetricsIntervalSec    = 30
	DefaultPingIntervalSec       = 30
	DefaultSMTPPort              = 587
	DefaultSMTPFrom              = "noreply@gpubridge.local"
	DefaultQueueConcurrency      = 10
	DefaultQueueTaskTimeoutSec   = 60
)

// validateAndApplyDefaults replaces missing or invalid values with defaults so the
// process can start from a minimal config file.
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}

	if cfg.Dispatcher.IntervalMs <= 0 {
		cfg.Dispatcher.IntervalMs = DefaultDispatchIntervalMs
	}

	if cfg.Reconnect.InitialDelayMs <= 0 {
		cfg.Reconnect.InitialDelayMs = DefaultReconnectInitialMs
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = DefaultReconnectMultiplier
	}
	if cfg.Reconnect.MaxDelayMs <= 0 {
		cfg.Reconnect.MaxDelayMs = DefaultReconnectMaxMs
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.InitialDelayMs {
		cfg.Reconnect.MaxDelayMs = cfg.Reconnect.InitialDelayMs
	}

	if cfg.Scripts.VenvBaseDir == "" {
		cfg.Scripts.VenvBaseDir = DefaultVenvBaseDir
	}
	if cfg.Scripts.InstallTimeoutSec <= 0 {
		cfg.Scripts.InstallTimeoutSec = DefaultInstallTimeoutSec
	}
	if cfg.Scripts.DefaultTimeoutSec <= 0 {
		cfg.Scripts.DefaultTimeoutSec = DefaultScriptTimeoutSec
	}

	if cfg.Events.BusCapacity <= 0 {
		cfg.Events.BusCapacity = DefaultBusCapacity
	}
	if cfg.Events.WebhookTimeoutSec <= 0 {
		cfg.Events.WebhookTimeoutSec = DefaultWebhookTimeoutSec
	}
	if cfg.Events.DigestIntervalMinutes <= 0 {
		cfg.Events.DigestIntervalMinutes = DefaultDigestIntervalMinutes
	}
	if cfg.Events.MetricsIntervalSec <= 0 {
		cfg.Events.MetricsIntervalSec = DefaultMetricsIntervalSec
	}
	if cfg.Events.PingIntervalSec <= 0 {
		cfg.Events.PingIntervalSec = DefaultPingIntervalSec
	}

	if cfg.SMTP.Port <= 0 {
		cfg.SMTP.Port = DefaultSMTPPort
	}
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = DefaultSMTPFrom
	}

	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = DefaultQueueConcurrency
	}
	if cfg.Queue.MaxRetry < 0 {
		cfg.Queue.MaxRetry = 0
	}
	if cfg.Queue.TaskTimeout <= 0 {
		cfg.Queue.TaskTimeout = DefaultQueueTaskTimeoutSec
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
}
