package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	WebPush  WebPushConfig  `json:"webpush"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Linking  LinkingConfig  `json:"linking"`
	Dispatch DispatchConfig `json:"dispatch"`
	Logging  LoggingConfig  `json:"logging"`

	// DefaultPreferences maps event types to the system-wide "notify me"
	// default applied when a user has no explicit toggle for that type.
	// Event types absent from this map resolve to no delivery at all.
	DefaultPreferences map[string]bool `json:"default_preferences"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`

	// BotUsername is used to build the t.me deep link for the linking
	// handshake. Leading "@" is accepted and stripped.
	BotUsername string `json:"bot_username"`

	// PollTimeout is a Go duration string (long-poll timeout).
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type WebPushConfig struct {
	Enabled         bool   `json:"enabled"`
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	ContactEmail    string `json:"contact_email"`

	// TTL is how long the push service may hold an undelivered message.
	// Go duration string; default "24h".
	TTL string `json:"ttl,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"

	// BaseURL is the externally visible origin, used in payload URLs.
	BaseURL string `json:"base_url,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LinkingConfig struct {
	// TokenTTL is how long an issued linking token stays redeemable.
	// Go duration string; default "15m".
	TokenTTL string `json:"token_ttl,omitempty"`
}

// DispatchConfig controls the fan-out pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 512
//   - rate_per_sec: 8
//   - retry_max: 2 (3 attempts total)
//   - retry_base: "1s", retry_factor: 4, retry_max_delay: "30s"
//   - send_timeout: "10s"
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryFactor   int    `json:"retry_factor,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MaintenanceConfig controls the periodic cleanup sweeps.
// Schedules are standard cron expressions.
type MaintenanceConfig struct {
	TokenSweepSpec string `json:"token_sweep_spec,omitempty"` // default "@hourly"
	LogPruneSpec   string `json:"log_prune_spec,omitempty"`   // default "@daily"
	LogRetention   string `json:"log_retention,omitempty"`    // Go duration string; default "2160h" (90d)
}
