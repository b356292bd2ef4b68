package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Platform  PlatformConfig  `json:"platform"`
	Sessions  SessionsConfig  `json:"sessions"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Retry     RetryConfig     `json:"retry"`
	Watch     WatchConfig     `json:"watch"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./flockd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PlatformConfig carries the messaging platform API credentials and the
// directory session material lives in.
type PlatformConfig struct {
	// Driver selects the client adapter. "fake" is the in-process
	// simulator for development; production deployments register their
	// own client through the app's factory.
	Driver     string `json:"driver"`
	APIID      int    `json:"api_id"`
	APIHash    string `json:"api_hash"`
	SessionDir string `json:"session_dir"`
}

// SessionsConfig bounds the session pool.
//
// All durations are Go duration strings (e.g. "30s", "10m").
type SessionsConfig struct {
	MaxActive      int    `json:"max_active"`
	IdleEvict      string `json:"idle_evict,omitempty"`
	ReaperInterval string `json:"reaper_interval,omitempty"`
}

// RateLimitConfig sets the two-tier sliding windows. Zero means the
// built-in default for that window; -1 disables it.
type RateLimitConfig struct {
	AccountPerMinute int `json:"account_per_minute"`
	AccountPerHour   int `json:"account_per_hour"`
	GlobalPerMinute  int `json:"global_per_minute"`
	GlobalPerHour    int `json:"global_per_hour"`
}

type BroadcastConfig struct {
	BatchSize   int    `json:"batch_size"`
	CooldownMin string `json:"cooldown_min,omitempty"`
	CooldownMax string `json:"cooldown_max,omitempty"`
}

// RetryConfig controls the per-account retry workers. Backoff entries are
// Go duration strings; an empty list keeps the built-in ladder.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	Backoff     []string `json:"backoff,omitempty"`
}

type WatchConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	// JoinBreadth limits how many accounts join a detected live event.
	// 0 means every eligible account.
	JoinBreadth int `json:"join_breadth"`
}

// NotifyConfig controls operator alerts. If the section is omitted the
// alert pipeline stays off.
type NotifyConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	AdminChatID int64   `json:"admin_chat_id"`
	QueueSize   int     `json:"queue_size,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback bind requires a token or an
// explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// MaintenanceConfig drives the periodic housekeeping jobs.
type MaintenanceConfig struct {
	// AuditPruneSpec is a cron expression; empty uses the default nightly run.
	AuditPruneSpec string `json:"audit_prune_spec,omitempty"`
	// AuditRetention is a Go duration string; audit rows older than this
	// are pruned. Empty keeps 30 days.
	AuditRetention string `json:"audit_retention,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}
