package config

import (
	"reflect"
	"strings"

	logx "flockd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes secrets like tokens
// or the API hash).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Platform (never log the api hash)
	if oldCfg.Platform.APIID != newCfg.Platform.APIID ||
		strings.TrimSpace(oldCfg.Platform.SessionDir) != strings.TrimSpace(newCfg.Platform.SessionDir) ||
		oldCfg.Platform.APIHash != newCfg.Platform.APIHash {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.Int("platform.api_id", newCfg.Platform.APIID),
			logx.Bool("platform.api_hash_set", newCfg.Platform.APIHash != ""),
		)
	}

	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.Int("sessions.max_active", newCfg.Sessions.MaxActive))
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate.account_per_minute", newCfg.RateLimit.AccountPerMinute),
			logx.Int("rate.global_per_minute", newCfg.RateLimit.GlobalPerMinute),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs, logx.Int("broadcast.batch_size", newCfg.Broadcast.BatchSize))
	}

	if oldCfg.Retry.MaxAttempts != newCfg.Retry.MaxAttempts ||
		!reflect.DeepEqual(oldCfg.Retry.Backoff, newCfg.Retry.Backoff) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts))
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.poll_interval", newCfg.Watch.PollInterval),
			logx.Int("watch.join_breadth", newCfg.Watch.JoinBreadth),
		)
	}

	// Notify (never log the bot token)
	oldN := derefNotify(oldCfg.Notify)
	newN := derefNotify(newCfg.Notify)
	if oldN.Enabled != newN.Enabled ||
		oldN.AdminChatID != newN.AdminChatID ||
		oldN.QueueSize != newN.QueueSize ||
		oldN.RatePerSec != newN.RatePerSec ||
		oldN.SendTimeout != newN.SendTimeout ||
		oldN.Token != newN.Token {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(newN.Token) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.audit_retention", newCfg.Maintenance.AuditRetention))
	}

	return changed, attrs
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}
