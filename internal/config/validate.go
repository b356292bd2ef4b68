package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the parts of the config that must be sane before commit.
// It is installed as the manager's validator so a bad edit never reaches
// the running services.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	durs := []struct {
		path, raw string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"sessions.idle_evict", c.Sessions.IdleEvict},
		{"sessions.reaper_interval", c.Sessions.ReaperInterval},
		{"broadcast.cooldown_min", c.Broadcast.CooldownMin},
		{"broadcast.cooldown_max", c.Broadcast.CooldownMax},
		{"watch.poll_interval", c.Watch.PollInterval},
		{"maintenance.audit_retention", c.Maintenance.AuditRetention},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	if c.Notify != nil {
		durs = append(durs, struct{ path, raw string }{"notify.send_timeout", c.Notify.SendTimeout})
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for i, raw := range c.Retry.Backoff {
		if _, err := ParseDurationField(fmt.Sprintf("retry.backoff[%d]", i), raw); err != nil {
			return err
		}
	}

	if c.Sessions.MaxActive < 0 {
		return errors.New("sessions.max_active must be >= 0")
	}
	if c.Broadcast.BatchSize < 0 {
		return errors.New("broadcast.batch_size must be >= 0")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be >= 0")
	}
	if c.Watch.JoinBreadth < 0 {
		return errors.New("watch.join_breadth must be >= 0")
	}
	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return errors.New("notify.token is required when notify is enabled")
		}
		if c.Notify.AdminChatID == 0 {
			return errors.New("notify.admin_chat_id is required when notify is enabled")
		}
	}
	if c.Maintenance.Timezone != "" {
		if _, err := time.LoadLocation(c.Maintenance.Timezone); err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
	}
	return nil
}
