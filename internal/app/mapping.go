package app

import (
	"fmt"
	"strings"
	"time"

	"flockd/internal/broadcast"
	"flockd/internal/config"
	"flockd/internal/notify"
	"flockd/internal/observability/pprof"
	"flockd/internal/ratelimit"
	"flockd/internal/retryq"
	"flockd/internal/sessions"
	"flockd/internal/storage"
	"flockd/internal/watch"
	logx "flockd/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./flockd.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSessionsConfig(cfg *config.Config) (sessions.Config, error) {
	idle, err := config.ParseDurationOrDefault("sessions.idle_evict", cfg.Sessions.IdleEvict, 10*time.Minute)
	if err != nil {
		return sessions.Config{}, err
	}
	reap, err := config.ParseDurationOrDefault("sessions.reaper_interval", cfg.Sessions.ReaperInterval, time.Minute)
	if err != nil {
		return sessions.Config{}, err
	}
	return sessions.Config{
		MaxActive:      cfg.Sessions.MaxActive,
		IdleEvict:      idle,
		ReaperInterval: reap,
	}, nil
}

// Window defaults keep a fresh install well under the platform's tolerance.
const (
	defaultAccountPerMinute = 10
	defaultAccountPerHour   = 200
	defaultGlobalPerMinute  = 60
	defaultGlobalPerHour    = 2000
)

func buildGate(rc config.RateLimitConfig, log logx.Logger) *ratelimit.Gate {
	account := ratelimit.New(log,
		windowsFor(rc.AccountPerMinute, defaultAccountPerMinute, time.Minute,
			rc.AccountPerHour, defaultAccountPerHour, time.Hour)...)
	global := ratelimit.New(log,
		windowsFor(rc.GlobalPerMinute, defaultGlobalPerMinute, time.Minute,
			rc.GlobalPerHour, defaultGlobalPerHour, time.Hour)...)
	return ratelimit.NewGate(account, global)
}

// windowsFor resolves two window limits; 0 means default, -1 disables.
func windowsFor(shortLimit, shortDef int, shortSpan time.Duration, longLimit, longDef int, longSpan time.Duration) []ratelimit.Window {
	var out []ratelimit.Window
	if w, ok := resolveWindow(shortLimit, shortDef, shortSpan); ok {
		out = append(out, w)
	}
	if w, ok := resolveWindow(longLimit, longDef, longSpan); ok {
		out = append(out, w)
	}
	return out
}

func resolveWindow(limit, def int, span time.Duration) (ratelimit.Window, bool) {
	switch {
	case limit < 0:
		return ratelimit.Window{}, false
	case limit == 0:
		return ratelimit.Window{Limit: def, Span: span}, true
	default:
		return ratelimit.Window{Limit: limit, Span: span}, true
	}
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	min, err := config.ParseDurationOrDefault("broadcast.cooldown_min", cfg.Broadcast.CooldownMin, 2*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("broadcast.cooldown_max", cfg.Broadcast.CooldownMax, 5*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		BatchSize:   cfg.Broadcast.BatchSize,
		CooldownMin: min,
		CooldownMax: max,
	}, nil
}

func mapRetryConfig(cfg *config.Config) (retryq.Config, error) {
	out := retryq.Config{MaxAttempts: cfg.Retry.MaxAttempts}
	for i, raw := range cfg.Retry.Backoff {
		d, err := config.ParseDurationField(fmt.Sprintf("retry.backoff[%d]", i), raw)
		if err != nil {
			return retryq.Config{}, err
		}
		out.Backoff = append(out.Backoff, d)
	}
	return out, nil
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	poll, err := config.ParseDurationOrDefault("watch.poll_interval", cfg.Watch.PollInterval, 15*time.Second)
	if err != nil {
		return watch.Config{}, err
	}
	return watch.Config{PollInterval: poll, JoinBreadth: cfg.Watch.JoinBreadth}, nil
}

func mapNotifyConfig(nc *config.NotifyConfig) (notify.Config, error) {
	timeout, err := config.ParseDurationOrDefault("notify.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     nc.Enabled,
		Token:       nc.Token,
		AdminChatID: nc.AdminChatID,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		SendTimeout: timeout,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	rt, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}, nil
}
