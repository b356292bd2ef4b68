package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "config.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./flockd.db
platform:
  driver: fake
  api_id: 12345
  api_hash: abcdef
  session_dir: ./sessions
sessions:
  max_active: 5
  idle_evict: 10m
rate_limit:
  account_per_minute: 8
  global_per_hour: -1
retry:
  max_attempts: 20
  backoff: ["2s", "5s", "30s"]
watch:
  poll_interval: 30s
  join_breadth: 3
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging mismatch: %+v", cfg.Logging)
	}
	if cfg.Platform.APIID != 12345 || cfg.Platform.Driver != "fake" {
		t.Fatalf("platform mismatch: %+v", cfg.Platform)
	}
	if cfg.Sessions.MaxActive != 5 || cfg.Sessions.IdleEvict != "10m" {
		t.Fatalf("sessions mismatch: %+v", cfg.Sessions)
	}
	if cfg.RateLimit.AccountPerMinute != 8 || cfg.RateLimit.GlobalPerHour != -1 {
		t.Fatalf("rate limit mismatch: %+v", cfg.RateLimit)
	}
	if len(cfg.Retry.Backoff) != 3 || cfg.Retry.Backoff[2] != "30s" {
		t.Fatalf("retry mismatch: %+v", cfg.Retry)
	}
	if cfg.Notify != nil {
		t.Fatalf("notify section should be nil when omitted")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "config.json", `{
  "storage": {"driver": "memory"},
  "notify": {"enabled": true, "token": "tok", "admin_chat_id": 42}
}`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage mismatch: %+v", cfg.Storage)
	}
	if cfg.Notify == nil || !cfg.Notify.Enabled || cfg.Notify.AdminChatID != 42 {
		t.Fatalf("notify mismatch: %+v", cfg.Notify)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "config.yaml", `
storage:
  driver: sqlite
  pathh: typo.db
`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("unknown key must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "config.json", `{"storage":{"driver":"memory"}}{"extra":1}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("trailing data must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty is valid", func(c *Config) {}, ""},
		{"durations parse", func(c *Config) {
			c.Sessions.IdleEvict = "10m"
			c.Watch.PollInterval = "15s"
			c.Retry.Backoff = []string{"2s", "1h"}
		}, ""},
		{"bad duration", func(c *Config) { c.Sessions.IdleEvict = "ten minutes" }, "sessions.idle_evict"},
		{"negative duration", func(c *Config) { c.Watch.PollInterval = "-5s" }, "watch.poll_interval"},
		{"bad backoff entry", func(c *Config) { c.Retry.Backoff = []string{"2s", "soon"} }, "retry.backoff[1]"},
		{"negative max active", func(c *Config) { c.Sessions.MaxActive = -1 }, "sessions.max_active"},
		{"notify without token", func(c *Config) {
			c.Notify = &NotifyConfig{Enabled: true, AdminChatID: 1}
		}, "notify.token"},
		{"notify without chat", func(c *Config) {
			c.Notify = &NotifyConfig{Enabled: true, Token: "tok"}
		}, "notify.admin_chat_id"},
		{"notify disabled needs nothing", func(c *Config) {
			c.Notify = &NotifyConfig{Enabled: false}
		}, ""},
		{"bad timezone", func(c *Config) { c.Maintenance.Timezone = "Mars/Olympus" }, "maintenance.timezone"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("trimmed: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative must fail")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "config.yaml", "storage:\n  driver: memory\n")
	m := NewConfigManager(p)
	if m.Get() != nil {
		t.Fatalf("Get before Load must be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get must return the committed config")
	}
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{
		Platform: PlatformConfig{APIID: 7, APIHash: "supersecret"},
		Notify:   &NotifyConfig{Enabled: true, Token: "bottoken", AdminChatID: 1},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"platform": false, "notify": false}
	for _, c := range changed {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for section, seen := range want {
		if !seen {
			t.Fatalf("section %q not reported as changed: %v", section, changed)
		}
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	out := buf.String()
	if strings.Contains(out, "supersecret") || strings.Contains(out, "bottoken") {
		t.Fatalf("secret leaked into log attrs: %s", out)
	}
	if !strings.Contains(out, `"platform.api_hash_set":true`) || !strings.Contains(out, `"notify.token_set":true`) {
		t.Fatalf("expected redacted presence flags: %s", out)
	}
}

func TestSummarizeConfigChangeNoChange(t *testing.T) {
	t.Parallel()
	cfg := &Config{Storage: StorageConfig{Driver: "sqlite", Path: "a.db"}}
	changed, _ := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs must report no changes: %v", changed)
	}
}
