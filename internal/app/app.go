// Package app wires the orchestration components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flockd/internal/broadcast"
	"flockd/internal/config"
	"flockd/internal/eventbus"
	"flockd/internal/health"
	"flockd/internal/notify"
	"flockd/internal/observability/pprof"
	"flockd/internal/platform"
	"flockd/internal/ratelimit"
	"flockd/internal/retryq"
	"flockd/internal/runtime/supervisor"
	"flockd/internal/sessions"
	"flockd/internal/storage"
	"flockd/internal/watch"
	logx "flockd/pkg/logx"
)

// ClientFactory builds the platform client from config. The default uses
// the adapter registry; tests inject fakes.
type ClientFactory func(cfg config.PlatformConfig, log logx.Logger) (platform.Client, error)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	clientFactory ClientFactory
	client        platform.Client

	tracker  *health.Tracker
	registry *sessions.Registry
	gate     *ratelimit.Gate
	exec     *broadcast.Executor
	queue    *retryq.Queue
	watcher  *watch.Watcher
	notif    *notify.Service
	maint    *maintenance

	mu           sync.Mutex
	started      bool
	watchCancel  context.CancelFunc
	watchStopped chan struct{}
}

func New(cfgPath string, factory ClientFactory) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           eventbus.New(),
		clientFactory: factory,
	}, nil
}

// Config returns the current committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("app: no config loaded")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	if a.clientFactory == nil {
		return errors.New("app: no platform client factory")
	}
	client, err := a.clientFactory(cfg.Platform, a.log.With(logx.String("comp", "platform")))
	if err != nil {
		return fmt.Errorf("platform client: %w", err)
	}
	a.client = client

	a.tracker = health.New(store, a.log.With(logx.String("comp", "health")), a.bus)
	if err := a.tracker.Load(ctx); err != nil {
		return err
	}

	sessCfg, err := mapSessionsConfig(cfg)
	if err != nil {
		return err
	}
	a.registry = sessions.New(client, a.tracker, a.log.With(logx.String("comp", "sessions")), sessCfg)
	a.gate = buildGate(cfg.RateLimit, a.log.With(logx.String("comp", "ratelimit")))

	bcastCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return err
	}
	a.exec = broadcast.New(a.tracker, a.registry, a.gate, a.log.With(logx.String("comp", "broadcast")), bcastCfg)

	retryCfg, err := mapRetryConfig(cfg)
	if err != nil {
		return err
	}
	a.queue = retryq.New(store, a.tracker, a.exec, a.sup, a.bus, a.log.With(logx.String("comp", "retryq")), retryCfg)
	a.exec.SetRetry(a.queue.Enqueue)

	watchCfg, err := mapWatchConfig(cfg)
	if err != nil {
		return err
	}
	a.watcher = watch.New(store, a.tracker, a.registry, a.fanout, a.bus, a.log.With(logx.String("comp", "watch")), watchCfg)

	if cfg.Notify != nil && cfg.Notify.Enabled {
		ncfg, err := mapNotifyConfig(cfg.Notify)
		if err != nil {
			return err
		}
		sender, err := notify.NewTelebotSender(ncfg)
		if err != nil {
			return err
		}
		a.notif = notify.New(ncfg, sender, a.log.With(logx.String("comp", "notify")))
		a.notif.Start(a.sup, a.bus)
	}

	if err := a.queue.Start(ctx); err != nil {
		return err
	}

	a.watchBans()
	a.sup.GoRestart("sessions/reaper", a.registry.RunReaper)
	a.sup.GoRestart("config/watch", a.cfgm.Watch)
	a.watchConfigUpdates()

	a.maint, err = newMaintenance(cfg.Maintenance, store, a.log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return err
	}
	a.maint.Start()

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return err
	}
	pprof.New(pprofCfg, a.log.With(logx.String("comp", "pprof"))).Start(a.sup)

	a.started = true
	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.String("storage", storeCfg.Driver),
		logx.Int("accounts", len(a.tracker.Eligible(ctx, 0))))
	return nil
}

// fanout adapts the broadcast executor for the watcher.
func (a *App) fanout(ctx context.Context, op platform.Op, breadth int) error {
	_, err := a.exec.Execute(ctx, op, breadth)
	return err
}

// StartBroadcast fans op out across up to breadth eligible accounts.
func (a *App) StartBroadcast(ctx context.Context, op platform.Op, breadth int) (broadcast.Result, error) {
	a.mu.Lock()
	exec := a.exec
	started := a.started
	a.mu.Unlock()
	if !started {
		return broadcast.Result{}, errors.New("app: not started")
	}
	return exec.Execute(ctx, op, breadth)
}

// AddAccount enrolls an account into the pool.
func (a *App) AddAccount(ctx context.Context, acct storage.Account) (int64, error) {
	return a.tracker.Enroll(ctx, acct)
}

// AccountHealthSummary returns account counts by state.
func (a *App) AccountHealthSummary() map[storage.AccountStatus]int {
	return a.tracker.Summary()
}

func (a *App) AddMonitor(ctx context.Context, target string) (int64, error) {
	return a.watcher.AddMonitor(ctx, target)
}

func (a *App) RemoveMonitor(ctx context.Context, target string) error {
	return a.watcher.RemoveMonitor(ctx, target)
}

func (a *App) Monitors(ctx context.Context) ([]storage.Monitor, error) {
	return a.watcher.Monitors(ctx)
}

// StartWatcher begins the live-event polling loop. Idempotent.
func (a *App) StartWatcher() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.watchCancel != nil {
		return
	}
	wctx, cancel := context.WithCancel(a.sup.Context())
	a.watchCancel = cancel
	done := make(chan struct{})
	a.watchStopped = done
	a.sup.GoRestart("watch/poll", func(context.Context) error {
		defer close(done)
		return a.watcher.Run(wctx)
	}, supervisor.WithStopOnCleanExit(true))
	a.log.Info("watcher started")
}

// StopWatcher halts the polling loop. Idempotent.
func (a *App) StopWatcher() {
	a.mu.Lock()
	cancel := a.watchCancel
	done := a.watchStopped
	a.watchCancel = nil
	a.watchStopped = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	a.log.Info("watcher stopped")
}

// watchBans drops a banned account's retry queue no matter where the ban
// was detected. The fan-out path only records the ban; this closes the loop.
func (a *App) watchBans() {
	sub, unsub := a.bus.Subscribe(16)
	a.sup.Go("retryq/bans", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-sub:
				if !ok {
					return nil
				}
				if ev.Type != "account.banned" {
					continue
				}
				if tr, ok := ev.Data.(health.Transition); ok {
					a.queue.DropAccount(ctx, tr.AccountID)
				}
			}
		}
	})
}

// watchConfigUpdates applies the hot-reloadable subset of the config.
// Structural knobs (pool size, windows, batch shape) need a restart.
func (a *App) watchConfigUpdates() {
	sub := a.cfgm.Subscribe(4)
	old := a.cfgm.Get()
	a.sup.Go("config/apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				changed, attrs := config.SummarizeConfigChange(old, cfg)
				if len(changed) > 0 {
					a.log.Info("config reloaded",
						append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				old = cfg
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	a.StopWatcher()
	a.queue.Stop()
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.notif != nil {
		a.notif.Stop()
	}

	err := a.sup.Stop(ctx)
	a.registry.Shutdown()
	if a.client != nil {
		a.client.Close()
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("stopped")
	return err
}
