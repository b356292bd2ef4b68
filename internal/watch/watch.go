// Package watch polls monitored targets for live events and reacts once
// per event.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"flockd/internal/eventbus"
	"flockd/internal/health"
	"flockd/internal/platform"
	"flockd/internal/sessions"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	JoinBreadth  int           `yaml:"join_breadth" json:"join_breadth"`
}

func (c *Config) Normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.JoinBreadth < 0 {
		c.JoinBreadth = 0
	}
}

// ErrNoProbeAccount means no account was available to run the live check.
var ErrNoProbeAccount = errors.New("watch: no probe account available")

// Watcher drives the polling loop. One check failure on one target never
// stops the loop or the other targets.
type Watcher struct {
	store    storage.Store
	health   *health.Tracker
	sessions *sessions.Registry
	fanout   func(ctx context.Context, op platform.Op, breadth int) error
	bus      eventbus.Bus
	log      logx.Logger
	cfg      Config

	mu   sync.Mutex
	seen map[string]map[int64]struct{} // target -> event ids already handled

	now func() time.Time
}

func New(store storage.Store, tracker *health.Tracker, reg *sessions.Registry, fanout func(ctx context.Context, op platform.Op, breadth int) error, bus eventbus.Bus, log logx.Logger, cfg Config) *Watcher {
	cfg.Normalize()
	return &Watcher{
		store:    store,
		health:   tracker,
		sessions: reg,
		fanout:   fanout,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		seen:     map[string]map[int64]struct{}{},
		now:      time.Now,
	}
}

// AddMonitor starts watching target.
func (w *Watcher) AddMonitor(ctx context.Context, target string) (int64, error) {
	id, err := w.store.AddMonitor(ctx, target)
	if err != nil {
		return 0, err
	}
	w.log.Info("monitor added", logx.String("target", target))
	return id, nil
}

// RemoveMonitor stops watching target and forgets its event history.
func (w *Watcher) RemoveMonitor(ctx context.Context, target string) error {
	if err := w.store.RemoveMonitor(ctx, target); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.seen, target)
	w.mu.Unlock()
	w.log.Info("monitor removed", logx.String("target", target))
	return nil
}

// Monitors lists the watched targets.
func (w *Watcher) Monitors(ctx context.Context) ([]storage.Monitor, error) {
	return w.store.ListMonitors(ctx)
}

// Run blocks polling every PollInterval until ctx is cancelled. Meant to be
// run under the supervisor.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Poll(ctx)
		}
	}
}

// Poll checks every monitored target once.
func (w *Watcher) Poll(ctx context.Context) {
	monitors, err := w.store.ListMonitors(ctx)
	if err != nil {
		w.log.Warn("monitor list failed", logx.Err(err))
		return
	}
	if len(monitors) == 0 {
		return
	}

	for _, m := range monitors {
		if ctx.Err() != nil {
			return
		}
		if err := w.checkTarget(ctx, m); err != nil {
			w.log.Warn("live check failed",
				logx.String("target", m.Target),
				logx.Err(err))
		}
	}
}

func (w *Watcher) checkTarget(ctx context.Context, m storage.Monitor) error {
	ev, err := w.probe(ctx, m.Target)
	if rerr := w.store.RecordMonitorCheck(ctx, m.ID, w.now(), err == nil && ev != nil); rerr != nil {
		w.log.Warn("monitor check record failed", logx.String("target", m.Target), logx.Err(rerr))
	}
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	w.mu.Lock()
	ids := w.seen[m.Target]
	if ids == nil {
		ids = map[int64]struct{}{}
		w.seen[m.Target] = ids
	}
	if _, dup := ids[ev.ID]; dup {
		w.mu.Unlock()
		return nil
	}
	// Marked before the join so a failed fan-out is never re-driven by the
	// next poll tick.
	ids[ev.ID] = struct{}{}
	w.mu.Unlock()

	w.log.Info("live event detected",
		logx.String("target", m.Target),
		logx.Int64("event", ev.ID),
		logx.String("title", ev.Title))
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: "watch.live", Data: Detected{Target: m.Target, EventID: ev.ID, Title: ev.Title}})
	}

	op := platform.Op{Kind: platform.OpJoinLive, Target: m.Target, EventID: ev.ID}
	if err := w.fanout(ctx, op, w.cfg.JoinBreadth); err != nil {
		w.log.Warn("live join fan-out failed",
			logx.String("target", m.Target),
			logx.Int64("event", ev.ID),
			logx.Err(err))
	}
	return nil
}

// probe runs CheckLive on one eligible account's session.
func (w *Watcher) probe(ctx context.Context, target string) (*platform.LiveEvent, error) {
	accounts := w.health.Eligible(ctx, 1)
	if len(accounts) == 0 {
		return nil, ErrNoProbeAccount
	}
	lease, err := w.sessions.Acquire(ctx, accounts[0])
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, ErrNoProbeAccount
	}
	defer lease.Release()
	return lease.Session().CheckLive(ctx, target)
}

// Detected is the bus payload for a newly observed live event.
type Detected struct {
	Target  string `json:"target"`
	EventID int64  `json:"event_id"`
	Title   string `json:"title,omitempty"`
}
