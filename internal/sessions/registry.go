// Package sessions keeps authenticated platform sessions pooled and bounded.
package sessions

import (
	"context"
	"errors"
	"time"

	"sync"

	"flockd/internal/health"
	"flockd/internal/platform"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

// ErrPoolExhausted is returned when the pool is at capacity and every
// resident session is currently leased.
var ErrPoolExhausted = errors.New("sessions: pool exhausted")

type Config struct {
	MaxActive      int           `yaml:"max_active" json:"max_active"`
	IdleEvict      time.Duration `yaml:"idle_evict" json:"idle_evict"`
	ReaperInterval time.Duration `yaml:"reaper_interval" json:"reaper_interval"`
}

func (c *Config) Normalize() {
	if c.MaxActive <= 0 {
		c.MaxActive = 10
	}
	if c.IdleEvict <= 0 {
		c.IdleEvict = 10 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
}

type entry struct {
	accountID int64

	ready chan struct{} // closed once authentication settled
	sess  platform.Session
	err   error

	use      sync.Mutex // serializes operations on sess
	inUse    bool
	lastUsed time.Time
}

// Registry is the session pool. At most MaxActive sessions are resident;
// acquiring for an unpooled account when full evicts the least recently
// used idle session first.
type Registry struct {
	client platform.Client
	health *health.Tracker
	log    logx.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool

	now func() time.Time
}

func New(client platform.Client, tracker *health.Tracker, log logx.Logger, cfg Config) *Registry {
	cfg.Normalize()
	return &Registry{
		client:  client,
		health:  tracker,
		log:     log,
		cfg:     cfg,
		entries: map[int64]*entry{},
		now:     time.Now,
	}
}

// Lease is an exclusive hold on one account's session. Callers must Release.
type Lease struct {
	reg *Registry
	ent *entry
}

func (l *Lease) Session() platform.Session { return l.ent.sess }

func (l *Lease) AccountID() int64 { return l.ent.accountID }

func (l *Lease) Release() {
	l.reg.mu.Lock()
	l.ent.inUse = false
	l.ent.lastUsed = l.reg.now()
	l.reg.mu.Unlock()
	l.ent.use.Unlock()
}

// Acquire returns an exclusive lease on the account's session, creating and
// authenticating one if needed. Concurrent acquirers for the same account
// share a single authentication attempt and then take turns on the session.
//
// An authentication failure marks the account inactive and returns
// (nil, nil): the account is skipped, not an operation error.
func (r *Registry) Acquire(ctx context.Context, acct storage.Account) (*Lease, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("sessions: registry closed")
	}
	ent, ok := r.entries[acct.ID]
	if !ok {
		if len(r.entries) >= r.cfg.MaxActive && !r.evictLRULocked() {
			r.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		ent = &entry{accountID: acct.ID, ready: make(chan struct{}), lastUsed: r.now()}
		r.entries[acct.ID] = ent
		r.mu.Unlock()

		sess, err := r.client.Authenticate(ctx, platform.Credentials{Phone: acct.Phone, SessionRef: acct.SessionRef})
		ent.sess, ent.err = sess, err
		close(ent.ready)
		if err != nil {
			r.mu.Lock()
			delete(r.entries, acct.ID)
			r.mu.Unlock()
			return r.authFailed(ctx, acct.ID, err)
		}
		r.log.Debug("session opened", logx.Int64("account", acct.ID))
	} else {
		r.mu.Unlock()
	}

	select {
	case <-ent.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if ent.err != nil {
		// Creation raced with a failed authenticator; the entry is gone.
		// Classify like the creator did: auth failures are a skip,
		// transport failures are the caller's error.
		var authErr *platform.AuthError
		if errors.As(ent.err, &authErr) {
			return nil, nil
		}
		return nil, ent.err
	}

	ent.use.Lock()
	r.mu.Lock()
	if r.entries[acct.ID] != ent {
		// Evicted between ready and lock. Retry with a fresh entry.
		r.mu.Unlock()
		ent.use.Unlock()
		return r.Acquire(ctx, acct)
	}
	ent.inUse = true
	r.mu.Unlock()
	return &Lease{reg: r, ent: ent}, nil
}

func (r *Registry) authFailed(ctx context.Context, accountID int64, err error) (*Lease, error) {
	var authErr *platform.AuthError
	if errors.As(err, &authErr) {
		r.health.MarkInactive(ctx, accountID)
		r.log.Warn("authentication failed", logx.Int64("account", accountID), logx.Err(err))
		return nil, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	r.log.Warn("session open failed", logx.Int64("account", accountID), logx.Err(err))
	return nil, err
}

// evictLRULocked drops the least recently used idle session. Returns false
// when nothing is evictable. Caller holds r.mu.
func (r *Registry) evictLRULocked() bool {
	var victim *entry
	for _, e := range r.entries {
		if e.inUse {
			continue
		}
		select {
		case <-e.ready:
		default:
			continue // still authenticating
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	delete(r.entries, victim.accountID)
	if victim.sess != nil {
		go victim.sess.Close()
	}
	r.log.Debug("session evicted", logx.Int64("account", victim.accountID))
	return true
}

// Drop closes and removes the account's session if resident.
func (r *Registry) Drop(accountID int64) {
	r.mu.Lock()
	ent, ok := r.entries[accountID]
	if ok {
		delete(r.entries, accountID)
	}
	r.mu.Unlock()
	if ok && ent.sess != nil {
		go ent.sess.Close()
	}
}

// Len reports the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reap evicts sessions idle longer than the configured threshold. Called
// periodically from the supervised reaper loop.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.IdleEvict)

	r.mu.Lock()
	var victims []*entry
	for id, e := range r.entries {
		if e.inUse || e.lastUsed.After(cutoff) {
			continue
		}
		select {
		case <-e.ready:
		default:
			continue
		}
		delete(r.entries, id)
		victims = append(victims, e)
	}
	r.mu.Unlock()

	for _, e := range victims {
		if e.sess != nil {
			e.sess.Close()
		}
		r.log.Debug("idle session reaped", logx.Int64("account", e.accountID))
	}
	return len(victims)
}

// RunReaper blocks running the idle reaper until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context) error {
	t := time.NewTicker(r.cfg.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := r.Reap(); n > 0 {
				r.log.Info("reaper pass", logx.Int("evicted", n))
			}
		}
	}
}

// Shutdown closes every resident session and rejects further acquires.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = map[int64]*entry{}
	r.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.sess != nil {
			e.sess.Close()
		}
	}
}
