// Package ratelimit implements sliding-window admission control for platform
// calls. It only ever delays callers; it never rejects.
package ratelimit

import (
	"context"
	"sync"
	"time"

	logx "flockd/pkg/logx"
)

// Window is one sliding-window constraint: at most Limit admissions per Span.
type Window struct {
	Limit int
	Span  time.Duration
}

// Limiter tracks admission timestamps per key against one or more layered
// windows. The most restrictive currently-binding window determines the wait.
//
// Timestamps live only in memory; they are pruned on every admission check.
type Limiter struct {
	mu      sync.Mutex
	windows []Window
	calls   map[string][]time.Time
	maxSpan time.Duration

	log logx.Logger
	now func() time.Time
}

func New(log logx.Logger, windows ...Window) *Limiter {
	l := &Limiter{
		windows: append([]Window(nil), windows...),
		calls:   map[string][]time.Time{},
		log:     log,
		now:     time.Now,
	}
	for _, w := range l.windows {
		if w.Span > l.maxSpan {
			l.maxSpan = w.Span
		}
	}
	return l
}

// Acquire blocks until the key may make one more call, then records it.
// Returns only when admitted or when ctx is canceled.
//
// The wait/re-check loop is required: a concurrent caller may consume the
// slot that freed up while we slept.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	for {
		wait := l.tryAdmit(key)
		if wait <= 0 {
			return nil
		}
		if !l.log.IsZero() {
			l.log.Debug("rate limited", logx.String("key", key), logx.Duration("wait", wait))
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

// tryAdmit either records the call and returns 0, or returns how long the
// caller must wait before re-checking.
func (l *Limiter) tryAdmit(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	calls := l.prune(key, now)

	var wait time.Duration
	for _, w := range l.windows {
		if w.Limit <= 0 || w.Span <= 0 {
			continue
		}
		inWindow := callsSince(calls, now.Add(-w.Span))
		if len(inWindow) < w.Limit {
			continue
		}
		// Window full: wait until its oldest entry ages out.
		if d := w.Span - now.Sub(inWindow[0]); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait
	}

	l.calls[key] = append(calls, now)
	return 0
}

// prune drops entries older than the largest window and returns the rest.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	calls := l.calls[key]
	cutoff := now.Add(-l.maxSpan)
	i := 0
	for i < len(calls) && calls[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		calls = append(calls[:0], calls[i:]...)
		if len(calls) == 0 {
			delete(l.calls, key)
		} else {
			l.calls[key] = calls
		}
	}
	return calls
}

// InWindow reports how many admissions the key has inside the given span.
func (l *Limiter) InWindow(key string, span time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(callsSince(l.calls[key], l.now().Add(-span)))
}

func callsSince(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && calls[i].Before(cutoff) {
		i++
	}
	return calls[i:]
}

// Gate combines the per-account and global tiers. Broadcast workers acquire
// the account tier first, then the global tier, so a single flooding account
// cannot starve the shared budget while it waits on its own.
type Gate struct {
	account *Limiter
	global  *Limiter
}

const globalKey = "_global"

func NewGate(account, global *Limiter) *Gate {
	return &Gate{account: account, global: global}
}

func (g *Gate) Acquire(ctx context.Context, accountKey string) error {
	if g.account != nil {
		if err := g.account.Acquire(ctx, accountKey); err != nil {
			return err
		}
	}
	if g.global != nil {
		if err := g.global.Acquire(ctx, globalKey); err != nil {
			return err
		}
	}
	return nil
}
