// Package health owns the account eligibility state machine.
//
// All status transitions flow through the Tracker; no other component writes
// account status. Every transition is written through to storage, so the
// in-memory view and the persisted view only diverge if storage itself fails
// (which is logged, never fatal: selection keeps working off memory).
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"flockd/internal/eventbus"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

type Tracker struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.Mutex
	accounts map[int64]*storage.Account

	now func() time.Time
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Tracker {
	return &Tracker{
		store:    store,
		log:      log,
		bus:      bus,
		accounts: map[int64]*storage.Account{},
		now:      time.Now,
	}
}

// Load replaces the in-memory account set from storage.
func (t *Tracker) Load(ctx context.Context) error {
	accounts, err := t.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.accounts = make(map[int64]*storage.Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		t.accounts[a.ID] = &a
	}
	n := len(t.accounts)
	t.mu.Unlock()

	t.log.Info("accounts loaded", logx.Int("count", n))
	return nil
}

// Enroll registers (or re-registers) an account and tracks it immediately.
func (t *Tracker) Enroll(ctx context.Context, a storage.Account) (int64, error) {
	id, err := t.store.UpsertAccount(ctx, a)
	if err != nil {
		return 0, err
	}
	a.ID = id
	if a.Status == "" {
		a.Status = storage.StatusActive
	}
	if a.Priority == 0 {
		a.Priority = 1
	}
	t.mu.Lock()
	t.accounts[id] = &a
	t.mu.Unlock()
	return id, nil
}

func (t *Tracker) Get(id int64) (storage.Account, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[id]
	if !ok {
		return storage.Account{}, false
	}
	return *a, true
}

// Eligible returns up to limit selectable accounts ordered by priority desc,
// least-recently-used first. limit <= 0 means all.
//
// A FloodWait account whose deadline has passed is flipped back to Active
// here, at selection time; the flood wait needs no background timer.
func (t *Tracker) Eligible(ctx context.Context, limit int) []storage.Account {
	now := t.now()

	t.mu.Lock()
	out := make([]storage.Account, 0, len(t.accounts))
	var cleared []int64
	for _, a := range t.accounts {
		switch a.Status {
		case storage.StatusActive:
		case storage.StatusFloodWait:
			if now.Before(a.FloodWaitUntil) {
				continue
			}
			a.Status = storage.StatusActive
			a.FloodWaitUntil = time.Time{}
			cleared = append(cleared, a.ID)
		default:
			// Banned and Inactive never select.
			continue
		}
		out = append(out, *a)
	}
	t.mu.Unlock()

	for _, id := range cleared {
		t.persistStatus(ctx, id, storage.StatusActive, time.Time{})
		t.log.Debug("flood wait cleared", logx.Int64("account", id))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.Before(out[j].LastUsedAt)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkFloodWait puts the account into FloodWait for the platform-supplied
// duration. No-op on banned accounts (Banned is terminal).
func (t *Tracker) MarkFloodWait(ctx context.Context, id int64, wait time.Duration) {
	until := t.now().Add(wait)

	t.mu.Lock()
	a, ok := t.accounts[id]
	if !ok || a.Status == storage.StatusBanned {
		t.mu.Unlock()
		return
	}
	a.Status = storage.StatusFloodWait
	a.FloodWaitUntil = until
	t.mu.Unlock()

	t.persistStatus(ctx, id, storage.StatusFloodWait, until)
	t.log.Warn("account flood wait", logx.Int64("account", id), logx.Duration("wait", wait))
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: "account.floodwait", Data: Transition{AccountID: id, Status: storage.StatusFloodWait, Until: until}})
	}
}

// MarkBanned transitions the account to its terminal state and audit-logs it.
func (t *Tracker) MarkBanned(ctx context.Context, id int64, target string) {
	t.mu.Lock()
	a, ok := t.accounts[id]
	if !ok || a.Status == storage.StatusBanned {
		t.mu.Unlock()
		return
	}
	a.Status = storage.StatusBanned
	a.FloodWaitUntil = time.Time{}
	t.mu.Unlock()

	t.persistStatus(ctx, id, storage.StatusBanned, time.Time{})
	if err := t.store.AppendAudit(ctx, storage.AuditEntry{
		AccountID: id,
		Action:    "ban",
		Target:    target,
		Fail:      1,
	}); err != nil {
		t.log.Warn("audit append failed", logx.Int64("account", id), logx.Err(err))
	}
	t.log.Error("account banned", logx.Int64("account", id), logx.String("target", target))
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: "account.banned", Data: Transition{AccountID: id, Status: storage.StatusBanned, Target: target}})
	}
}

// MarkInactive records that no valid session could be established.
func (t *Tracker) MarkInactive(ctx context.Context, id int64) {
	t.mu.Lock()
	a, ok := t.accounts[id]
	if !ok || a.Status == storage.StatusBanned || a.Status == storage.StatusInactive {
		t.mu.Unlock()
		return
	}
	a.Status = storage.StatusInactive
	a.FloodWaitUntil = time.Time{}
	t.mu.Unlock()

	t.persistStatus(ctx, id, storage.StatusInactive, time.Time{})
	t.log.Warn("account inactive", logx.Int64("account", id))
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: "account.inactive", Data: Transition{AccountID: id, Status: storage.StatusInactive}})
	}
}

// NoteFailure counts an ordinary operation failure without changing status.
func (t *Tracker) NoteFailure(ctx context.Context, id int64) {
	t.mu.Lock()
	if a, ok := t.accounts[id]; ok {
		a.FailedAttempts++
	}
	t.mu.Unlock()

	if err := t.store.IncrementFailedAttempts(ctx, id); err != nil {
		t.log.Warn("failed-attempt persist failed", logx.Int64("account", id), logx.Err(err))
	}
}

// Touch records that the account was just used for an operation.
func (t *Tracker) Touch(ctx context.Context, id int64) {
	now := t.now()
	t.mu.Lock()
	if a, ok := t.accounts[id]; ok {
		a.LastUsedAt = now
	}
	t.mu.Unlock()

	if err := t.store.TouchAccount(ctx, id, now); err != nil {
		t.log.Warn("last-used persist failed", logx.Int64("account", id), logx.Err(err))
	}
}

// IsBanned reports whether the account is in its terminal state.
func (t *Tracker) IsBanned(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[id]
	return ok && a.Status == storage.StatusBanned
}

// Summary returns account counts by state.
func (t *Tracker) Summary() map[storage.AccountStatus]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[storage.AccountStatus]int{}
	for _, a := range t.accounts {
		out[a.Status]++
	}
	return out
}

func (t *Tracker) persistStatus(ctx context.Context, id int64, status storage.AccountStatus, until time.Time) {
	if err := t.store.UpdateAccountStatus(ctx, id, status, until); err != nil {
		t.log.Warn("status persist failed", logx.Int64("account", id), logx.String("status", string(status)), logx.Err(err))
	}
}

// Transition is the bus payload for account state changes.
type Transition struct {
	AccountID int64                 `json:"account_id"`
	Status    storage.AccountStatus `json:"status"`
	Until     time.Time             `json:"until,omitempty"`
	Target    string                `json:"target,omitempty"`
}
