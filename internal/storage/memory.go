package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is the in-process driver. It mirrors the sqlite driver's
// semantics closely enough for tests and throwaway runs.
type memStore struct {
	mu       sync.Mutex
	accounts map[int64]*Account
	tasks    map[int64]*RetryTask
	monitors map[int64]*Monitor
	audit    []AuditEntry
	seq      int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		accounts: map[int64]*Account{},
		tasks:    map[int64]*RetryTask{},
		monitors: map[int64]*Monitor{},
	}
}

func (s *memStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *memStore) Close() error { return nil }

func (s *memStore) LoadAccounts(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (s *memStore) UpsertAccount(ctx context.Context, a Account) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Priority == 0 {
		a.Priority = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	for id, ex := range s.accounts {
		if ex.Phone == a.Phone {
			a.ID = id
			a.CreatedAt = ex.CreatedAt
			a.FailedAttempts = ex.FailedAttempts
			a.LastUsedAt = ex.LastUsedAt
			s.accounts[id] = &a
			return id, nil
		}
	}
	a.ID = s.next()
	s.accounts[a.ID] = &a
	return a.ID, nil
}

func (s *memStore) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus, floodWaitUntil time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid account status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.FloodWaitUntil = floodWaitUntil
	return nil
}

func (s *memStore) IncrementFailedAttempts(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedAttempts++
	return nil
}

func (s *memStore) TouchAccount(ctx context.Context, id int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastUsedAt = usedAt
	return nil
}

func (s *memStore) SaveRetryTask(ctx context.Context, t RetryTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.ID == 0 {
		t.ID = s.next()
	}
	cp := t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *memStore) DeleteRetryTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) DeleteRetryTasksForAccount(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.AccountID == accountID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *memStore) LoadRetryTasks(ctx context.Context) ([]RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RetryTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (s *memStore) AddMonitor(ctx context.Context, target string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.monitors {
		if m.Target == target {
			return id, nil
		}
	}
	id := s.next()
	s.monitors[id] = &Monitor{ID: id, Target: target, CreatedAt: time.Now()}
	return id, nil
}

func (s *memStore) RemoveMonitor(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.monitors {
		if m.Target == target {
			delete(s.monitors, id)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memStore) ListMonitors(ctx context.Context) ([]Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, *m)
	}
	return out, nil
}

func (s *memStore) RecordMonitorCheck(ctx context.Context, id int64, at time.Time, detected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return ErrNotFound
	}
	m.LastCheckedAt = at
	if detected {
		m.Detections++
	}
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var pruned int64
	for _, e := range s.audit {
		if e.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return pruned, nil
}
