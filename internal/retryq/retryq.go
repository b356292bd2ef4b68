// Package retryq re-drives failed operations per account with backoff.
//
// Each account with pending tasks gets one worker goroutine, started lazily
// and supervised. Workers are independent: one account stuck in backoff
// never delays another. Tasks survive restarts through storage.
package retryq

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"flockd/internal/eventbus"
	"flockd/internal/health"
	"flockd/internal/platform"
	"flockd/internal/runtime/supervisor"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

// defaultBackoff is the retry delay ladder. An attempt count past the end
// keeps using the last rung, so delays never decrease.
var defaultBackoff = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
	time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute,
	30 * time.Minute, time.Hour,
}

type Config struct {
	MaxAttempts int             `yaml:"max_attempts" json:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff" json:"backoff"`
}

func (c *Config) Normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 50
	}
	if len(c.Backoff) == 0 {
		c.Backoff = defaultBackoff
	}
}

// Executor re-runs one operation on one account. It must return nil when
// the operation's precondition no longer holds (the retry is then obsolete
// and counts as success).
type Executor interface {
	ExecuteOne(ctx context.Context, accountID int64, op platform.Op) error
}

// Exhausted is the "retry.exhausted" bus payload, published once per task
// when it crosses its attempt budget. The task keeps retrying afterwards.
type Exhausted struct {
	AccountID int64
	Kind      string
	Target    string
	Attempts  int
}

type worker struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

type Queue struct {
	store  storage.Store
	health *health.Tracker
	exec   Executor
	sup    *supervisor.Supervisor
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config

	mu      sync.Mutex
	tasks   map[int64][]*storage.RetryTask // keyed by account
	workers map[int64]*worker
	stopped bool

	rng *rand.Rand
	now func() time.Time
}

func New(store storage.Store, tracker *health.Tracker, exec Executor, sup *supervisor.Supervisor, bus eventbus.Bus, log logx.Logger, cfg Config) *Queue {
	cfg.Normalize()
	return &Queue{
		store:   store,
		health:  tracker,
		exec:    exec,
		sup:     sup,
		bus:     bus,
		log:     log,
		cfg:     cfg,
		tasks:   map[int64][]*storage.RetryTask{},
		workers: map[int64]*worker{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Start loads persisted tasks and spins up workers for accounts that have
// any. Banned accounts get their tasks dropped instead.
func (q *Queue) Start(ctx context.Context) error {
	tasks, err := q.store.LoadRetryTasks(ctx)
	if err != nil {
		return err
	}

	byAccount := map[int64][]*storage.RetryTask{}
	for i := range tasks {
		t := tasks[i]
		byAccount[t.AccountID] = append(byAccount[t.AccountID], &t)
	}

	q.mu.Lock()
	for id, ts := range byAccount {
		if q.health.IsBanned(id) {
			q.mu.Unlock()
			if err := q.store.DeleteRetryTasksForAccount(ctx, id); err != nil {
				q.log.Warn("stale task cleanup failed", logx.Int64("account", id), logx.Err(err))
			}
			q.mu.Lock()
			continue
		}
		q.tasks[id] = ts
		q.ensureWorkerLocked(id)
	}
	n := len(q.tasks)
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("retry queue restored", logx.Int("accounts", n), logx.Int("tasks", len(tasks)))
	}
	return nil
}

// Enqueue persists a retry task for the account and wakes its worker.
// Enqueueing for a banned account is a no-op.
func (q *Queue) Enqueue(ctx context.Context, accountID int64, op platform.Op) error {
	if err := op.Normalize(); err != nil {
		return err
	}
	if q.health.IsBanned(accountID) {
		return nil
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	task := storage.RetryTask{
		AccountID:   accountID,
		Kind:        op.KindName,
		Target:      op.Target,
		PayloadJSON: string(payload),
		MaxAttempts: q.cfg.MaxAttempts,
		NextRetryAt: q.now().Add(q.delay(1)),
		CreatedAt:   q.now(),
	}
	id, err := q.store.SaveRetryTask(ctx, task)
	if err != nil {
		return err
	}
	task.ID = id

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.tasks[accountID] = append(q.tasks[accountID], &task)
	q.ensureWorkerLocked(accountID)
	w := q.workers[accountID]
	q.mu.Unlock()

	poke(w)
	q.log.Debug("retry enqueued",
		logx.Int64("account", accountID),
		logx.String("kind", op.KindName),
		logx.String("target", op.Target))
	return nil
}

// PendingFor reports the number of queued tasks for the account.
func (q *Queue) PendingFor(accountID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks[accountID])
}

// DropAccount discards the account's tasks and stops its worker. Used when
// an account is banned: its work is unrecoverable.
func (q *Queue) DropAccount(ctx context.Context, accountID int64) {
	q.mu.Lock()
	delete(q.tasks, accountID)
	w := q.workers[accountID]
	delete(q.workers, accountID)
	q.mu.Unlock()

	if w != nil {
		w.cancel()
	}
	if err := q.store.DeleteRetryTasksForAccount(ctx, accountID); err != nil {
		q.log.Warn("task drop failed", logx.Int64("account", accountID), logx.Err(err))
	}
	q.log.Info("retry tasks dropped", logx.Int64("account", accountID))
}

// Stop cancels all workers. Pending tasks stay persisted for the next run.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	workers := make([]*worker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.workers = map[int64]*worker{}
	q.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
}

func (q *Queue) ensureWorkerLocked(accountID int64) {
	if q.stopped || q.workers[accountID] != nil {
		return
	}
	wctx, cancel := context.WithCancel(q.sup.Context())
	w := &worker{cancel: cancel, wake: make(chan struct{}, 1)}
	q.workers[accountID] = w
	q.sup.GoRestart(workerName(accountID), func(context.Context) error {
		return q.run(wctx, accountID, w)
	}, supervisor.WithStopOnCleanExit(true))
}

// poke wakes a worker without blocking; a pending wake is enough.
func poke(w *worker) {
	if w == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func workerName(accountID int64) string {
	return "retryq/" + strconv.FormatInt(accountID, 10)
}

// run is the per-account worker loop.
func (q *Queue) run(ctx context.Context, accountID int64, w *worker) error {
	for {
		task, ok := q.nextTask(accountID)
		if !ok {
			// Idle until new work or shutdown.
			select {
			case <-ctx.Done():
				return nil
			case <-w.wake:
				continue
			}
		}

		if wait := time.Until(task.NextRetryAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-w.wake:
				timer.Stop()
				continue // schedule may have changed
			case <-timer.C:
			}
		}

		if stop := q.attempt(ctx, accountID, task); stop {
			return nil
		}
	}
}

// nextTask returns the account's earliest-due task.
func (q *Queue) nextTask(accountID int64) (*storage.RetryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts := q.tasks[accountID]
	if len(ts) == 0 {
		return nil, false
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].NextRetryAt.Before(ts[j].NextRetryAt) })
	return ts[0], true
}

// attempt executes one task once and reschedules or retires it. Returns
// true when the worker should stop (account banned).
func (q *Queue) attempt(ctx context.Context, accountID int64, task *storage.RetryTask) bool {
	// A ban recorded anywhere (fan-out path, operator action, a restart
	// that loaded a stale task) ends this account's queue. Never open a
	// session for a banned account.
	if q.health.IsBanned(accountID) {
		q.DropAccount(ctx, accountID)
		return true
	}

	var op platform.Op
	if err := json.Unmarshal([]byte(task.PayloadJSON), &op); err != nil || op.Normalize() != nil {
		q.log.Error("undecodable retry task dropped", logx.Int64("task", task.ID), logx.Err(err))
		q.retire(ctx, accountID, task)
		return false
	}

	err := q.exec.ExecuteOne(ctx, accountID, op)
	switch platform.Classify(err) {
	case platform.OutcomeOK:
		q.log.Info("retry succeeded",
			logx.Int64("account", accountID),
			logx.String("kind", task.Kind),
			logx.Int("attempts", task.Attempts+1))
		q.retire(ctx, accountID, task)
		return false

	case platform.OutcomeThrottled:
		wait, _ := platform.ThrottleWait(err)
		q.health.MarkFloodWait(ctx, accountID, wait)
		q.reschedule(ctx, task, q.now().Add(wait), false)
		return false

	case platform.OutcomeBanned:
		q.health.MarkBanned(ctx, accountID, task.Target)
		q.DropAccount(ctx, accountID)
		return true

	case platform.OutcomeTargetGone:
		q.log.Warn("retry target gone, task dropped",
			logx.Int64("account", accountID),
			logx.String("target", task.Target))
		q.retire(ctx, accountID, task)
		return false

	default:
		if ctx.Err() != nil {
			return true
		}
		task.Attempts++
		q.health.NoteFailure(ctx, accountID)
		if task.Attempts >= task.MaxAttempts && !task.Alerted {
			task.Alerted = true
			if q.bus != nil {
				q.bus.Publish(eventbus.Event{Type: "retry.exhausted", Data: Exhausted{
					AccountID: accountID,
					Kind:      task.Kind,
					Target:    task.Target,
					Attempts:  task.Attempts,
				}})
			}
			q.log.Error("retry attempts exhausted, alerted",
				logx.Int64("account", accountID),
				logx.String("kind", task.Kind),
				logx.Int("attempts", task.Attempts))
		}
		q.reschedule(ctx, task, q.now().Add(q.delay(task.Attempts)), true)
		return false
	}
}

// delay returns the jittered backoff for the given attempt number (1-based).
// Jitter is uniform in [0.5, 1.5) of the table value.
func (q *Queue) delay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	base := q.cfg.Backoff[idx]
	q.mu.Lock()
	f := 0.5 + q.rng.Float64()
	q.mu.Unlock()
	return time.Duration(float64(base) * f)
}

func (q *Queue) retire(ctx context.Context, accountID int64, task *storage.RetryTask) {
	q.mu.Lock()
	ts := q.tasks[accountID]
	for i, t := range ts {
		if t.ID == task.ID {
			q.tasks[accountID] = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if err := q.store.DeleteRetryTask(ctx, task.ID); err != nil {
		q.log.Warn("task delete failed", logx.Int64("task", task.ID), logx.Err(err))
	}
}

func (q *Queue) reschedule(ctx context.Context, task *storage.RetryTask, at time.Time, counted bool) {
	task.NextRetryAt = at
	if _, err := q.store.SaveRetryTask(ctx, *task); err != nil {
		q.log.Warn("task persist failed", logx.Int64("task", task.ID), logx.Err(err))
	}
	if counted {
		q.log.Debug("retry rescheduled",
			logx.Int64("task", task.ID),
			logx.Int("attempt", task.Attempts),
			logx.Time("next", at))
	}
}
