package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "flockd/pkg/logx"
)

// Store is the persistence API consumed by the core components.
//
// All methods are safe for concurrent use.
type Store interface {
	// Accounts.
	LoadAccounts(ctx context.Context) ([]Account, error)
	UpsertAccount(ctx context.Context, a Account) (int64, error)
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus, floodWaitUntil time.Time) error
	IncrementFailedAttempts(ctx context.Context, id int64) error
	TouchAccount(ctx context.Context, id int64, usedAt time.Time) error

	// Retry tasks.
	SaveRetryTask(ctx context.Context, t RetryTask) (int64, error)
	DeleteRetryTask(ctx context.Context, id int64) error
	DeleteRetryTasksForAccount(ctx context.Context, accountID int64) error
	LoadRetryTasks(ctx context.Context) ([]RetryTask, error)

	// Monitors.
	AddMonitor(ctx context.Context, target string) (int64, error)
	RemoveMonitor(ctx context.Context, target string) error
	ListMonitors(ctx context.Context) ([]Monitor, error)
	RecordMonitorCheck(ctx context.Context, id int64, at time.Time, detected bool) error

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
