package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process only, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AccountStatus is the persisted account eligibility state.
//
// Transitions are owned by the health tracker; storage only records them.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusFloodWait AccountStatus = "floodwait"
	StatusBanned    AccountStatus = "banned"
	StatusInactive  AccountStatus = "inactive"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusFloodWait, StatusBanned, StatusInactive:
		return true
	}
	return false
}

// Account is one managed platform identity.
//
// FloodWaitUntil is only meaningful while Status == StatusFloodWait.
// A zero LastUsedAt sorts first in selection order.
type Account struct {
	ID             int64
	Phone          string
	Username       string
	SessionRef     string
	Status         AccountStatus
	FloodWaitUntil time.Time
	Priority       int
	FailedAttempts int
	LastUsedAt     time.Time
	CreatedAt      time.Time
}

// RetryTask is one persisted pending retry.
//
// PayloadJSON is the serialized platform.Op; storage does not interpret it.
type RetryTask struct {
	ID          int64
	AccountID   int64
	Kind        string
	Target      string
	PayloadJSON string
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	Alerted     bool
	CreatedAt   time.Time
}

// Monitor is one target watched for live events.
type Monitor struct {
	ID            int64
	Target        string
	Detections    int
	LastCheckedAt time.Time
	CreatedAt     time.Time
}

// AuditEntry records an operation outcome or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	AccountID int64
	Action    string
	Target    string
	OK        int
	Fail      int
	Error     string
	TookMS    int64
	MetaJSON  string
}
