package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "flockd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Accounts ----

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, username, session_ref, status, flood_wait_until,
		        priority, failed_attempts, last_used, created_at
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a         Account
			username  sql.NullString
			floodMS   sql.NullInt64
			lastUsed  sql.NullInt64
			createdMS int64
			status    string
		)
		if err := rows.Scan(&a.ID, &a.Phone, &username, &a.SessionRef, &status,
			&floodMS, &a.Priority, &a.FailedAttempts, &lastUsed, &createdMS); err != nil {
			return nil, err
		}
		a.Username = username.String
		a.Status = AccountStatus(status)
		if floodMS.Valid {
			a.FloodWaitUntil = time.UnixMilli(floodMS.Int64)
		}
		if lastUsed.Valid {
			a.LastUsedAt = time.UnixMilli(lastUsed.Int64)
		}
		a.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertAccount(ctx context.Context, a Account) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Priority == 0 {
		a.Priority = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(phone, username, session_ref, status, flood_wait_until,
		                      priority, failed_attempts, last_used, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET
		     username = excluded.username,
		     session_ref = excluded.session_ref,
		     status = excluded.status,
		     priority = excluded.priority`,
		a.Phone, nullStr(a.Username), a.SessionRef, string(a.Status), nullTimeMS(a.FloodWaitUntil),
		a.Priority, a.FailedAttempts, nullTimeMS(a.LastUsedAt), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// Upsert on an existing row does not always report the id; fetch it.
		var got int64
		qerr := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE phone = ?`, a.Phone).Scan(&got)
		if qerr != nil {
			return 0, qerr
		}
		return got, nil
	}
	return id, nil
}

func (s *sqliteStore) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus, floodWaitUntil time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid account status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, flood_wait_until = ? WHERE id = ?`,
		string(status), nullTimeMS(floodWaitUntil), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) IncrementFailedAttempts(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET failed_attempts = failed_attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) TouchAccount(ctx context.Context, id int64, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_used = ? WHERE id = ?`, usedAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ---- Retry tasks ----

func (s *sqliteStore) SaveRetryTask(ctx context.Context, t RetryTask) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.ID != 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE retry_tasks SET attempts = ?, next_retry_at = ?, alerted = ? WHERE id = ?`,
			t.Attempts, nullTimeMS(t.NextRetryAt), boolInt(t.Alerted), t.ID)
		return t.ID, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_tasks(account_id, kind, target, payload, attempts,
		                         max_attempts, next_retry_at, alerted, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		t.AccountID, t.Kind, t.Target, nullStr(t.PayloadJSON), t.Attempts,
		t.MaxAttempts, nullTimeMS(t.NextRetryAt), boolInt(t.Alerted), t.CreatedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) DeleteRetryTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteRetryTasksForAccount(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE account_id = ?`, accountID)
	return err
}

func (s *sqliteStore) LoadRetryTasks(ctx context.Context) ([]RetryTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, kind, target, payload, attempts, max_attempts,
		        next_retry_at, alerted, created_at
		 FROM retry_tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryTask
	for rows.Next() {
		var (
			t         RetryTask
			payload   sql.NullString
			nextMS    sql.NullInt64
			alerted   int
			createdMS int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Target, &payload,
			&t.Attempts, &t.MaxAttempts, &nextMS, &alerted, &createdMS); err != nil {
			return nil, err
		}
		t.PayloadJSON = payload.String
		if nextMS.Valid {
			t.NextRetryAt = time.UnixMilli(nextMS.Int64)
		}
		t.Alerted = alerted != 0
		t.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Monitors ----

func (s *sqliteStore) AddMonitor(ctx context.Context, target string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors(target, created_at) VALUES(?,?)
		 ON CONFLICT(target) DO NOTHING`,
		target, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM monitors WHERE target = ?`, target).Scan(&id)
		return id, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) RemoveMonitor(ctx context.Context, target string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE target = ?`, target)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) ListMonitors(ctx context.Context) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, detections, last_checked, created_at FROM monitors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Monitor
	for rows.Next() {
		var (
			m         Monitor
			lastMS    sql.NullInt64
			createdMS int64
		)
		if err := rows.Scan(&m.ID, &m.Target, &m.Detections, &lastMS, &createdMS); err != nil {
			return nil, err
		}
		if lastMS.Valid {
			m.LastCheckedAt = time.UnixMilli(lastMS.Int64)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordMonitorCheck(ctx context.Context, id int64, at time.Time, detected bool) error {
	inc := 0
	if detected {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET last_checked = ?, detections = detections + ? WHERE id = ?`,
		at.UnixMilli(), inc, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, account_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullID(e.AccountID), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON))
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- helpers ----

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTimeMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
