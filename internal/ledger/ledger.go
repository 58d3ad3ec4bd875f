// Package ledger is the Status Ledger: a single SQLite file recording one
// row per message, keyed by mail_id, with the lifecycle flags and indexes
// needed for domain/user/time progress queries.
//
// Each worker and the Orchestrator opens its own *Ledger (its own
// *sql.DB/connection) — connections are never shared across goroutines, so
// there is no package-level mutex guarding access; SQLite's own
// transactional isolation and WAL journal mode do that job.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrBusy is returned when a write could not complete after exhausting the
// busy-retry backoff because SQLite reported the database as locked.
var ErrBusy = errors.New("ledger: database busy")

// maxBusyRetry bounds how long a single write will retry on SQLITE_BUSY
// before giving up and returning ErrBusy.
const maxBusyRetry = 5 * time.Second

// Ledger is a single connection to the status database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema and indexes exist.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	l := &Ledger{db: db}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mail_status (
			mail_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			is_completed INTEGER NOT NULL,
			is_success INTEGER NOT NULL,
			received_time TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_domain_stats ON mail_status (domain, is_completed, is_success)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats ON mail_status (user_id, is_completed, is_success)`,
		`CREATE INDEX IF NOT EXISTS idx_time_progress ON mail_status (received_time, is_completed)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: ensure schema: %w", err)
		}
	}
	return nil
}

// Row is one mail_status row.
type Row struct {
	MailID       string
	UserID       string
	Domain       string
	ReceivedTime string
	IsCompleted  bool
	IsSuccess    bool
	ErrorMessage string
}

// UpsertPending inserts or updates a row with is_completed=false. Used at
// enqueue time.
func (l *Ledger) UpsertPending(mailID, userID, domain, receivedTime string) error {
	return l.UpsertPendingBatch([]Row{{MailID: mailID, UserID: userID, Domain: domain, ReceivedTime: receivedTime}})
}

// MarkSuccess sets is_completed=true, is_success=true for mailID.
func (l *Ledger) MarkSuccess(mailID, userID, domain, receivedTime string) error {
	return l.MarkSuccessBatch([]Row{{MailID: mailID, UserID: userID, Domain: domain, ReceivedTime: receivedTime}})
}

// MarkFailure sets is_completed=true, is_success=false, error_message for
// mailID.
func (l *Ledger) MarkFailure(mailID, userID, domain, receivedTime, errorMessage string) error {
	return l.MarkFailureBatch([]Row{{MailID: mailID, UserID: userID, Domain: domain, ReceivedTime: receivedTime, ErrorMessage: errorMessage}})
}

// UpsertPendingBatch commits all rows as pending in one transaction.
func (l *Ledger) UpsertPendingBatch(rows []Row) error {
	return l.withRetry(func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := upsert(tx, r.MailID, r.UserID, r.Domain, r.ReceivedTime, false, false, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSuccessBatch commits all rows as successful, completed, in one
// transaction.
func (l *Ledger) MarkSuccessBatch(rows []Row) error {
	return l.withRetry(func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := upsert(tx, r.MailID, r.UserID, r.Domain, r.ReceivedTime, true, true, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkFailureBatch commits all rows as failed, completed, with their
// individual error messages, in one transaction.
func (l *Ledger) MarkFailureBatch(rows []Row) error {
	return l.withRetry(func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := upsert(tx, r.MailID, r.UserID, r.Domain, r.ReceivedTime, true, false, r.ErrorMessage); err != nil {
				return err
			}
		}
		return nil
	})
}

// upsert writes one row within an open transaction, native-upserting on the
// mail_id primary key.
func upsert(tx *sql.Tx, mailID, userID, domain, receivedTime string, completed, success bool, errMsg string) error {
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := tx.Exec(`
		INSERT INTO mail_status (mail_id, user_id, domain, is_completed, is_success, received_time, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mail_id) DO UPDATE SET
			user_id = excluded.user_id,
			domain = excluded.domain,
			is_completed = excluded.is_completed,
			is_success = excluded.is_success,
			received_time = excluded.received_time,
			error_message = excluded.error_message
	`, mailID, userID, domain, completed, success, receivedTime, errArg)
	if err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", mailID, err)
	}
	return nil
}

// withRetry runs fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY with bounded exponential backoff up to maxBusyRetry.
func (l *Ledger) withRetry(fn func(tx *sql.Tx) error) error {
	deadline := time.Now().Add(maxBusyRetry)
	backoff := 10 * time.Millisecond

	for {
		err := l.runTx(fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || time.Now().After(deadline) {
			if isBusy(err) {
				return fmt.Errorf("%w: %v", ErrBusy, err)
			}
			return err
		}
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *Ledger) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

// isBusy reports whether err indicates SQLite reported the database as
// locked or busy.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// DomainStats aggregates completion counts for one domain.
type DomainStats struct {
	CompletedSuccess int
	CompletedFailure int
	Pending          int
}

// DomainStats returns completion counts for the given domain.
func (l *Ledger) DomainStats(domain string) (DomainStats, error) {
	return l.statsFor("domain", domain)
}

// UserStats returns completion counts for the given user.
func (l *Ledger) UserStats(userID string) (DomainStats, error) {
	return l.statsFor("user_id", userID)
}

func (l *Ledger) statsFor(column, value string) (DomainStats, error) {
	rows, err := l.db.Query(
		fmt.Sprintf("SELECT is_completed, is_success, COUNT(*) FROM mail_status WHERE %s = ? GROUP BY is_completed, is_success", column),
		value,
	)
	if err != nil {
		return DomainStats{}, fmt.Errorf("ledger: stats for %s=%s: %w", column, value, err)
	}
	defer rows.Close()

	var s DomainStats
	for rows.Next() {
		var completed, success bool
		var count int
		if err := rows.Scan(&completed, &success, &count); err != nil {
			return DomainStats{}, fmt.Errorf("ledger: scan stats: %w", err)
		}
		switch {
		case completed && success:
			s.CompletedSuccess = count
		case completed && !success:
			s.CompletedFailure = count
		default:
			s.Pending += count
		}
	}
	return s, rows.Err()
}

// Progress summarizes overall ledger completion: the latest received_time
// seen among completed rows, plus the total completed and pending counts.
type Progress struct {
	LastCompletedTime string
	Completed         int
	Pending           int
}

// Progress computes the latest completion time and completed/pending totals
// across the whole ledger.
func (l *Ledger) Progress() (Progress, error) {
	var p Progress
	var last sql.NullString

	if err := l.db.QueryRow(`SELECT MAX(received_time) FROM mail_status WHERE is_completed = 1`).Scan(&last); err != nil {
		return Progress{}, fmt.Errorf("ledger: progress: %w", err)
	}
	if last.Valid {
		p.LastCompletedTime = last.String
	}

	if err := l.db.QueryRow(`SELECT COUNT(*) FROM mail_status WHERE is_completed = 1`).Scan(&p.Completed); err != nil {
		return Progress{}, fmt.Errorf("ledger: progress: %w", err)
	}
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM mail_status WHERE is_completed = 0`).Scan(&p.Pending); err != nil {
		return Progress{}, fmt.Errorf("ledger: progress: %w", err)
	}
	return p, nil
}
