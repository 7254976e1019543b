// Package watch implements the continuous-ingestion orchestrator: a
// poll-debounce-claim loop over a monitored directory, a durable sqlite
// claim ledger giving at-most-once processing across restarts, and a
// bounded pool of parallel pipeline workers.
package watch

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a watch entry.
type Status string

const (
	StatusDiscovered       Status = "DISCOVERED"
	StatusClaimed          Status = "CLAIMED"
	StatusProcessing       Status = "PROCESSING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusRetryPending     Status = "RETRY_PENDING"
	StatusPermanentFailure Status = "PERMANENT_FAILURE"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPermanentFailure
}

// Entry is one ledger record per absolute input path.
type Entry struct {
	Path      string
	Status    Status
	Attempts  int
	Size      int64
	ModTime   time.Time
	Owner     string
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger is the durable claim store. All claim transitions happen inside
// sqlite transactions so at most one worker ever owns a path, including
// across process restarts.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the sqlite ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS watch_entries (
			path TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			mod_time TIMESTAMP,
			owner TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under worker concurrency.
	db.SetMaxOpenConns(1)

	return &Ledger{db: db}, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Observe records a stable file. New paths become DISCOVERED; paths with
// an existing entry are left untouched, so COMPLETED and terminal-failure
// files are never reprocessed.
func (l *Ledger) Observe(path string, size int64, modTime time.Time) error {
	now := time.Now().UTC()
	_, err := l.db.Exec(`
		INSERT INTO watch_entries (path, status, size, mod_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		path, StatusDiscovered, size, modTime.UTC(), now, now)
	return err
}

// Claim atomically takes ownership of a specific path. Returns false when
// the path is not claimable (already owned, terminal, or unknown); callers
// treat that conflict as a silent skip.
func (l *Ledger) Claim(path, owner string) (bool, error) {
	res, err := l.db.Exec(`
		UPDATE watch_entries
		SET status = ?, owner = ?, updated_at = ?
		WHERE path = ? AND status IN (?, ?)`,
		StatusClaimed, owner, time.Now().UTC(), path, StatusDiscovered, StatusRetryPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNext atomically claims the oldest claimable entry, returning its
// path, or ok=false when nothing is claimable.
func (l *Ledger) ClaimNext(owner string) (string, bool, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var path string
	err = tx.QueryRow(`
		SELECT path FROM watch_entries
		WHERE status IN (?, ?)
		ORDER BY updated_at, path
		LIMIT 1`,
		StatusDiscovered, StatusRetryPending).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	res, err := tx.Exec(`
		UPDATE watch_entries
		SET status = ?, owner = ?, updated_at = ?
		WHERE path = ? AND status IN (?, ?)`,
		StatusClaimed, owner, time.Now().UTC(), path, StatusDiscovered, StatusRetryPending)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n != 1 {
		return "", false, nil
	}
	return path, true, tx.Commit()
}

// MarkProcessing transitions a claimed entry to PROCESSING and counts the
// attempt.
func (l *Ledger) MarkProcessing(path, owner string) error {
	res, err := l.db.Exec(`
		UPDATE watch_entries
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE path = ? AND owner = ? AND status = ?`,
		StatusProcessing, time.Now().UTC(), path, owner, StatusClaimed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("entry %s is not claimed by %s", path, owner)
	}
	return nil
}

// MarkCompleted transitions a processing entry to COMPLETED.
func (l *Ledger) MarkCompleted(path, owner, reason string) error {
	_, err := l.db.Exec(`
		UPDATE watch_entries
		SET status = ?, reason = ?, owner = '', updated_at = ?
		WHERE path = ? AND owner = ? AND status = ?`,
		StatusCompleted, reason, time.Now().UTC(), path, owner, StatusProcessing)
	return err
}

// MarkFailed records a failure and decides the follow-up state: a
// retryable failure below the attempt limit becomes RETRY_PENDING,
// anything else is PERMANENT_FAILURE. The resulting status is returned.
func (l *Ledger) MarkFailed(path, owner, reason string, retryable bool, maxAttempts int) (Status, error) {
	entry, err := l.Get(path)
	if err != nil {
		return "", err
	}

	next := StatusPermanentFailure
	if retryable && entry.Attempts < maxAttempts {
		next = StatusRetryPending
	}

	_, err = l.db.Exec(`
		UPDATE watch_entries
		SET status = ?, reason = ?, owner = '', updated_at = ?
		WHERE path = ? AND owner = ? AND status = ?`,
		next, reason, time.Now().UTC(), path, owner, StatusProcessing)
	if err != nil {
		return "", err
	}
	return next, nil
}

// RecoverStale requeues entries left CLAIMED or PROCESSING by a previous
// run (any owner other than current). A crash mid-processing therefore
// becomes a visible retry instead of a silently lost file. Returns the
// requeued paths.
func (l *Ledger) RecoverStale(current string, maxAttempts int) ([]string, error) {
	rows, err := l.db.Query(`
		SELECT path, attempts FROM watch_entries
		WHERE status IN (?, ?) AND owner != ?`,
		StatusClaimed, StatusProcessing, current)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type stale struct {
		path     string
		attempts int
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.path, &s.attempts); err != nil {
			return nil, err
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var requeued []string
	now := time.Now().UTC()
	for _, s := range found {
		next := StatusRetryPending
		if s.attempts >= maxAttempts {
			next = StatusPermanentFailure
		}
		_, err := l.db.Exec(`
			UPDATE watch_entries
			SET status = ?, owner = '', reason = ?, updated_at = ?
			WHERE path = ?`,
			next, "recovered after restart", now, s.path)
		if err != nil {
			return nil, err
		}
		if next == StatusRetryPending {
			requeued = append(requeued, s.path)
		}
	}
	return requeued, nil
}

// Get returns the entry for a path.
func (l *Ledger) Get(path string) (*Entry, error) {
	row := l.db.QueryRow(`
		SELECT path, status, attempts, size, mod_time, owner, reason, created_at, updated_at
		FROM watch_entries WHERE path = ?`, path)
	return scanEntry(row)
}

// Entries returns all ledger rows ordered by path, for status queries and
// operator follow-up on FAILED/PERMANENT_FAILURE files.
func (l *Ledger) Entries() ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT path, status, attempts, size, mod_time, owner, reason, created_at, updated_at
		FROM watch_entries ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var modTime sql.NullTime
	err := row.Scan(&e.Path, &e.Status, &e.Attempts, &e.Size, &modTime,
		&e.Owner, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if modTime.Valid {
		e.ModTime = modTime.Time
	}
	return &e, nil
}
