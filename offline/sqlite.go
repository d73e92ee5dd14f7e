package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/chore-rewards/ledger"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queued_actions (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    action_key      TEXT NOT NULL UNIQUE,
    kind            TEXT NOT NULL CHECK (kind IN ('award', 'redeem')),
    account_id      TEXT NOT NULL,
    ref             TEXT NOT NULL,
    amount          INTEGER NOT NULL CHECK (amount > 0),
    actor_id        TEXT NOT NULL DEFAULT '',
    note            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_retry_at   TEXT,
    last_error      TEXT NOT NULL DEFAULT '',
    last_error_kind TEXT NOT NULL DEFAULT '',
    enqueued_at     TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps the queue in a local SQLite file so it survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the queue database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, a *Action) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_actions (action_key, kind, account_id, ref, amount, actor_id, note,
			status, attempts, next_retry_at, last_error, last_error_kind, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Key, string(a.Kind), string(a.AccountID), a.Ref, a.Amount, a.ActorID, a.Note,
		string(a.Status), a.Attempts, formatOptional(a.NextRetryAt), a.LastError, string(a.LastErrorKind),
		a.EnqueuedAt.UTC().Format(timeLayout), a.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to queue action: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.Seq = seq
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, a Action) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_actions
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, last_error_kind = ?, updated_at = ?
		WHERE action_key = ?
	`, string(a.Status), a.Attempts, formatOptional(a.NextRetryAt), a.LastError, string(a.LastErrorKind),
		a.UpdatedAt.UTC().Format(timeLayout), a.Key)
	if err != nil {
		return fmt.Errorf("failed to update queued action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE action_key = ?`, key)
	return err
}

const actionColumns = `seq, action_key, kind, account_id, ref, amount, actor_id, note,
	status, attempts, next_retry_at, last_error, last_error_kind, enqueued_at, updated_at`

func (s *SQLiteStore) Get(ctx context.Context, key string) (Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM queued_actions WHERE action_key = ?`, key)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, ErrActionNotFound
	}
	return a, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM queued_actions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_actions SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (Action, error) {
	var (
		a                         Action
		kind, account, status     string
		errKind, enqueued, update string
		nextRetry                 sql.NullString
	)
	err := row.Scan(&a.Seq, &a.Key, &kind, &account, &a.Ref, &a.Amount, &a.ActorID, &a.Note,
		&status, &a.Attempts, &nextRetry, &a.LastError, &errKind, &enqueued, &update)
	if err != nil {
		return Action{}, err
	}
	a.Kind = ledger.Kind(kind)
	a.AccountID = ledger.AccountID(account)
	a.Status = Status(status)
	a.LastErrorKind = ledger.ErrorKind(errKind)
	if a.EnqueuedAt, err = time.Parse(timeLayout, enqueued); err != nil {
		return Action{}, err
	}
	if a.UpdatedAt, err = time.Parse(timeLayout, update); err != nil {
		return Action{}, err
	}
	if nextRetry.Valid {
		if a.NextRetryAt, err = time.Parse(timeLayout, nextRetry.String); err != nil {
			return Action{}, err
		}
	}
	return a, nil
}

func formatOptional(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
