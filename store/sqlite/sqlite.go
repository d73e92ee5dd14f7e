/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable storage for accounts, ledger entries, idempotency records, the
  audit log and derived state. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  ledger_entries and audit_log reject UPDATE and DELETE through triggers.
  Corrections are new entries, never edits.

OPTIMISTIC CONCURRENCY:
  Mutable rows carry a version (revision for idempotency records).
  Saves with expected version 0 are INSERTs; a primary-key collision is
  ledger.ErrConflict. Other saves are
    UPDATE ... WHERE key = ? AND version = ?
  and zero affected rows is ledger.ErrConflict.

KEY TABLES:
  accounts:             balance projection, CHECK (balance >= 0)
  ledger_entries:       immutable entries, seq = global commit order
  idempotency_records:  key -> status/result, purged after expiry
  audit_log:            who did what when
  streak_states, achievement_progress, projector_cursors: derived state

CONCURRENCY:
  A single connection and a write mutex serialize transactions. Inside
  RunTx every read and write goes through the *sql.Tx.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/chore-rewards/ledger"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: writers serialize and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.Store.RunTx)
// =============================================================================

// RunTx executes fn within a database transaction.
func (s *Store) RunTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	q queryer
}

// ─── Accounts ───────────────────────────────────────────────────────────────

const accountColumns = `id, family_id, member_id, balance, total_earned, total_redeemed,
	version, archived, created_at, updated_at`

func (ts *txStore) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.q, id)
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FamilyID, a.MemberID, a.Balance, a.TotalEarned, a.TotalRedeemed,
		a.Version, a.Archived, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	if expectedVersion == 0 {
		if err := ts.CreateAccount(ctx, a); err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				return fmt.Errorf("%w: account %s", ledger.ErrConflict, a.ID)
			}
			return err
		}
		return nil
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, total_earned = ?, total_redeemed = ?, version = ?, archived = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Balance, a.TotalEarned, a.TotalRedeemed, a.Version, a.Archived, formatTime(a.UpdatedAt),
		a.ID, expectedVersion)
	return checkUpdated(res, err, "account", string(a.ID))
}

func (ts *txStore) FamilyAccounts(ctx context.Context, family ledger.FamilyID) ([]ledger.Account, error) {
	return queryAccounts(ctx, ts.q, `SELECT `+accountColumns+` FROM accounts WHERE family_id = ? ORDER BY id`, family)
}

// ─── Idempotency ────────────────────────────────────────────────────────────

func (ts *txStore) IdempotencyRecord(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var (
		r                           ledger.IdempotencyRecord
		status                      string
		resultRef, reason           sql.NullString
		created, updated, expiresAt string
	)
	err := ts.q.QueryRowContext(ctx, `
		SELECT key, status, result_ref, failure_reason, attempts, revision, created_at, updated_at, expires_at
		FROM idempotency_records WHERE key = ?`, key,
	).Scan(&r.Key, &status, &resultRef, &reason, &r.Attempts, &r.Revision, &created, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	r.Status = ledger.IdempotencyStatus(status)
	r.ResultRef = ledger.EntryID(resultRef.String)
	r.FailureReason = reason.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	r.ExpiresAt = parseTime(expiresAt)
	return r, true, nil
}

func (ts *txStore) SaveIdempotencyRecord(ctx context.Context, r ledger.IdempotencyRecord, expectedRevision int64) error {
	if expectedRevision == 0 {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO idempotency_records
			(key, status, result_ref, failure_reason, attempts, revision, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Key, string(r.Status), nullString(string(r.ResultRef)), nullString(r.FailureReason),
			r.Attempts, r.Revision, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTime(r.ExpiresAt))
		return checkInserted(err, "idempotency record", r.Key)
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = ?, result_ref = ?, failure_reason = ?, attempts = ?, revision = ?, updated_at = ?, expires_at = ?
		WHERE key = ? AND revision = ?`,
		string(r.Status), nullString(string(r.ResultRef)), nullString(r.FailureReason), r.Attempts,
		r.Revision, formatTime(r.UpdatedAt), formatTime(r.ExpiresAt),
		r.Key, expectedRevision)
	return checkUpdated(res, err, "idempotency record", r.Key)
}

// ─── Entries and audit ──────────────────────────────────────────────────────

const entryColumns = `seq, entry_id, account_id, family_id, member_id, kind, amount,
	source_ref, actor_id, audit_note, balance_after, created_at`

func (ts *txStore) Entry(ctx context.Context, id ledger.EntryID) (ledger.Entry, bool, error) {
	entries, err := queryEntries(ctx, ts.q, `SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id = ?`, id)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return entries[0], true, nil
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.Entry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(entry_id, account_id, family_id, member_id, kind, amount, source_ref, actor_id, audit_note, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.FamilyID, e.MemberID, string(e.Kind), e.Amount, e.SourceRef,
		e.ActorID, nullString(e.AuditNote), e.BalanceAfter, formatTime(e.CreatedAt))
	return checkInserted(err, "entry", string(e.ID))
}

func (ts *txStore) AppendAudit(ctx context.Context, a ledger.AuditEntry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, account_id, entry_id, action, actor_id, amount, balance_after, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, nullString(string(a.EntryID)), string(a.Action), nullString(a.ActorID),
		a.Amount, a.BalanceAfter, nullString(a.Note), formatTime(a.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ─── Members and derived state ──────────────────────────────────────────────

func (ts *txStore) Member(ctx context.Context, id ledger.MemberID) (ledger.Member, bool, error) {
	return getMember(ctx, ts.q, id)
}

func (ts *txStore) SaveMember(ctx context.Context, m ledger.Member) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO members (id, timezone, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET timezone = excluded.timezone, updated_at = excluded.updated_at`,
		m.ID, m.Timezone, formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (ts *txStore) StreakState(ctx context.Context, id ledger.MemberID) (ledger.StreakState, bool, error) {
	return getStreakState(ctx, ts.q, id)
}

func (ts *txStore) SaveStreakState(ctx context.Context, st ledger.StreakState, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO streak_states
			(member_id, current_count, longest_count, last_active_date, freezes_available,
			 freezes_used_this_month, freeze_month, last_processed_entry_id, last_processed_seq, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.MemberID, st.CurrentCount, st.LongestCount, nullString(st.LastActiveDate.String()),
			st.FreezesAvailable, st.FreezesUsedThisMonth, nullString(st.FreezeMonth),
			nullString(string(st.LastProcessedEntryID)), st.LastProcessedSeq, st.Version, formatTime(st.UpdatedAt))
		return checkInserted(err, "streak state", string(st.MemberID))
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE streak_states
		SET current_count = ?, longest_count = ?, last_active_date = ?, freezes_available = ?,
		    freezes_used_this_month = ?, freeze_month = ?, last_processed_entry_id = ?,
		    last_processed_seq = ?, version = ?, updated_at = ?
		WHERE member_id = ? AND version = ?`,
		st.CurrentCount, st.LongestCount, nullString(st.LastActiveDate.String()), st.FreezesAvailable,
		st.FreezesUsedThisMonth, nullString(st.FreezeMonth), nullString(string(st.LastProcessedEntryID)),
		st.LastProcessedSeq, st.Version, formatTime(st.UpdatedAt),
		st.MemberID, expectedVersion)
	return checkUpdated(res, err, "streak state", string(st.MemberID))
}

const progressColumns = `member_id, definition_id, progress_value, threshold, window_key, unlocked_at, version, updated_at`

func (ts *txStore) AchievementProgress(ctx context.Context, member ledger.MemberID, definitionID string) (ledger.AchievementProgress, bool, error) {
	out, err := queryProgress(ctx, ts.q,
		`SELECT `+progressColumns+` FROM achievement_progress WHERE member_id = ? AND definition_id = ?`,
		member, definitionID)
	if err != nil {
		return ledger.AchievementProgress{}, false, err
	}
	if len(out) == 0 {
		return ledger.AchievementProgress{}, false, nil
	}
	return out[0], true, nil
}

func (ts *txStore) SaveAchievementProgress(ctx context.Context, p ledger.AchievementProgress, expectedVersion int64) error {
	unlocked := sql.NullString{}
	if p.UnlockedAt != nil {
		unlocked = sql.NullString{String: formatTime(*p.UnlockedAt), Valid: true}
	}
	id := string(p.MemberID) + "/" + p.DefinitionID
	if expectedVersion == 0 {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO achievement_progress (`+progressColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.MemberID, p.DefinitionID, p.ProgressValue, p.Threshold, nullString(p.Window),
			unlocked, p.Version, formatTime(p.UpdatedAt))
		return checkInserted(err, "achievement progress", id)
	}
	// unlocked_at is never cleared once set.
	res, err := ts.q.ExecContext(ctx, `
		UPDATE achievement_progress
		SET progress_value = ?, threshold = ?, window_key = ?,
		    unlocked_at = COALESCE(unlocked_at, ?), version = ?, updated_at = ?
		WHERE member_id = ? AND definition_id = ? AND version = ?`,
		p.ProgressValue, p.Threshold, nullString(p.Window), unlocked, p.Version, formatTime(p.UpdatedAt),
		p.MemberID, p.DefinitionID, expectedVersion)
	return checkUpdated(res, err, "achievement progress", id)
}

// =============================================================================
// READER (ledger.Reader)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAccounts(ctx, s.db, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

func (s *Store) ListEntries(ctx context.Context, account ledger.AccountID, afterSeq int64, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, account, afterSeq, sqlLimit(limit))
}

func (s *Store) EntriesAfter(ctx context.Context, afterSeq int64, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`, afterSeq, sqlLimit(limit))
}

func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, entry_id, action, actor_id, amount, balance_after, note, at
		FROM audit_log WHERE account_id = ?`
	args := []any{f.AccountID}
	if !f.From.IsZero() {
		query += ` AND at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND at < ?`
		args = append(args, formatTime(f.To))
	}
	query += ` ORDER BY at ASC, rowid ASC LIMIT ?`
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var (
			a                    ledger.AuditEntry
			entryID, actor, note sql.NullString
			action, at           string
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &entryID, &action, &actor, &a.Amount, &a.BalanceAfter, &note, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		a.EntryID = ledger.EntryID(entryID.String)
		a.Action = ledger.AuditAction(action)
		a.ActorID = actor.String
		a.Note = note.String
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, id ledger.MemberID) (ledger.Member, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, id)
}

func (s *Store) GetStreakState(ctx context.Context, id ledger.MemberID) (ledger.StreakState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStreakState(ctx, s.db, id)
}

func (s *Store) ListAchievementProgress(ctx context.Context, member ledger.MemberID) ([]ledger.AchievementProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryProgress(ctx, s.db,
		`SELECT `+progressColumns+` FROM achievement_progress WHERE member_id = ? ORDER BY definition_id`, member)
}

func (s *Store) MemberStats(ctx context.Context, member ledger.MemberID, since time.Time) (ledger.MemberStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ledger.MemberStats{MemberID: member}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'award' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN kind = 'redeem' THEN amount END), 0),
			COUNT(CASE WHEN kind = 'award' THEN 1 END),
			COUNT(CASE WHEN kind = 'redeem' THEN 1 END),
			COALESCE(SUM(CASE WHEN kind = 'award' AND created_at >= ? THEN amount END), 0)
		FROM ledger_entries WHERE member_id = ?`,
		formatTime(since), member,
	).Scan(&stats.TotalEarned, &stats.TotalRedeemed, &stats.AwardCount, &stats.RedeemCount, &stats.EarnedSince)
	if err != nil {
		return ledger.MemberStats{}, fmt.Errorf("failed to aggregate member stats: %w", err)
	}
	return stats, nil
}

// =============================================================================
// CURSORS AND MAINTENANCE
// =============================================================================

func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM projector_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return seq, nil
}

func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projector_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		name, seq, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *Store) PurgeIdempotencyRecords(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (ledger.Account, error) {
	out, err := queryAccounts(ctx, q, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if len(out) == 0 {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return out[0], nil
}

func queryAccounts(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var (
			a                ledger.Account
			created, updated string
		)
		if err := rows.Scan(&a.ID, &a.FamilyID, &a.MemberID, &a.Balance, &a.TotalEarned, &a.TotalRedeemed,
			&a.Version, &a.Archived, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.CreatedAt = parseTime(created)
		a.UpdatedAt = parseTime(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e             ledger.Entry
			kind, created string
			note          sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.AccountID, &e.FamilyID, &e.MemberID, &kind, &e.Amount,
			&e.SourceRef, &e.ActorID, &note, &e.BalanceAfter, &created); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Kind = ledger.Kind(kind)
		e.AuditNote = note.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func getMember(ctx context.Context, q queryer, id ledger.MemberID) (ledger.Member, bool, error) {
	var (
		m       ledger.Member
		updated string
	)
	err := q.QueryRowContext(ctx, `SELECT id, timezone, updated_at FROM members WHERE id = ?`, id).
		Scan(&m.ID, &m.Timezone, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Member{}, false, nil
	}
	if err != nil {
		return ledger.Member{}, false, fmt.Errorf("failed to get member: %w", err)
	}
	m.UpdatedAt = parseTime(updated)
	return m, true, nil
}

func getStreakState(ctx context.Context, q queryer, id ledger.MemberID) (ledger.StreakState, bool, error) {
	var (
		st                        ledger.StreakState
		lastActive, month, lastID sql.NullString
		updated                   string
	)
	err := q.QueryRowContext(ctx, `
		SELECT member_id, current_count, longest_count, last_active_date, freezes_available,
		       freezes_used_this_month, freeze_month, last_processed_entry_id, last_processed_seq, version, updated_at
		FROM streak_states WHERE member_id = ?`, id,
	).Scan(&st.MemberID, &st.CurrentCount, &st.LongestCount, &lastActive, &st.FreezesAvailable,
		&st.FreezesUsedThisMonth, &month, &lastID, &st.LastProcessedSeq, &st.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StreakState{}, false, nil
	}
	if err != nil {
		return ledger.StreakState{}, false, fmt.Errorf("failed to get streak state: %w", err)
	}
	d, err := ledger.ParseDate(lastActive.String)
	if err != nil {
		return ledger.StreakState{}, false, fmt.Errorf("failed to parse last active date: %w", err)
	}
	st.LastActiveDate = d
	st.FreezeMonth = month.String
	st.LastProcessedEntryID = ledger.EntryID(lastID.String)
	st.UpdatedAt = parseTime(updated)
	return st, true, nil
}

func queryProgress(ctx context.Context, q queryer, query string, args ...any) ([]ledger.AchievementProgress, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievement progress: %w", err)
	}
	defer rows.Close()

	var out []ledger.AchievementProgress
	for rows.Next() {
		var (
			p                ledger.AchievementProgress
			window, unlocked sql.NullString
			updated          string
		)
		if err := rows.Scan(&p.MemberID, &p.DefinitionID, &p.ProgressValue, &p.Threshold, &window,
			&unlocked, &p.Version, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan achievement progress: %w", err)
		}
		p.Window = window.String
		if unlocked.Valid {
			t := parseTime(unlocked.String)
			p.UnlockedAt = &t
		}
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// sqlLimit maps "no limit" (<= 0) to SQLite's -1.
func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func checkInserted(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s %s already exists", ledger.ErrConflict, what, id)
	}
	if isBusyError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func checkUpdated(res sql.Result, err error, what, id string) error {
	if err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s version mismatch", ledger.ErrConflict, what, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}
