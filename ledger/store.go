/*
store.go - Durable store interfaces

PURPOSE:
  The ledger is built on top of a transactional document store, not in
  place of one. This file defines the contract such a store must meet.

TRANSACTIONS:
  RunTx runs fn against a transactional view. If fn returns an error the
  transaction is rolled back. If the store detects that a document read
  or written by fn was changed by a concurrent transaction, RunTx (or a
  Save call inside fn) returns ErrConflict and nothing is applied. The
  ledger retries ErrConflict; the store never retries on its own.

OPTIMISTIC CONCURRENCY:
  Save* methods take the version the caller read. A mismatch with the
  stored version is a conflict. Inserts conflict when the key exists.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, read-set validation at commit
  - store/sqlite/sqlite.go: SQLite, version-checked UPDATEs

SEE ALSO:
  - ledger.go: Award / Redeem transactions
  - idempotency.go: Guard operating on Tx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// TX - Transactional view
// =============================================================================

// Tx is the set of reads and writes available inside one store transaction.
// Reads return ErrAccountNotFound / ErrNotFound on a miss where noted, or a
// found flag.
type Tx interface {
	// Accounts
	Account(ctx context.Context, id AccountID) (Account, error)
	CreateAccount(ctx context.Context, a Account) error
	SaveAccount(ctx context.Context, a Account, expectedVersion int64) error
	FamilyAccounts(ctx context.Context, family FamilyID) ([]Account, error)

	// Idempotency records. expectedRevision 0 means "must not exist".
	IdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord, expectedRevision int64) error

	// Entries are insert-only. The store assigns Seq.
	Entry(ctx context.Context, id EntryID) (Entry, bool, error)
	InsertEntry(ctx context.Context, e Entry) error

	// Audit log is append-only.
	AppendAudit(ctx context.Context, a AuditEntry) error

	// Members
	Member(ctx context.Context, id MemberID) (Member, bool, error)
	SaveMember(ctx context.Context, m Member) error

	// Derived state. expectedVersion 0 means "must not exist".
	StreakState(ctx context.Context, id MemberID) (StreakState, bool, error)
	SaveStreakState(ctx context.Context, s StreakState, expectedVersion int64) error
	AchievementProgress(ctx context.Context, member MemberID, definitionID string) (AchievementProgress, bool, error)
	SaveAchievementProgress(ctx context.Context, p AchievementProgress, expectedVersion int64) error
}

// =============================================================================
// READER - Committed-state reads, never dirty
// =============================================================================

// Reader exposes read-only projections of committed state.
type Reader interface {
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// ListEntries returns entries of one account with Seq > afterSeq, oldest first.
	ListEntries(ctx context.Context, account AccountID, afterSeq int64, limit int) ([]Entry, error)

	// EntriesAfter is the change feed: all entries with Seq > afterSeq in commit order.
	EntriesAfter(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)

	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	GetMember(ctx context.Context, id MemberID) (Member, bool, error)
	GetStreakState(ctx context.Context, id MemberID) (StreakState, bool, error)
	ListAchievementProgress(ctx context.Context, member MemberID) ([]AchievementProgress, error)

	// MemberStats aggregates entries of every account owned by member.
	// EarnedSince sums award amounts with CreatedAt >= since.
	MemberStats(ctx context.Context, member MemberID, since time.Time) (MemberStats, error)
}

// =============================================================================
// STORE - Full durable store
// =============================================================================

// Store is the durable store the ledger and derived-state engines run on.
type Store interface {
	Reader

	// RunTx executes fn atomically. See package docs for conflict semantics.
	RunTx(ctx context.Context, fn func(Tx) error) error

	// Cursor persistence for the change-feed consumer.
	Cursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error

	// PurgeIdempotencyRecords deletes records expired before cutoff and
	// returns how many were removed. Committed entries are kept forever, so a
	// purged key is still recognized as stale.
	PurgeIdempotencyRecords(ctx context.Context, cutoff time.Time) (int, error)
}
