/*
Package ledger provides the rewards ledger: point accounts, the append-only
entry log, the idempotency guard and the two economic transitions.

PURPOSE:
  Turns "a child completed a task" into a durable, race-free point balance.
  Every award and redemption is one atomic transaction against a Store.
  Streaks and achievements are derived elsewhere from committed entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: per (family, member) balance with denormalized totals
  - Entry: immutable record of one award or redemption
  - IdempotencyRecord: client operation key -> completion status
  - StreakState / AchievementProgress: derived-state documents
  - AuditEntry: append-only record of every transition

DESIGN PRINCIPLES:
  1. Integers only: points are int64, never floats
  2. Single source of truth: entries; Account is a projection kept
     in the same transaction as the entry write
  3. Closed variants: Kind is award|redeem, anything else is rejected
  4. Versioned documents: every mutable document carries a version
     used by the store for optimistic conflict detection

SEE ALSO:
  - store.go: Durable store interfaces
  - idempotency.go: Idempotency guard
  - ledger.go: Award / Redeem
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type FamilyID string
type MemberID string
type EntryID string

// =============================================================================
// ACCOUNT - Materialized balance per (family, member)
// =============================================================================

// Account is the balance projection for one member of one family.
//
// INVARIANTS:
//   - Balance == TotalEarned - TotalRedeemed
//   - Balance >= 0
//   - Version increases by one on every committed mutation
type Account struct {
	ID            AccountID
	FamilyID      FamilyID
	MemberID      MemberID
	Balance       int64
	TotalEarned   int64
	TotalRedeemed int64
	Version       int64
	Archived      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CheckInvariants reports a violation of the balance invariants.
func (a Account) CheckInvariants() error {
	if a.Balance != a.TotalEarned-a.TotalRedeemed {
		return &InvariantError{Reason: fmt.Sprintf(
			"account %s: balance %d != earned %d - redeemed %d",
			a.ID, a.Balance, a.TotalEarned, a.TotalRedeemed)}
	}
	if a.Balance < 0 {
		return &InvariantError{Reason: fmt.Sprintf("account %s: negative balance %d", a.ID, a.Balance)}
	}
	return nil
}

// =============================================================================
// ENTRY - Immutable economic event
// =============================================================================

// Kind is the closed set of economic transitions.
type Kind string

const (
	KindAward  Kind = "award"
	KindRedeem Kind = "redeem"
)

// ParseKind validates a kind coming from outside the process.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAward, KindRedeem:
		return Kind(s), nil
	}
	return "", &InvariantError{Reason: fmt.Sprintf("unknown entry kind %q", s)}
}

// Entry is one committed award or redemption. The ID is the idempotency
// key of the operation that produced it.
type Entry struct {
	ID           EntryID
	Seq          int64 // assigned by the store; global commit order
	AccountID    AccountID
	FamilyID     FamilyID
	MemberID     MemberID
	Kind         Kind
	Amount       int64 // always positive, sign comes from Kind
	SourceRef    string
	ActorID      string
	AuditNote    string
	BalanceAfter int64
	CreatedAt    time.Time
}

// Signed returns the entry's effect on the balance.
func (e Entry) Signed() int64 {
	if e.Kind == KindRedeem {
		return -e.Amount
	}
	return e.Amount
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

type IdempotencyStatus string

const (
	StatusInFlight  IdempotencyStatus = "in-flight"
	StatusCommitted IdempotencyStatus = "committed"
	StatusFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord maps a client operation key to its outcome.
type IdempotencyRecord struct {
	Key           string
	Status        IdempotencyStatus
	ResultRef     EntryID // set once committed
	FailureReason string
	Attempts      int
	Revision      int64 // store-level version, 0 = not persisted yet
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the record is past its retention window.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// =============================================================================
// MEMBER - Per-member settings used by derived state
// =============================================================================

// Member carries settings the streak engine needs. Timezone is an IANA
// name; the calendar day of an award is computed in this zone.
type Member struct {
	ID        MemberID
	Timezone  string
	UpdatedAt time.Time
}

// Location resolves the member timezone, falling back to def.
func (m Member) Location(def *time.Location) *time.Location {
	if m.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// =============================================================================
// DERIVED STATE - Written by the streak engine and achievement evaluator
// =============================================================================

// StreakState is the per-member consecutive-activity counter.
type StreakState struct {
	MemberID             MemberID
	CurrentCount         int
	LongestCount         int
	LastActiveDate       Date
	FreezesAvailable     int
	FreezesUsedThisMonth int
	FreezeMonth          string // "2006-01" of the last freeze refill
	LastProcessedEntryID EntryID
	LastProcessedSeq     int64
	Version              int64
	UpdatedAt            time.Time
}

// AchievementProgress tracks one member against one achievement definition.
// UnlockedAt is a one-way transition: once set it is never cleared.
type AchievementProgress struct {
	MemberID      MemberID
	DefinitionID  string
	ProgressValue int64
	Threshold     int64
	Window        string // current window key for resettable definitions
	UnlockedAt    *time.Time
	Version       int64
	UpdatedAt     time.Time
}

// Unlocked reports whether the achievement has been earned.
func (p AchievementProgress) Unlocked() bool { return p.UnlockedAt != nil }

// MemberStats aggregates a member's committed entries across accounts.
type MemberStats struct {
	MemberID      MemberID
	TotalEarned   int64
	TotalRedeemed int64
	AwardCount    int64
	RedeemCount   int64
	EarnedSince   int64 // award points committed at or after the requested instant
}

// =============================================================================
// AUDIT LOG - Append-only, written in the same transaction as the mutation
// =============================================================================

type AuditAction string

const (
	AuditAccountOpened   AuditAction = "account_opened"
	AuditAwardCommitted  AuditAction = "award_committed"
	AuditRedeemCommitted AuditAction = "redeem_committed"
	AuditRedeemRejected  AuditAction = "redeem_rejected"
	AuditFamilyArchived  AuditAction = "family_archived"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID           string
	AccountID    AccountID
	EntryID      EntryID
	Action       AuditAction
	ActorID      string
	Amount       int64
	BalanceAfter int64
	Note         string
	At           time.Time
}

// AuditFilter selects audit entries for one account in [From, To).
// Zero times leave that side open.
type AuditFilter struct {
	AccountID AccountID
	From      time.Time
	To        time.Time
	Limit     int
}
