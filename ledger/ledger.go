/*
ledger.go - Award and Redeem

PURPOSE:
  The two economic state transitions. Each is one atomic transaction
  against the Store:

    begin idempotency guard
    read Account
    write Entry
    update Account (balance, totals, version)
    append AuditEntry
    commit idempotency guard

CRITICAL INVARIANTS:
  1. A single idempotency key is never applied twice.
  2. Balance never goes negative: the check and the decrement happen in
     the same transaction, protected by the store's conflict detection.
  3. Balance == TotalEarned - TotalRedeemed after every commit.

RETRIES:
  ErrConflict from the store and an in-flight key are transient. The
  whole transaction is re-run with exponential backoff and jitter up to
  MaxAttempts, then surfaced as a ContentionError.

NOT HANDLED HERE:
  Two Award calls for the same task with different keys are a caller bug.
  The task workflow must remember it paid a task (e.g. a paidEntryRef)
  before calling Award again.

SEE ALSO:
  - idempotency.go: Guard
  - store.go: Store contract
  - reads.go: Balance, History, Audit, Verify
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/metrics"
)

const (
	// MaxKeyLength bounds client-supplied idempotency keys.
	MaxKeyLength = 128
	// MaxAmount bounds a single award or redemption.
	MaxAmount int64 = 1_000_000

	DefaultMaxAttempts = 5
)

// errInFlight is the internal signal that another transaction holds the key.
var errInFlight = errors.New("idempotency key in flight")

// =============================================================================
// REQUESTS AND RECEIPTS
// =============================================================================

// AwardRequest pays points for an approved task.
type AwardRequest struct {
	AccountID      AccountID
	SourceRef      string // task id
	Amount         int64
	IdempotencyKey string
	ActorID        string
	Note           string
}

// RedeemRequest spends points on a reward.
type RedeemRequest struct {
	AccountID      AccountID
	RewardRef      string // reward id
	Amount         int64
	IdempotencyKey string
	ActorID        string
	Note           string
}

// Receipt is the result of a committed (or replayed) operation.
type Receipt struct {
	Entry    Entry
	Account  Account
	Replayed bool
}

type operation struct {
	kind    Kind
	account AccountID
	ref     string
	amount  int64
	key     string
	actor   string
	note    string
}

func (o operation) validate() error {
	switch {
	case o.kind != KindAward && o.kind != KindRedeem:
		return &InvariantError{Reason: fmt.Sprintf("unknown entry kind %q", o.kind)}
	case o.amount <= 0:
		return &InvariantError{Reason: fmt.Sprintf("amount must be positive, got %d", o.amount)}
	case o.amount > MaxAmount:
		return &InvariantError{Reason: fmt.Sprintf("amount %d exceeds limit %d", o.amount, MaxAmount)}
	case o.account == "":
		return &InvariantError{Reason: "account id is required"}
	case o.ref == "":
		return &InvariantError{Reason: "source reference is required"}
	case o.key == "":
		return &InvariantError{Reason: "idempotency key is required"}
	case len(o.key) > MaxKeyLength:
		return &InvariantError{Reason: fmt.Sprintf("idempotency key longer than %d bytes", MaxKeyLength)}
	case o.actor == "":
		return &InvariantError{Reason: "actor id is required"}
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger executes economic transitions against a Store.
type Ledger struct {
	Store       Store
	Guard       *Guard
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	MaxAttempts int
	Backoff     Backoff

	// Now is the clock for entry timestamps.
	Now func() time.Time

	// OnCommit is called after an entry commits. Advisory only: derived
	// state is driven by the change feed, this just shortens the lag.
	OnCommit func(Entry)
}

// Options configures New.
type Options struct {
	IdempotencyTTL time.Duration
	MaxAttempts    int
	Backoff        Backoff
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// DefaultBackoff is the retry schedule for write conflicts.
var DefaultBackoff = Backoff{Base: 10 * time.Millisecond, Max: 250 * time.Millisecond, Factor: 2, Jitter: 0.5}

// New creates a ledger over store.
func New(store Store, opts Options) *Ledger {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Ledger{
		Store:       store,
		Guard:       NewGuard(opts.IdempotencyTTL),
		Log:         opts.Log,
		Metrics:     opts.Metrics,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Now:         time.Now,
	}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Award credits amount to the account for the approved task in SourceRef.
func (l *Ledger) Award(ctx context.Context, req AwardRequest) (Receipt, error) {
	return l.execute(ctx, operation{
		kind:    KindAward,
		account: req.AccountID,
		ref:     req.SourceRef,
		amount:  req.Amount,
		key:     req.IdempotencyKey,
		actor:   req.ActorID,
		note:    req.Note,
	})
}

// Redeem debits amount from the account for the reward in RewardRef.
// Fails with InsufficientBalanceError when the balance is too low; in that
// case the key is marked failed, not committed, so a corrected retry with
// the same key is still possible.
func (l *Ledger) Redeem(ctx context.Context, req RedeemRequest) (Receipt, error) {
	return l.execute(ctx, operation{
		kind:    KindRedeem,
		account: req.AccountID,
		ref:     req.RewardRef,
		amount:  req.Amount,
		key:     req.IdempotencyKey,
		actor:   req.ActorID,
		note:    req.Note,
	})
}

func (l *Ledger) execute(ctx context.Context, op operation) (Receipt, error) {
	opName := string(op.kind)
	if err := op.validate(); err != nil {
		l.Metrics.Operation(opName, string(KindInvariantViolation))
		return Receipt{}, err
	}

	var (
		receipt  Receipt
		shortage *InsufficientBalanceError
	)
	err := l.withRetry(ctx, opName, func(tx Tx) error {
		receipt, shortage = Receipt{}, nil

		decision, rec, err := l.Guard.Begin(ctx, tx, op.key)
		if err != nil {
			return err
		}
		switch decision {
		case InFlight:
			return errInFlight
		case AlreadyCommitted:
			r, err := l.replay(ctx, tx, op, rec)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		}

		acct, err := tx.Account(ctx, op.account)
		if err != nil {
			return err
		}
		if acct.Archived {
			return fmt.Errorf("%w: %s", ErrAccountArchived, acct.ID)
		}

		now := l.now()
		if op.kind == KindRedeem && acct.Balance < op.amount {
			shortage = &InsufficientBalanceError{AccountID: acct.ID, Available: acct.Balance, Requested: op.amount}
			if _, err := l.Guard.Fail(ctx, tx, rec, shortage.Error()); err != nil {
				return err
			}
			receipt = Receipt{Account: acct}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:           ulid.Make().String(),
				AccountID:    acct.ID,
				Action:       AuditRedeemRejected,
				ActorID:      op.actor,
				Amount:       op.amount,
				BalanceAfter: acct.Balance,
				Note:         fmt.Sprintf("reward %s: %s", op.ref, shortage.Error()),
				At:           now,
			})
		}

		prev := acct.Version
		switch op.kind {
		case KindAward:
			acct.Balance += op.amount
			acct.TotalEarned += op.amount
		case KindRedeem:
			acct.Balance -= op.amount
			acct.TotalRedeemed += op.amount
		}
		acct.Version = prev + 1
		acct.UpdatedAt = now
		if err := acct.CheckInvariants(); err != nil {
			return err
		}

		entry := Entry{
			ID:           EntryID(op.key),
			AccountID:    acct.ID,
			FamilyID:     acct.FamilyID,
			MemberID:     acct.MemberID,
			Kind:         op.kind,
			Amount:       op.amount,
			SourceRef:    op.ref,
			ActorID:      op.actor,
			AuditNote:    op.note,
			BalanceAfter: acct.Balance,
			CreatedAt:    now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct, prev); err != nil {
			return err
		}

		action := AuditAwardCommitted
		if op.kind == KindRedeem {
			action = AuditRedeemCommitted
		}
		if err := tx.AppendAudit(ctx, AuditEntry{
			ID:           ulid.Make().String(),
			AccountID:    acct.ID,
			EntryID:      entry.ID,
			Action:       action,
			ActorID:      op.actor,
			Amount:       op.amount,
			BalanceAfter: acct.Balance,
			Note:         op.note,
			At:           now,
		}); err != nil {
			return err
		}

		if _, err := l.Guard.Commit(ctx, tx, rec, entry.ID); err != nil {
			return err
		}
		receipt = Receipt{Entry: entry, Account: acct}
		return nil
	})

	switch {
	case err != nil:
		l.Metrics.Operation(opName, string(KindOf(err)))
		l.Log.Warn("ledger operation failed",
			zap.String("op", opName),
			zap.String("account", string(op.account)),
			zap.String("key", op.key),
			zap.Error(err))
		return Receipt{}, err
	case shortage != nil:
		l.Metrics.Operation(opName, string(KindInsufficientBalance))
		l.Log.Info("redemption rejected",
			zap.String("account", string(op.account)),
			zap.String("key", op.key),
			zap.Int64("available", shortage.Available),
			zap.Int64("requested", shortage.Requested))
		return receipt, shortage
	case receipt.Replayed:
		l.Metrics.Operation(opName, string(KindDuplicateOperation))
		l.Log.Debug("replayed committed operation",
			zap.String("op", opName),
			zap.String("key", op.key))
		return receipt, &DuplicateOperationError{Key: op.key, EntryID: receipt.Entry.ID}
	}

	l.Metrics.Operation(opName, "committed")
	l.Metrics.Points(opName, op.amount)
	l.Log.Info("ledger entry committed",
		zap.String("op", opName),
		zap.String("account", string(receipt.Account.ID)),
		zap.String("entry", string(receipt.Entry.ID)),
		zap.Int64("amount", op.amount),
		zap.Int64("balance", receipt.Account.Balance),
		zap.Int64("version", receipt.Account.Version))
	if l.OnCommit != nil {
		l.OnCommit(receipt.Entry)
	}
	return receipt, nil
}

// replay loads the stored result for a committed key and checks that the
// key is being reused for the same operation.
func (l *Ledger) replay(ctx context.Context, tx Tx, op operation, rec IdempotencyRecord) (Receipt, error) {
	entry, found, err := tx.Entry(ctx, rec.ResultRef)
	if err != nil {
		return Receipt{}, err
	}
	if !found {
		return Receipt{}, &InvariantError{Reason: fmt.Sprintf("key %s committed without entry %s", rec.Key, rec.ResultRef)}
	}
	if entry.Kind != op.kind || entry.AccountID != op.account || entry.Amount != op.amount || entry.SourceRef != op.ref {
		return Receipt{}, &InvariantError{Reason: fmt.Sprintf("idempotency key %s reused for a different operation", rec.Key)}
	}
	acct, err := tx.Account(ctx, entry.AccountID)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Entry: entry, Account: acct, Replayed: true}, nil
}

// withRetry runs fn in a store transaction, re-running it on transient conflicts.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func(Tx) error) error {
	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := l.Store.RunTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, errInFlight) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		l.Metrics.Retry(op)
		if err := Sleep(ctx, l.Backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	return &ContentionError{Op: op, Attempts: attempts, Last: last}
}
