/*
idempotency.go - Idempotency guard

PURPOSE:
  Maps a client-supplied operation key to a completion record so that a
  replay of the same logical operation never applies its effects twice.

CONTRACT:
  Begin(key)  -> Proceed | AlreadyCommitted(record) | InFlight
  Commit(key, entryID)
  Fail(key, reason)

  All three run inside the caller's store transaction. The record write
  and the ledger mutation commit or roll back together.

STATUS TRANSITIONS:
  (none)    -> in-flight               first attempt
  in-flight -> committed | failed      end of the same transaction
  failed    -> in-flight               corrected retry with the same key

  A committed record never changes again.

EXPIRY:
  Records carry ExpiresAt. A replay past expiry is rejected as stale
  instead of being treated as a new operation. Once the record is purged
  the committed entry (whose ID is the key) still marks the key as used.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of Guard.Begin.
type Decision int

const (
	// Proceed means the caller owns the key and must apply the operation.
	Proceed Decision = iota
	// AlreadyCommitted means the operation was applied; return the stored result.
	AlreadyCommitted
	// InFlight means another transaction holds the key; retry later.
	InFlight
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyCommitted:
		return "already_committed"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// DefaultIdempotencyTTL is how long a key is remembered.
const DefaultIdempotencyTTL = 48 * time.Hour

// Guard implements the idempotency contract on top of a Tx.
type Guard struct {
	TTL time.Duration
	Now func() time.Time
}

// NewGuard creates a guard with the given retention window.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Guard{TTL: ttl, Now: time.Now}
}

func (g *Guard) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

// Begin claims key for the current transaction.
func (g *Guard) Begin(ctx context.Context, tx Tx, key string) (Decision, IdempotencyRecord, error) {
	now := g.now()

	rec, found, err := tx.IdempotencyRecord(ctx, key)
	if err != nil {
		return Proceed, IdempotencyRecord{}, fmt.Errorf("load idempotency record: %w", err)
	}

	if !found {
		// A purged key still has its entry.
		if _, used, err := tx.Entry(ctx, EntryID(key)); err != nil {
			return Proceed, IdempotencyRecord{}, fmt.Errorf("check entry for key: %w", err)
		} else if used {
			return Proceed, IdempotencyRecord{}, &StaleKeyError{Key: key}
		}

		rec = IdempotencyRecord{
			Key:       key,
			Status:    StatusInFlight,
			Attempts:  1,
			Revision:  1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(g.TTL),
		}
		if err := tx.SaveIdempotencyRecord(ctx, rec, 0); err != nil {
			return Proceed, IdempotencyRecord{}, err
		}
		return Proceed, rec, nil
	}

	if rec.Expired(now) {
		return Proceed, rec, &StaleKeyError{Key: key}
	}

	switch rec.Status {
	case StatusCommitted:
		return AlreadyCommitted, rec, nil
	case StatusInFlight:
		return InFlight, rec, nil
	case StatusFailed:
		prev := rec.Revision
		rec.Status = StatusInFlight
		rec.FailureReason = ""
		rec.Attempts++
		rec.Revision = prev + 1
		rec.UpdatedAt = now
		// a reopened key is protected for a full TTL from this attempt
		rec.ExpiresAt = now.Add(g.TTL)
		if err := tx.SaveIdempotencyRecord(ctx, rec, prev); err != nil {
			return Proceed, IdempotencyRecord{}, err
		}
		return Proceed, rec, nil
	}
	return Proceed, rec, &InvariantError{Reason: fmt.Sprintf("idempotency record %s has unknown status %q", key, rec.Status)}
}

// Commit marks rec as committed with the entry it produced.
func (g *Guard) Commit(ctx context.Context, tx Tx, rec IdempotencyRecord, entryID EntryID) (IdempotencyRecord, error) {
	if rec.Status != StatusInFlight {
		return rec, &InvariantError{Reason: fmt.Sprintf("commit of %s from status %q", rec.Key, rec.Status)}
	}
	prev := rec.Revision
	rec.Status = StatusCommitted
	rec.ResultRef = entryID
	rec.Revision = prev + 1
	rec.UpdatedAt = g.now()
	return rec, tx.SaveIdempotencyRecord(ctx, rec, prev)
}

// Fail marks rec as failed. A later Begin with the same key may proceed again.
func (g *Guard) Fail(ctx context.Context, tx Tx, rec IdempotencyRecord, reason string) (IdempotencyRecord, error) {
	if rec.Status != StatusInFlight {
		return rec, &InvariantError{Reason: fmt.Sprintf("fail of %s from status %q", rec.Key, rec.Status)}
	}
	prev := rec.Revision
	rec.Status = StatusFailed
	rec.FailureReason = reason
	rec.Revision = prev + 1
	rec.UpdatedAt = g.now()
	return rec, tx.SaveIdempotencyRecord(ctx, rec, prev)
}
