package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/ledger/store"
)

var t0 = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s *store.Memory, id ledger.AccountID) {
	t.Helper()
	err := s.RunTx(context.Background(), func(tx ledger.Tx) error {
		return tx.CreateAccount(context.Background(), ledger.Account{ID: id, FamilyID: "fam", MemberID: "kid", Version: 1, CreatedAt: t0})
	})
	require.NoError(t, err)
}

func TestMemory_StaleReadConflicts(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedAccount(t, s, "a")

	// GIVEN: a transaction that read version 1
	s.BeforeCommit = func() {
		s.BeforeCommit = nil
		// WHEN: another transaction bumps the account first
		err := s.RunTx(ctx, func(tx ledger.Tx) error {
			a, err := tx.Account(ctx, "a")
			require.NoError(t, err)
			a.Balance, a.TotalEarned, a.Version = 5, 5, 2
			return tx.SaveAccount(ctx, a, 1)
		})
		require.NoError(t, err)
	}
	err := s.RunTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.Account(ctx, "a")
		require.NoError(t, err)
		a.Balance, a.TotalEarned, a.Version = 3, 3, 2
		return tx.SaveAccount(ctx, a, 1)
	})

	// THEN: ours is rejected and nothing it wrote is visible
	assert.ErrorIs(t, err, ledger.ErrConflict)
	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.Balance)
}

func TestMemory_FailedTxAppliesNothing(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedAccount(t, s, "a")

	err := s.RunTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, ledger.Entry{ID: "e1", AccountID: "a", Kind: ledger.KindAward, Amount: 1}))
		return ledger.ErrInvariantViolation
	})
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)

	entries, err := s.EntriesAfter(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_ReadYourWrites(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	err := s.RunTx(ctx, func(tx ledger.Tx) error {
		rec := ledger.IdempotencyRecord{Key: "k", Status: ledger.StatusInFlight, Revision: 1}
		require.NoError(t, tx.SaveIdempotencyRecord(ctx, rec, 0))

		got, found, err := tx.IdempotencyRecord(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ledger.StatusInFlight, got.Status)

		// a second write must build on the buffered revision
		rec.Revision = 2
		assert.ErrorIs(t, tx.SaveIdempotencyRecord(ctx, rec, 0), ledger.ErrConflict)
		rec.Status = ledger.StatusCommitted
		return tx.SaveIdempotencyRecord(ctx, rec, 1)
	})
	require.NoError(t, err)
}

func TestMemory_DuplicateEntryConflicts(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedAccount(t, s, "a")
	insert := func() error {
		return s.RunTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertEntry(ctx, ledger.Entry{ID: "e1", AccountID: "a", Kind: ledger.KindAward, Amount: 1})
		})
	}

	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ledger.ErrConflict)
}

func TestMemory_EntrySequence(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedAccount(t, s, "a")
	seedAccount(t, s, "b")

	for i, acct := range []ledger.AccountID{"a", "b", "a"} {
		err := s.RunTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertEntry(ctx, ledger.Entry{
				ID:        ledger.EntryID(string(rune('x' + i))),
				AccountID: acct,
				MemberID:  ledger.MemberID("m-" + string(acct)),
				Kind:      ledger.KindAward,
				Amount:    int64(i + 1),
				CreatedAt: t0.Add(time.Duration(i) * time.Hour),
			})
		})
		require.NoError(t, err)
	}

	all, err := s.EntriesAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := s.EntriesAfter(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Seq)

	mine, err := s.ListEntries(ctx, "a", 1, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(3), mine[0].Seq)

	stats, err := s.MemberStats(ctx, "m-a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEarned)
	assert.Equal(t, int64(2), stats.AwardCount)
	assert.Equal(t, int64(3), stats.EarnedSince)
}

func TestMemory_Cursor(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	seq, err := s.Cursor(ctx, "projector")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SaveCursor(ctx, "projector", 7))
	seq, err = s.Cursor(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}
