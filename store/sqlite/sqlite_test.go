package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	l := ledger.New(store, ledger.Options{})
	l.Now = func() time.Time { return t0 }
	l.Guard.Now = l.Now
	return l, store
}

func openKid(t *testing.T, l *ledger.Ledger) ledger.AccountID {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), ledger.OpenAccountRequest{FamilyID: "fam-1", MemberID: "kid-1", ActorID: "parent-1"})
	require.NoError(t, err)
	return acct.ID
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestSQLite_AwardRedeemRoundTrip(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)

	_, err := l.Award(ctx, ledger.AwardRequest{AccountID: id, SourceRef: "task-1", Amount: 15, IdempotencyKey: "a1", ActorID: "parent-1", Note: "dishes"})
	require.NoError(t, err)
	r, err := l.Redeem(ctx, ledger.RedeemRequest{AccountID: id, RewardRef: "movie", Amount: 10, IdempotencyKey: "r1", ActorID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Account.Balance)

	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Equal(t, int64(15), acct.TotalEarned)
	assert.Equal(t, int64(10), acct.TotalRedeemed)
	assert.Equal(t, int64(3), acct.Version)
	assert.Equal(t, t0, acct.UpdatedAt)

	entries, err := store.EntriesAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryID("a1"), entries[0].ID)
	assert.Equal(t, "dishes", entries[0].AuditNote)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, ledger.KindRedeem, entries[1].Kind)
	assert.Equal(t, int64(5), entries[1].BalanceAfter)

	report, err := l.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Problems)
}

func TestSQLite_DuplicateReplay(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)
	req := ledger.AwardRequest{AccountID: id, SourceRef: "task-1", Amount: 10, IdempotencyKey: "a1", ActorID: "parent-1"}

	first, err := l.Award(ctx, req)
	require.NoError(t, err)
	second, err := l.Award(ctx, req)

	assert.True(t, ledger.IsDuplicate(err))
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.Seq, second.Entry.Seq)
	assert.Equal(t, int64(10), second.Account.Balance)
}

func TestSQLite_InsufficientBalanceKeepsAudit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)

	_, err := l.Redeem(ctx, ledger.RedeemRequest{AccountID: id, RewardRef: "bike", Amount: 10, IdempotencyKey: "r1", ActorID: "kid-1"})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	audit, err := l.Audit(ctx, ledger.AuditFilter{AccountID: id})
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, ledger.AuditAccountOpened, audit[0].Action)
	assert.Equal(t, ledger.AuditRedeemRejected, audit[1].Action)
}

func TestSQLite_ConcurrentRedeemsNeverNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)
	_, err := l.Award(ctx, ledger.AwardRequest{AccountID: id, SourceRef: "task-1", Amount: 15, IdempotencyKey: "a1", ActorID: "parent-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Redeem(ctx, ledger.RedeemRequest{
				AccountID: id, RewardRef: "game", Amount: 10, IdempotencyKey: fmt.Sprintf("r%d", i), ActorID: "kid-1",
			})
		}(i)
	}
	wg.Wait()

	ok, short := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case ledger.KindOf(err) == ledger.KindInsufficientBalance:
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)

	acct, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestSQLite_StaleVersionConflicts(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)

	err := store.RunTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.Account(ctx, id)
		require.NoError(t, err)
		a.Archived = true
		a.Version = 5
		return tx.SaveAccount(ctx, a, 4)
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.False(t, acct.Archived)
}

func TestSQLite_DuplicateEntryConflicts(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)
	entry := ledger.Entry{ID: "e1", AccountID: id, FamilyID: "fam-1", MemberID: "kid-1", Kind: ledger.KindAward, Amount: 1, SourceRef: "t", ActorID: "p", BalanceAfter: 1, CreatedAt: t0}

	insert := func() error {
		return store.RunTx(ctx, func(tx ledger.Tx) error { return tx.InsertEntry(ctx, entry) })
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ledger.ErrConflict)
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)
	_, err := l.Award(ctx, ledger.AwardRequest{AccountID: id, SourceRef: "task-1", Amount: 3, IdempotencyKey: "a1", ActorID: "parent-1"})
	require.NoError(t, err)

	db, err := sqlite.RawDB(store)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE ledger_entries SET amount = 100 WHERE entry_id = 'a1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.ErrorContains(t, err, "append-only")
}

func TestSQLite_IdempotencyRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := ledger.IdempotencyRecord{Key: "k1", Status: ledger.StatusInFlight, Attempts: 1, Revision: 1, CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(time.Hour)}

	require.NoError(t, store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveIdempotencyRecord(ctx, rec, 0) }))

	err := store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveIdempotencyRecord(ctx, rec, 0) })
	assert.ErrorIs(t, err, ledger.ErrConflict)

	rec.Status, rec.ResultRef, rec.Revision = ledger.StatusCommitted, "e1", 2
	require.NoError(t, store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveIdempotencyRecord(ctx, rec, 1) }))

	err = store.RunTx(ctx, func(tx ledger.Tx) error {
		got, found, err := tx.IdempotencyRecord(ctx, "k1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ledger.StatusCommitted, got.Status)
		assert.Equal(t, ledger.EntryID("e1"), got.ResultRef)
		assert.Equal(t, t0.Add(time.Hour), got.ExpiresAt)
		return nil
	})
	require.NoError(t, err)

	n, err := store.PurgeIdempotencyRecords(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_StreakStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := ledger.StreakState{
		MemberID:             "kid-1",
		CurrentCount:         3,
		LongestCount:         5,
		LastActiveDate:       ledger.NewDate(2025, time.March, 5),
		FreezesAvailable:     1,
		FreezesUsedThisMonth: 1,
		FreezeMonth:          "2025-03",
		LastProcessedEntryID: "a9",
		LastProcessedSeq:     9,
		Version:              1,
		UpdatedAt:            t0,
	}
	require.NoError(t, store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveStreakState(ctx, st, 0) }))

	got, found, err := store.GetStreakState(ctx, "kid-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, st, got)

	st.Version = 2
	err = store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveStreakState(ctx, st, 7) })
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestSQLite_UnlockIsNeverCleared(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	unlockedAt := t0
	p := ledger.AchievementProgress{MemberID: "kid-1", DefinitionID: "first-award", ProgressValue: 1, Threshold: 1, UnlockedAt: &unlockedAt, Version: 1, UpdatedAt: t0}
	require.NoError(t, store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveAchievementProgress(ctx, p, 0) }))

	p.UnlockedAt = nil
	p.Version = 2
	require.NoError(t, store.RunTx(ctx, func(tx ledger.Tx) error { return tx.SaveAchievementProgress(ctx, p, 1) }))

	list, err := store.ListAchievementProgress(ctx, "kid-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].UnlockedAt)
	assert.Equal(t, t0, *list[0].UnlockedAt)
}

func TestSQLite_MemberStatsAndCursor(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)
	for i, amount := range []int64{3, 4} {
		_, err := l.Award(ctx, ledger.AwardRequest{AccountID: id, SourceRef: "task", Amount: amount, IdempotencyKey: fmt.Sprintf("a%d", i), ActorID: "parent-1"})
		require.NoError(t, err)
	}
	_, err := l.Redeem(ctx, ledger.RedeemRequest{AccountID: id, RewardRef: "sticker", Amount: 2, IdempotencyKey: "r1", ActorID: "kid-1"})
	require.NoError(t, err)

	stats, err := store.MemberStats(ctx, "kid-1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.TotalEarned)
	assert.Equal(t, int64(2), stats.TotalRedeemed)
	assert.Equal(t, int64(2), stats.AwardCount)
	assert.Equal(t, int64(1), stats.RedeemCount)
	assert.Equal(t, int64(7), stats.EarnedSince)

	stats, err = store.MemberStats(ctx, "kid-1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, stats.EarnedSince)

	require.NoError(t, store.SaveCursor(ctx, "projector", 3))
	require.NoError(t, store.SaveCursor(ctx, "projector", 4))
	seq, err := store.Cursor(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestSQLite_ArchiveAndMembers(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	id := openKid(t, l)

	n, err := l.ArchiveFamily(ctx, "fam-1", "parent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acct.Archived)

	_, err = l.SetMemberTimezone(ctx, "kid-1", "America/New_York")
	require.NoError(t, err)
	_, err = l.SetMemberTimezone(ctx, "kid-1", "Europe/Paris")
	require.NoError(t, err)
	m, found, err := store.GetMember(ctx, "kid-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Europe/Paris", m.Timezone)
}
