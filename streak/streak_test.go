package streak_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/ledger/store"
	"github.com/warp/chore-rewards/streak"
)

var (
	monday    = ledger.NewDate(2025, time.March, 3)
	tuesday   = monday.AddDays(1)
	wednesday = monday.AddDays(2)
	thursday  = monday.AddDays(3)
)

func activeOn(day ledger.Date, count, freezes int) ledger.StreakState {
	return ledger.StreakState{
		MemberID:         "kid-1",
		CurrentCount:     count,
		LongestCount:     count,
		LastActiveDate:   day,
		FreezesAvailable: freezes,
		FreezeMonth:      day.Month(),
	}
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestAdvance_FirstAward(t *testing.T) {
	s, tr := streak.Advance(streak.NewState("kid-1", streak.DefaultPolicy()), monday, streak.DefaultPolicy())

	assert.Equal(t, streak.Started, tr)
	assert.Equal(t, 1, s.CurrentCount)
	assert.Equal(t, 1, s.LongestCount)
	assert.Equal(t, 1, s.FreezesAvailable)
	assert.Equal(t, "2025-03", s.FreezeMonth)
	assert.True(t, s.LastActiveDate.Equal(monday))
}

func TestAdvance_SameDayIsNoop(t *testing.T) {
	before := activeOn(monday, 4, 1)
	s, tr := streak.Advance(before, monday, streak.DefaultPolicy())

	assert.Equal(t, streak.SameDay, tr)
	assert.Equal(t, before, s)
}

func TestAdvance_NextDayExtends(t *testing.T) {
	s, tr := streak.Advance(activeOn(monday, 4, 1), tuesday, streak.DefaultPolicy())

	assert.Equal(t, streak.Extended, tr)
	assert.Equal(t, 5, s.CurrentCount)
	assert.Equal(t, 5, s.LongestCount)
	assert.True(t, s.LastActiveDate.Equal(tuesday))
}

func TestAdvance_GapWithFreeze(t *testing.T) {
	// GIVEN: active Monday with one freeze
	before := activeOn(monday, 4, 1)

	// WHEN: next award lands Wednesday
	s, tr := streak.Advance(before, wednesday, streak.DefaultPolicy())

	// THEN: the gap is forgiven, not rewarded
	assert.Equal(t, streak.FreezeUsed, tr)
	assert.Equal(t, 4, s.CurrentCount)
	assert.Equal(t, 0, s.FreezesAvailable)
	assert.Equal(t, 1, s.FreezesUsedThisMonth)
	assert.True(t, s.LastActiveDate.Equal(wednesday))
}

func TestAdvance_GapWithoutFreeze(t *testing.T) {
	s, tr := streak.Advance(activeOn(monday, 4, 0), wednesday, streak.DefaultPolicy())

	assert.Equal(t, streak.Reset, tr)
	assert.Equal(t, 1, s.CurrentCount)
	assert.Equal(t, 4, s.LongestCount)
	assert.True(t, s.LastActiveDate.Equal(wednesday))
}

func TestAdvance_LongGapResetsEvenWithFreeze(t *testing.T) {
	s, tr := streak.Advance(activeOn(monday, 4, 2), thursday, streak.DefaultPolicy())

	assert.Equal(t, streak.Reset, tr)
	assert.Equal(t, 1, s.CurrentCount)
	assert.Equal(t, 2, s.FreezesAvailable)
}

func TestAdvance_OutOfOrderIsNoop(t *testing.T) {
	before := activeOn(wednesday, 3, 1)
	s, tr := streak.Advance(before, monday, streak.DefaultPolicy())

	assert.Equal(t, streak.OutOfOrder, tr)
	assert.Equal(t, before, s)
}

func TestAdvance_MonthlyUseCap(t *testing.T) {
	p := streak.Policy{MaxFreezes: 5, InitialFreezes: 5, MonthlyGrant: 1, MaxUsesPerMonth: 1}
	s := activeOn(monday, 4, 3)
	s.FreezesUsedThisMonth = 1

	s, tr := streak.Advance(s, wednesday, p)

	assert.Equal(t, streak.Reset, tr)
	assert.Equal(t, 3, s.FreezesAvailable)
}

func TestAdvance_MonthlyRefill(t *testing.T) {
	p := streak.DefaultPolicy()
	march31 := ledger.NewDate(2025, time.March, 31)
	s := activeOn(march31.AddDays(-1), 6, 0)
	s.FreezesUsedThisMonth = 2

	// April 1st is a new month: used resets and one freeze is granted
	s, tr := streak.Advance(s, march31.AddDays(1), p)

	assert.Equal(t, streak.FreezeUsed, tr)
	assert.Equal(t, "2025-04", s.FreezeMonth)
	assert.Equal(t, 0, s.FreezesAvailable)
	assert.Equal(t, 1, s.FreezesUsedThisMonth)
	assert.Equal(t, 6, s.CurrentCount)
}

func TestAdvance_RefillIsCapped(t *testing.T) {
	p := streak.DefaultPolicy()
	s := activeOn(ledger.NewDate(2025, time.March, 31), 2, 2)

	s, _ = streak.Advance(s, ledger.NewDate(2025, time.April, 1), p)

	assert.Equal(t, p.MaxFreezes, s.FreezesAvailable)
}

func TestAdvance_Monotonicity(t *testing.T) {
	p := streak.DefaultPolicy()
	s := streak.NewState("kid-1", p)
	day := monday
	gaps := []int{0, 1, 1, 2, 1, 3, 1, 1, 2, 2, 1, 5, 1, 0, 1}

	longest := 0
	for _, g := range gaps {
		day = day.AddDays(g)
		before := s
		var tr streak.Transition
		s, tr = streak.Advance(s, day, p)

		require.GreaterOrEqual(t, s.LongestCount, longest, "longest never decreases")
		require.GreaterOrEqual(t, s.CurrentCount, 0)
		require.GreaterOrEqual(t, s.LongestCount, s.CurrentCount)
		if tr == streak.FreezeUsed {
			require.Equal(t, before.CurrentCount, s.CurrentCount, "a freeze never increments")
		}
		longest = s.LongestCount
	}
}

// =============================================================================
// ENGINE
// =============================================================================

func newEngine(t *testing.T) (*streak.Engine, *ledger.Ledger, ledger.AccountID) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem, ledger.Options{})
	acct, err := l.OpenAccount(context.Background(), ledger.OpenAccountRequest{FamilyID: "fam-1", MemberID: "kid-1"})
	require.NoError(t, err)
	return streak.NewEngine(mem, streak.Options{}), l, acct.ID
}

func awardAt(t *testing.T, l *ledger.Ledger, id ledger.AccountID, key string, at time.Time) ledger.Entry {
	t.Helper()
	l.Now = func() time.Time { return at }
	r, err := l.Award(context.Background(), ledger.AwardRequest{AccountID: id, SourceRef: "task-" + key, Amount: 1, IdempotencyKey: key, ActorID: "parent-1"})
	require.NoError(t, err)
	return r.Entry
}

func TestEngine_AppliesOncePerEntry(t *testing.T) {
	e, l, id := newEngine(t)
	ctx := context.Background()
	mon := awardAt(t, l, id, "a1", time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC))
	tue := awardAt(t, l, id, "a2", time.Date(2025, 3, 4, 18, 0, 0, 0, time.UTC))

	_, tr, err := e.Apply(ctx, mon)
	require.NoError(t, err)
	assert.Equal(t, streak.Started, tr)

	s, tr, err := e.Apply(ctx, tue)
	require.NoError(t, err)
	assert.Equal(t, streak.Extended, tr)
	assert.Equal(t, 2, s.CurrentCount)

	// redelivery of both events changes nothing
	for _, entry := range []ledger.Entry{mon, tue} {
		again, tr, err := e.Apply(ctx, entry)
		require.NoError(t, err)
		assert.Equal(t, streak.AlreadySeen, tr)
		assert.Equal(t, s, again)
	}

	stored, err := e.State(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentCount)
	assert.Equal(t, ledger.EntryID("a2"), stored.LastProcessedEntryID)
	assert.Equal(t, tue.Seq, stored.LastProcessedSeq)
}

func TestEngine_UsesMemberTimezone(t *testing.T) {
	e, l, id := newEngine(t)
	ctx := context.Background()
	_, err := l.SetMemberTimezone(ctx, "kid-1", "America/Los_Angeles")
	require.NoError(t, err)

	// 2025-03-04 06:00 UTC is still Monday evening in Los Angeles
	mon := awardAt(t, l, id, "a1", time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC))
	stillMon := awardAt(t, l, id, "a2", time.Date(2025, 3, 4, 6, 0, 0, 0, time.UTC))

	_, _, err = e.Apply(ctx, mon)
	require.NoError(t, err)
	s, tr, err := e.Apply(ctx, stillMon)
	require.NoError(t, err)

	assert.Equal(t, streak.SameDay, tr)
	assert.Equal(t, 1, s.CurrentCount)
	assert.Equal(t, "2025-03-03", s.LastActiveDate.String())
}

func TestEngine_IgnoresRedemptions(t *testing.T) {
	e, _, _ := newEngine(t)

	s, tr, err := e.Apply(context.Background(), ledger.Entry{ID: "r1", Seq: 1, MemberID: "kid-1", Kind: ledger.KindRedeem})
	require.NoError(t, err)

	assert.Equal(t, streak.NotAnAward, tr)
	assert.Zero(t, s.CurrentCount)
}

func TestEngine_FreshStateHasInitialFreezes(t *testing.T) {
	e, _, _ := newEngine(t)

	s, err := e.State(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 1, s.FreezesAvailable)
	assert.Zero(t, s.CurrentCount)
}
