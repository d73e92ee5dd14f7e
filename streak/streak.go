/*
Package streak maintains per-member consecutive-day activity counters.

TRANSITIONS (award on calendar day D, last active day L):
  no previous activity          -> count = 1                  started
  D == L                        -> no change                  same_day
  D <  L                        -> no change                  out_of_order
  D == L+1                      -> count += 1                 extended
  D == L+2, freeze available    -> count unchanged, freeze-1  freeze_used
  otherwise                     -> count = 1                  reset

  longest = max(longest, count) after every update.

FREEZES:
  A new member starts with InitialFreezes. On the first award of a new
  calendar month the monthly counter resets and MonthlyGrant freezes are
  added, capped at MaxFreezes. At most MaxUsesPerMonth freezes can be
  spent in one month. A freeze forgives exactly one missed day.

SEE ALSO:
  - engine.go: applying committed award entries
  - ledger/date.go: calendar day arithmetic
*/
package streak

import (
	"github.com/warp/chore-rewards/ledger"
)

// Transition names what an award did to a streak.
type Transition string

const (
	Started     Transition = "started"
	Extended    Transition = "extended"
	FreezeUsed  Transition = "freeze_used"
	Reset       Transition = "reset"
	SameDay     Transition = "same_day"
	OutOfOrder  Transition = "out_of_order"
	AlreadySeen Transition = "already_processed"
	NotAnAward  Transition = "not_an_award"
)

// Changed reports whether the transition modified the streak counters.
func (t Transition) Changed() bool {
	switch t {
	case Started, Extended, FreezeUsed, Reset:
		return true
	}
	return false
}

// Policy bounds streak freezes.
type Policy struct {
	MaxFreezes      int `toml:"max_freezes"`
	InitialFreezes  int `toml:"initial_freezes"`
	MonthlyGrant    int `toml:"monthly_grant"`
	MaxUsesPerMonth int `toml:"max_uses_per_month"`
}

// DefaultPolicy returns the standard freeze policy.
func DefaultPolicy() Policy {
	return Policy{MaxFreezes: 2, InitialFreezes: 1, MonthlyGrant: 1, MaxUsesPerMonth: 2}
}

// NewState returns the streak of a member with no activity yet.
func NewState(member ledger.MemberID, p Policy) ledger.StreakState {
	return ledger.StreakState{
		MemberID:         member,
		FreezesAvailable: min(p.InitialFreezes, p.MaxFreezes),
	}
}

// Advance applies an award on day to s. It is pure: bookkeeping fields
// (version, processed entry) are left to the caller.
func Advance(s ledger.StreakState, day ledger.Date, p Policy) (ledger.StreakState, Transition) {
	if !s.LastActiveDate.IsZero() {
		switch gap := s.LastActiveDate.DaysUntil(day); {
		case gap == 0:
			return s, SameDay
		case gap < 0:
			return s, OutOfOrder
		}
	}

	s = refill(s, day, p)

	var t Transition
	switch gap := s.LastActiveDate.DaysUntil(day); {
	case s.LastActiveDate.IsZero():
		s.CurrentCount = 1
		t = Started
	case gap == 1:
		s.CurrentCount++
		t = Extended
	case gap == 2 && s.FreezesAvailable > 0 && s.FreezesUsedThisMonth < p.MaxUsesPerMonth:
		s.FreezesAvailable--
		s.FreezesUsedThisMonth++
		t = FreezeUsed
	default:
		s.CurrentCount = 1
		t = Reset
	}

	s.LastActiveDate = day
	if s.CurrentCount > s.LongestCount {
		s.LongestCount = s.CurrentCount
	}
	return s, t
}

// refill grants the monthly freezes on the first activity of a new month.
func refill(s ledger.StreakState, day ledger.Date, p Policy) ledger.StreakState {
	month := day.Month()
	switch {
	case s.FreezeMonth == "":
		// First activity: the initial allowance covers this month.
		s.FreezeMonth = month
	case month > s.FreezeMonth:
		s.FreezeMonth = month
		s.FreezesUsedThisMonth = 0
		s.FreezesAvailable = min(s.FreezesAvailable+p.MonthlyGrant, p.MaxFreezes)
	}
	return s
}
