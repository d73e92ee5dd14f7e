package streak

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/metrics"
)

// Engine folds committed award entries into StreakState.
//
// Apply is safe under at-least-once delivery: an entry whose Seq is at or
// below the state's LastProcessedSeq has already been folded and is skipped.
type Engine struct {
	Store           ledger.Store
	Policy          Policy
	DefaultLocation *time.Location
	Log             *zap.Logger
	Metrics         *metrics.Metrics
	MaxAttempts     int
	Backoff         ledger.Backoff
	Now             func() time.Time
}

// Options configures NewEngine.
type Options struct {
	Policy          Policy
	DefaultLocation *time.Location
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

// NewEngine creates a streak engine.
func NewEngine(store ledger.Store, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	return &Engine{
		Store:           store,
		Policy:          opts.Policy,
		DefaultLocation: opts.DefaultLocation,
		Log:             opts.Log,
		Metrics:         opts.Metrics,
		MaxAttempts:     ledger.DefaultMaxAttempts,
		Backoff:         ledger.DefaultBackoff,
		Now:             time.Now,
	}
}

// Apply folds entry into its member's streak and returns the resulting state.
func (e *Engine) Apply(ctx context.Context, entry ledger.Entry) (ledger.StreakState, Transition, error) {
	if entry.Kind != ledger.KindAward {
		st, err := e.State(ctx, entry.MemberID)
		return st, NotAnAward, err
	}

	var (
		state ledger.StreakState
		t     Transition
	)
	err := ledger.RetryTx(ctx, e.Store, "streak_apply", e.MaxAttempts, e.Backoff, func(tx ledger.Tx) error {
		current, found, err := tx.StreakState(ctx, entry.MemberID)
		if err != nil {
			return err
		}
		if !found {
			current = NewState(entry.MemberID, e.Policy)
		}
		if found && entry.Seq <= current.LastProcessedSeq {
			state, t = current, AlreadySeen
			return nil
		}

		member, _, err := tx.Member(ctx, entry.MemberID)
		if err != nil {
			return err
		}
		day := ledger.DateIn(entry.CreatedAt, member.Location(e.DefaultLocation))

		next, transition := Advance(current, day, e.Policy)
		prev := current.Version
		next.Version = prev + 1
		next.LastProcessedEntryID = entry.ID
		next.LastProcessedSeq = entry.Seq
		next.UpdatedAt = e.now()
		if err := tx.SaveStreakState(ctx, next, prev); err != nil {
			return err
		}
		state, t = next, transition
		return nil
	})
	if err != nil {
		return ledger.StreakState{}, "", err
	}

	if t != AlreadySeen {
		e.Metrics.Streak(string(t))
	}
	if t.Changed() {
		e.Log.Debug("streak updated",
			zap.String("member", string(entry.MemberID)),
			zap.String("entry", string(entry.ID)),
			zap.String("transition", string(t)),
			zap.Int("current", state.CurrentCount),
			zap.Int("longest", state.LongestCount),
			zap.Int("freezes", state.FreezesAvailable))
	}
	return state, t, nil
}

// State returns the member's streak, or a fresh one if the member has none.
func (e *Engine) State(ctx context.Context, member ledger.MemberID) (ledger.StreakState, error) {
	st, found, err := e.Store.GetStreakState(ctx, member)
	if err != nil {
		return ledger.StreakState{}, err
	}
	if !found {
		return NewState(member, e.Policy), nil
	}
	return st, nil
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}
