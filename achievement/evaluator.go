package achievement

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/metrics"
)

// =============================================================================
// SNAPSHOT AND EVENTS
// =============================================================================

// Snapshot is the member's current metric values. Only definitions whose
// metric is present in Values are evaluated.
type Snapshot struct {
	At     time.Time
	Week   string // ISO week key of At in the member's timezone
	Values map[Metric]int64
}

// UnlockEvent is emitted exactly once per (member, definition).
type UnlockEvent struct {
	ID           string
	MemberID     ledger.MemberID
	DefinitionID string
	Name         string
	Value        int64
	Threshold    int64
	At           time.Time
}

// Notifier receives unlock events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev UnlockEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev UnlockEvent) error

func (f NotifierFunc) Notify(ctx context.Context, ev UnlockEvent) error { return f(ctx, ev) }

// LogNotifier writes unlock events to the log.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev UnlockEvent) error {
	n.Log.Info("achievement unlocked",
		zap.String("event", ev.ID),
		zap.String("member", string(ev.MemberID)),
		zap.String("achievement", ev.DefinitionID),
		zap.String("name", ev.Name),
		zap.Int64("value", ev.Value))
	return nil
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator updates achievement progress from metric snapshots.
type Evaluator struct {
	Store       ledger.Store
	Catalog     *Catalog
	Notifier    Notifier
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	MaxAttempts int
	Backoff     ledger.Backoff
}

// Options configures NewEvaluator.
type Options struct {
	Catalog  *Catalog
	Notifier Notifier
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// NewEvaluator creates an evaluator. Missing options fall back to the
// embedded catalog and a log notifier.
func NewEvaluator(store ledger.Store, opts Options) *Evaluator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: opts.Log}
	}
	return &Evaluator{
		Store:       store,
		Catalog:     opts.Catalog,
		Notifier:    opts.Notifier,
		Log:         opts.Log,
		Metrics:     opts.Metrics,
		MaxAttempts: ledger.DefaultMaxAttempts,
		Backoff:     ledger.DefaultBackoff,
	}
}

// Evaluate folds snap into every relevant definition for member and returns
// the achievements unlocked by this call.
func (e *Evaluator) Evaluate(ctx context.Context, member ledger.MemberID, snap Snapshot) ([]UnlockEvent, error) {
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	at := snap.At.UTC()

	var events []UnlockEvent
	err := ledger.RetryTx(ctx, e.Store, "achievement_evaluate", e.MaxAttempts, e.Backoff, func(tx ledger.Tx) error {
		events = events[:0]
		for _, def := range e.Catalog.defs {
			observed, ok := snap.Values[def.Metric]
			if !ok {
				continue
			}
			current, found, err := tx.AchievementProgress(ctx, member, def.ID)
			if err != nil {
				return err
			}
			if !found {
				current = ledger.AchievementProgress{MemberID: member, DefinitionID: def.ID}
			}

			next := fold(current, def, observed, snap.Week)
			var unlocked bool
			if next.UnlockedAt == nil && next.ProgressValue >= def.Threshold {
				t := at
				next.UnlockedAt = &t
				unlocked = true
			}
			if found && !unlocked && next.ProgressValue == current.ProgressValue &&
				next.Window == current.Window && next.Threshold == current.Threshold {
				continue
			}

			prev := current.Version
			next.Version = prev + 1
			next.UpdatedAt = at
			if err := tx.SaveAchievementProgress(ctx, next, prev); err != nil {
				return err
			}
			if unlocked {
				events = append(events, UnlockEvent{
					ID:           ulid.Make().String(),
					MemberID:     member,
					DefinitionID: def.ID,
					Name:         def.Name,
					Value:        next.ProgressValue,
					Threshold:    def.Threshold,
					At:           at,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		e.Metrics.Unlock(ev.DefinitionID)
		if err := e.Notifier.Notify(ctx, ev); err != nil {
			e.Log.Warn("unlock notification failed",
				zap.String("member", string(member)),
				zap.String("achievement", ev.DefinitionID),
				zap.Error(err))
		}
	}
	return events, nil
}

// fold computes the new progress for one definition. UnlockedAt is carried over.
func fold(p ledger.AchievementProgress, def Definition, observed int64, week string) ledger.AchievementProgress {
	p.Threshold = def.Threshold
	if def.Resettable {
		if p.Window != week {
			p.Window = week
			p.ProgressValue = observed
			return p
		}
	}
	if observed > p.ProgressValue {
		p.ProgressValue = observed
	}
	return p
}

// =============================================================================
// READ PROJECTION
// =============================================================================

// Status is one definition joined with the member's progress.
type Status struct {
	Definition Definition
	Progress   ledger.AchievementProgress
}

// List returns every definition with the member's progress, unlocked or not.
func (e *Evaluator) List(ctx context.Context, member ledger.MemberID) ([]Status, error) {
	stored, err := e.Store.ListAchievementProgress(ctx, member)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ledger.AchievementProgress, len(stored))
	for _, p := range stored {
		byID[p.DefinitionID] = p
	}

	out := make([]Status, 0, len(e.Catalog.defs))
	for _, def := range e.Catalog.defs {
		p, ok := byID[def.ID]
		if !ok {
			p = ledger.AchievementProgress{MemberID: member, DefinitionID: def.ID, Threshold: def.Threshold}
		}
		out = append(out, Status{Definition: def, Progress: p})
	}
	return out, nil
}
