/*
projector.go - Change-feed worker for derived state

PURPOSE:
  Folds committed ledger entries into streaks and achievement progress.
  Derived state never blocks or rolls back an Award / Redeem: the ledger
  commits, and the projector catches up.

DESIGN:
  - Background goroutine with a ticker plus a wake channel
  - Reads EntriesAfter(cursor) in commit order, one batch per pass
  - Per entry: streak Apply, then a metric snapshot, then Evaluate
  - Cursor is saved after every entry (at-least-once; Apply and
    Evaluate are idempotent)
  - Expired idempotency records are purged on a slower cadence

USAGE:
  p := projector.New(store, streaks, evaluator, projector.Options{})
  l.OnCommit = func(ledger.Entry) { p.Wake() }
  p.Start(ctx)
  // ... later
  p.Stop()

SEE ALSO:
  - streak/engine.go: Apply
  - achievement/evaluator.go: Evaluate
*/
package projector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/chore-rewards/achievement"
	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/metrics"
	"github.com/warp/chore-rewards/streak"
)

// CursorName is the projector's row in the cursor table.
const CursorName = "projector"

const (
	DefaultInterval      = 5 * time.Second
	DefaultBatchSize     = 100
	DefaultPurgeInterval = time.Hour
)

// Projector consumes the ledger change feed.
type Projector struct {
	Store         ledger.Store
	Streaks       *streak.Engine
	Achievements  *achievement.Evaluator
	Log           *zap.Logger
	Metrics       *metrics.Metrics
	Interval      time.Duration
	BatchSize     int
	PurgeInterval time.Duration
	Now           func() time.Time

	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	purgeMu   sync.Mutex
	lastPurge time.Time
}

// Options configures New. Zero values take the defaults above.
type Options struct {
	Interval      time.Duration
	BatchSize     int
	PurgeInterval time.Duration
	Log           *zap.Logger
	Metrics       *metrics.Metrics
}

// New creates a projector.
func New(store ledger.Store, streaks *streak.Engine, evaluator *achievement.Evaluator, opts Options) *Projector {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = DefaultPurgeInterval
	}
	return &Projector{
		Store:         store,
		Streaks:       streaks,
		Achievements:  evaluator,
		Log:           opts.Log,
		Metrics:       opts.Metrics,
		Interval:      opts.Interval,
		BatchSize:     opts.BatchSize,
		PurgeInterval: opts.PurgeInterval,
		Now:           time.Now,
		wake:          make(chan struct{}, 1),
	}
}

// Start runs the projector until Stop is called or ctx is done.
func (p *Projector) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.run(ctx)

	p.Log.Info("projector started",
		zap.Duration("interval", p.Interval),
		zap.Int("batch", p.BatchSize))
}

// Stop halts the worker and waits for the current pass to finish.
func (p *Projector) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.stop)
	p.wg.Wait()
	p.running = false
	p.Log.Info("projector stopped")
}

// Wake requests a pass without waiting for the next tick. Never blocks.
func (p *Projector) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Projector) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.pass(ctx)
	for {
		select {
		case <-ticker.C:
		case <-p.wake:
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
		p.pass(ctx)
	}
}

func (p *Projector) pass(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.Log.Warn("projection pass failed", zap.Error(err))
	}
	if p.purgeDue() {
		if _, err := p.Purge(ctx); err != nil && ctx.Err() == nil {
			p.Log.Warn("idempotency purge failed", zap.Error(err))
		}
	}
}

// RunOnce projects every entry after the saved cursor and returns how many
// were processed. On error the cursor stays on the last good entry.
func (p *Projector) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		cursor, err := p.Store.Cursor(ctx, CursorName)
		if err != nil {
			return processed, fmt.Errorf("failed to read cursor: %w", err)
		}
		entries, err := p.Store.EntriesAfter(ctx, cursor, p.BatchSize)
		if err != nil {
			return processed, fmt.Errorf("failed to read change feed: %w", err)
		}
		for _, entry := range entries {
			if err := p.project(ctx, entry); err != nil {
				return processed, fmt.Errorf("entry %s (seq %d): %w", entry.ID, entry.Seq, err)
			}
			if err := p.Store.SaveCursor(ctx, CursorName, entry.Seq); err != nil {
				return processed, fmt.Errorf("failed to save cursor: %w", err)
			}
			p.Metrics.Projected(entry.Seq)
			processed++
		}
		if len(entries) < p.BatchSize {
			return processed, nil
		}
	}
}

func (p *Projector) project(ctx context.Context, entry ledger.Entry) error {
	st, _, err := p.Streaks.Apply(ctx, entry)
	if err != nil {
		return fmt.Errorf("streak: %w", err)
	}
	snap, err := p.Snapshot(ctx, entry.MemberID, st)
	if err != nil {
		return err
	}
	if _, err := p.Achievements.Evaluate(ctx, entry.MemberID, snap); err != nil {
		return fmt.Errorf("achievements: %w", err)
	}
	return nil
}

// Snapshot builds the metric values achievements are evaluated against.
// Weekly earnings cover the current ISO week in the member's timezone.
func (p *Projector) Snapshot(ctx context.Context, member ledger.MemberID, st ledger.StreakState) (achievement.Snapshot, error) {
	m, _, err := p.Store.GetMember(ctx, member)
	if err != nil {
		return achievement.Snapshot{}, fmt.Errorf("failed to load member: %w", err)
	}
	loc := m.Location(p.Streaks.DefaultLocation)
	now := p.now()
	today := ledger.DateIn(now, loc)

	stats, err := p.Store.MemberStats(ctx, member, today.StartOfISOWeek().In(loc))
	if err != nil {
		return achievement.Snapshot{}, fmt.Errorf("failed to load member stats: %w", err)
	}
	return achievement.Snapshot{
		At:   now,
		Week: today.ISOWeek(),
		Values: map[achievement.Metric]int64{
			achievement.MetricTotalEarned:   stats.TotalEarned,
			achievement.MetricTotalRedeemed: stats.TotalRedeemed,
			achievement.MetricAwardCount:    stats.AwardCount,
			achievement.MetricRedeemCount:   stats.RedeemCount,
			achievement.MetricWeeklyEarned:  stats.EarnedSince,
			achievement.MetricCurrentStreak: int64(st.CurrentCount),
			achievement.MetricLongestStreak: int64(st.LongestCount),
		},
	}, nil
}

// Purge deletes idempotency records that have expired.
func (p *Projector) Purge(ctx context.Context) (int, error) {
	now := p.now()
	n, err := p.Store.PurgeIdempotencyRecords(ctx, now)
	if err != nil {
		return 0, err
	}
	p.purgeMu.Lock()
	p.lastPurge = now
	p.purgeMu.Unlock()
	if n > 0 {
		p.Log.Info("purged expired idempotency records", zap.Int("count", n))
	}
	return n, nil
}

func (p *Projector) purgeDue() bool {
	p.purgeMu.Lock()
	defer p.purgeMu.Unlock()
	return p.now().Sub(p.lastPurge) >= p.PurgeInterval
}

func (p *Projector) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}
