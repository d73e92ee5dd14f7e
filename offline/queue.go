/*
Package offline is the client-resident action queue.

PURPOSE:
  Holds ledger requests the device could not confirm and replays them when
  connectivity returns. Every attempt of one action carries the same
  idempotency key, so the server applies it at most once no matter how
  many times it is sent.

STATE MACHINE:
  pending -> in_flight -> confirmed                (removed)
                       -> terminal_failed          (removed, reported)
                       -> retryable_failed -> pending after backoff
  retryable_failed after MaxAttempts -> needs_retry (parked until Retry)

ORDERING:
  Actions replay in enqueue order. A retryable failure stops the pass
  (head-of-line blocking). A parked needs_retry action keeps blocking
  everything behind it until Retry; a later redemption may depend on an
  earlier award.

CRASH SAFETY:
  Enqueue persists before any network attempt. in_flight is persisted
  before Submit; Open moves leftover in_flight actions back to pending.

SEE ALSO:
  - transport.go: HTTPTransport, Classify
  - ledger/errors.go: error kinds
*/
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/metrics"
)

const (
	DefaultMaxAttempts    = 6
	DefaultAttemptTimeout = 15 * time.Second
	DefaultPollInterval   = 30 * time.Second
)

// DefaultBackoff spreads six attempts over roughly ten minutes.
var DefaultBackoff = ledger.Backoff{Base: 10 * time.Second, Max: 5 * time.Minute, Factor: 2, Jitter: 0.2}

// Queue replays queued actions through a Transport.
type Queue struct {
	Store          Store
	Transport      Transport
	Log            *zap.Logger
	Metrics        *metrics.Metrics
	MaxAttempts    int
	Backoff        ledger.Backoff
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	Now            func() time.Time

	drainMu sync.Mutex
	wake    chan struct{}
}

// Options configures Open.
type Options struct {
	MaxAttempts    int
	Backoff        ledger.Backoff
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// Open creates a queue over store and recovers actions a previous process
// left in flight.
func Open(ctx context.Context, store Store, transport Transport, opts Options) (*Queue, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	n, err := store.ResetInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover in-flight actions: %w", err)
	}
	if n > 0 {
		opts.Log.Info("recovered in-flight actions", zap.Int("count", n))
	}

	return &Queue{
		Store:          store,
		Transport:      transport,
		Log:            opts.Log,
		Metrics:        opts.Metrics,
		MaxAttempts:    opts.MaxAttempts,
		Backoff:        opts.Backoff,
		AttemptTimeout: opts.AttemptTimeout,
		PollInterval:   opts.PollInterval,
		Now:            time.Now,
		wake:           make(chan struct{}, 1),
	}, nil
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

// =============================================================================
// ENQUEUE
// =============================================================================

// EnqueueRequest is a user action to deliver. Key is minted when empty.
type EnqueueRequest struct {
	Key       string
	Kind      ledger.Kind
	AccountID ledger.AccountID
	Ref       string
	Amount    int64
	ActorID   string
	Note      string
}

// Enqueue durably stores the action and returns it as pending. It never
// touches the network.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Action, error) {
	if _, err := ledger.ParseKind(string(req.Kind)); err != nil {
		return Action{}, err
	}
	switch {
	case req.AccountID == "":
		return Action{}, &ledger.InvariantError{Reason: "account id is required"}
	case req.Ref == "":
		return Action{}, &ledger.InvariantError{Reason: "task or reward reference is required"}
	case req.Amount <= 0:
		return Action{}, &ledger.InvariantError{Reason: "amount must be positive"}
	case req.ActorID == "":
		return Action{}, &ledger.InvariantError{Reason: "actor id is required"}
	}
	if req.Key == "" {
		req.Key = uuid.NewString()
	}

	now := q.now()
	a := Action{
		Key:        req.Key,
		Kind:       req.Kind,
		AccountID:  req.AccountID,
		Ref:        req.Ref,
		Amount:     req.Amount,
		ActorID:    req.ActorID,
		Note:       req.Note,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.Store.Insert(ctx, &a); err != nil {
		return Action{}, err
	}
	q.Log.Debug("action queued",
		zap.String("key", a.Key),
		zap.String("kind", string(a.Kind)),
		zap.String("account", string(a.AccountID)))
	q.Wake()
	return a, nil
}

// =============================================================================
// DRAIN
// =============================================================================

// Report summarizes one Drain pass.
type Report struct {
	Attempted   int
	Confirmed   []Action
	Failed      []Action // terminal failures, removed from the queue
	Parked      []Action // moved to needs_retry this pass
	Blocked     bool     // stopped at a retryable or parked action
	NextRetryAt time.Time
	// BlockedBy is the key of a parked action that needs Retry before the
	// queue can move. Empty when waiting on backoff only.
	BlockedBy string
}

// Drain attempts every due action in enqueue order until the queue is
// empty or an action must wait.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	defer q.publishDepth(ctx)

	var report Report
	actions, err := q.Store.List(ctx)
	if err != nil {
		return report, err
	}

	for _, a := range actions {
		switch a.Status {
		case StatusNeedsRetry:
			report.Blocked = true
			report.BlockedBy = a.Key
			return report, nil
		case StatusPending, StatusRetryableFailed, StatusInFlight:
		default:
			continue
		}
		if !a.due(q.now()) {
			report.Blocked = true
			report.NextRetryAt = a.NextRetryAt
			return report, nil
		}

		a, outcome, err := q.attempt(ctx, a)
		if err != nil {
			return report, err
		}
		report.Attempted++

		switch outcome {
		case OutcomeConfirmed:
			report.Confirmed = append(report.Confirmed, a)
		case OutcomeTerminal:
			report.Failed = append(report.Failed, a)
		case OutcomeRetryable:
			report.Blocked = true
			if a.Status == StatusNeedsRetry {
				report.Parked = append(report.Parked, a)
				report.BlockedBy = a.Key
				return report, nil
			}
			report.NextRetryAt = a.NextRetryAt
			return report, nil
		}
	}
	return report, nil
}

// attempt sends a once and records the result.
func (q *Queue) attempt(ctx context.Context, a Action) (Action, Outcome, error) {
	a.Status = StatusInFlight
	a.Attempts++
	a.UpdatedAt = q.now()
	if err := q.Store.Update(ctx, a); err != nil {
		return a, "", err
	}

	actx, cancel := context.WithTimeout(ctx, q.AttemptTimeout)
	sendErr := q.Transport.Submit(actx, a)
	cancel()

	// Abandoned by the caller: the attempt does not count.
	if ctx.Err() != nil {
		a.Status = StatusPending
		a.Attempts--
		a.UpdatedAt = q.now()
		if err := q.Store.Update(context.WithoutCancel(ctx), a); err != nil {
			q.Log.Warn("failed to release abandoned action", zap.String("key", a.Key), zap.Error(err))
		}
		return a, "", ctx.Err()
	}

	outcome, kind := Classify(sendErr)
	q.Metrics.QueueAttempt(string(outcome))
	now := q.now()
	a.UpdatedAt = now
	if sendErr != nil {
		a.LastError = sendErr.Error()
		a.LastErrorKind = kind
	}

	fields := []zap.Field{
		zap.String("key", a.Key),
		zap.String("kind", string(a.Kind)),
		zap.Int("attempt", a.Attempts),
		zap.String("outcome", string(outcome)),
	}

	switch outcome {
	case OutcomeConfirmed:
		a.Status = StatusConfirmed
		q.Log.Debug("action confirmed", fields...)
		return a, outcome, q.Store.Delete(ctx, a.Key)

	case OutcomeTerminal:
		a.Status = StatusTerminalFailed
		q.Log.Warn("action failed", append(fields, zap.String("error_kind", string(kind)), zap.Error(sendErr))...)
		return a, outcome, q.Store.Delete(ctx, a.Key)

	default:
		if a.Attempts >= q.MaxAttempts {
			a.Status = StatusNeedsRetry
			a.NextRetryAt = time.Time{}
			q.Log.Warn("action needs manual retry", append(fields, zap.Error(sendErr))...)
		} else {
			a.Status = StatusRetryableFailed
			a.NextRetryAt = now.Add(q.Backoff.Delay(a.Attempts))
			q.Log.Info("action will retry", append(fields, zap.Time("next_retry_at", a.NextRetryAt), zap.Error(sendErr))...)
		}
		return a, outcome, q.Store.Update(ctx, a)
	}
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.Metrics == nil {
		return
	}
	actions, err := q.Store.List(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{
		string(StatusPending):         0,
		string(StatusInFlight):        0,
		string(StatusRetryableFailed): 0,
		string(StatusNeedsRetry):      0,
	}
	for _, a := range actions {
		counts[string(a.Status)]++
	}
	q.Metrics.QueueDepth(counts)
}

// =============================================================================
// RUN - Background replay
// =============================================================================

// Wake requests a drain without waiting for the poll interval.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done, sleeping until the next retry is
// due, the poll interval passes, or Wake is called.
func (q *Queue) Run(ctx context.Context) error {
	for {
		report, err := q.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			q.Log.Warn("queue drain failed", zap.Error(err))
		}

		wait := q.PollInterval
		if report.Blocked && !report.NextRetryAt.IsZero() {
			if d := report.NextRetryAt.Sub(q.now()); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// =============================================================================
// USER OPERATIONS
// =============================================================================

// ErrNotParked is returned by Retry for an action that is not in needs_retry.
var ErrNotParked = errors.New("action is not waiting for manual retry")

// Retry returns a parked action to pending with a fresh attempt budget and
// the same idempotency key.
func (q *Queue) Retry(ctx context.Context, key string) (Action, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	a, err := q.Store.Get(ctx, key)
	if err != nil {
		return Action{}, err
	}
	if a.Status != StatusNeedsRetry {
		return a, ErrNotParked
	}
	a.Status = StatusPending
	a.Attempts = 0
	a.NextRetryAt = time.Time{}
	a.UpdatedAt = q.now()
	if err := q.Store.Update(ctx, a); err != nil {
		return Action{}, err
	}
	q.Wake()
	return a, nil
}

// List returns the queued actions in enqueue order.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	return q.Store.List(ctx)
}

// Close closes the underlying store.
func (q *Queue) Close() error {
	return q.Store.Close()
}
