package offline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/ledger/store"
	"github.com/warp/chore-rewards/offline"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var errNetwork = errors.New("connection reset by peer")

// scripted returns queued errors per idempotency key, then nil.
type scripted struct {
	mu    sync.Mutex
	plans map[string][]error
	sent  []string
}

func newScripted() *scripted { return &scripted{plans: make(map[string][]error)} }

func (s *scripted) plan(key string, errs ...error) { s.plans[key] = errs }

func (s *scripted) Submit(_ context.Context, a offline.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, a.Key)
	if p := s.plans[a.Key]; len(p) > 0 {
		s.plans[a.Key] = p[1:]
		return p[0]
	}
	return nil
}

func (s *scripted) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openQueue(t *testing.T, st offline.Store, tr offline.Transport, opts offline.Options) (*offline.Queue, *clock) {
	t.Helper()
	q, err := offline.Open(context.Background(), st, tr, opts)
	require.NoError(t, err)
	c := &clock{now: time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)}
	q.Now = c.Now
	return q, c
}

func enqueue(t *testing.T, q *offline.Queue, key string) offline.Action {
	t.Helper()
	a, err := q.Enqueue(context.Background(), offline.EnqueueRequest{
		Key: key, Kind: ledger.KindAward, AccountID: "fam-1:kid-1", Ref: "task-" + key, Amount: 10, ActorID: "parent-1",
	})
	require.NoError(t, err)
	return a
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_PersistsWithoutNetwork(t *testing.T) {
	tr := newScripted()
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})

	a, err := q.Enqueue(context.Background(), offline.EnqueueRequest{
		Kind: ledger.KindRedeem, AccountID: "fam-1:kid-1", Ref: "reward-1", Amount: 5, ActorID: "kid-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, a.Key, "key is minted")
	assert.Equal(t, offline.StatusPending, a.Status)
	assert.Equal(t, int64(1), a.Seq)
	assert.Empty(t, tr.calls())

	list, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.Key, list[0].Key)
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := openQueue(t, offline.NewMemoryStore(), newScripted(), offline.Options{})

	tests := []struct {
		name string
		req  offline.EnqueueRequest
	}{
		{"unknown kind", offline.EnqueueRequest{Kind: "refund", AccountID: "a", Ref: "r", Amount: 1, ActorID: "p"}},
		{"no account", offline.EnqueueRequest{Kind: ledger.KindAward, Ref: "r", Amount: 1, ActorID: "p"}},
		{"no ref", offline.EnqueueRequest{Kind: ledger.KindAward, AccountID: "a", Amount: 1, ActorID: "p"}},
		{"zero amount", offline.EnqueueRequest{Kind: ledger.KindAward, AccountID: "a", Ref: "r", ActorID: "p"}},
		{"no actor", offline.EnqueueRequest{Kind: ledger.KindAward, AccountID: "a", Ref: "r", Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
		})
	}
}

// =============================================================================
// DRAIN
// =============================================================================

func TestDrain_ConfirmsAndRemoves(t *testing.T) {
	tr := newScripted()
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})
	enqueue(t, q, "k1")
	enqueue(t, q, "k2")

	report, err := q.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Attempted)
	assert.Len(t, report.Confirmed, 2)
	assert.False(t, report.Blocked)
	assert.Equal(t, []string{"k1", "k2"}, tr.calls())

	list, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDrain_RetryableFailureBacksOffWithSameKey(t *testing.T) {
	tr := newScripted()
	tr.plan("k1", errNetwork)
	q, c := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})
	enqueue(t, q, "k1")
	ctx := context.Background()

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Blocked)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, offline.StatusRetryableFailed, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, ledger.KindInternal, a.LastErrorKind)
	delay := a.NextRetryAt.Sub(c.Now())
	assert.GreaterOrEqual(t, delay, 8*time.Second)
	assert.LessOrEqual(t, delay, 12*time.Second)

	// not due yet: nothing is sent
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)

	c.Advance(15 * time.Second)
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 1)
	assert.Equal(t, []string{"k1", "k1"}, tr.calls())
}

func TestDrain_HeadOfLineBlocking(t *testing.T) {
	tr := newScripted()
	tr.plan("k1", &offline.RemoteError{Status: 503, Kind: ledger.KindContention, Retryable: true})
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})
	enqueue(t, q, "k1")
	enqueue(t, q, "k2")

	report, err := q.Drain(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Blocked)
	assert.Equal(t, []string{"k1"}, tr.calls())
}

func TestDrain_TerminalFailureIsReportedAndRemoved(t *testing.T) {
	tr := newScripted()
	tr.plan("k1", &offline.RemoteError{Status: 422, Kind: ledger.KindInsufficientBalance, Message: "not enough points"})
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})
	enqueue(t, q, "k1")
	enqueue(t, q, "k2")

	report, err := q.Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, offline.StatusTerminalFailed, report.Failed[0].Status)
	assert.Equal(t, ledger.KindInsufficientBalance, report.Failed[0].LastErrorKind)
	assert.Len(t, report.Confirmed, 1)

	list, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDrain_DuplicateIsConfirmation(t *testing.T) {
	tr := newScripted()
	tr.plan("k1", &offline.RemoteError{Status: 200, Kind: ledger.KindDuplicateOperation})
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{})
	enqueue(t, q, "k1")

	report, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 1)
}

func TestDrain_ExhaustedActionIsParked(t *testing.T) {
	tr := newScripted()
	tr.plan("k1", errNetwork, errNetwork, errNetwork)
	q, c := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{MaxAttempts: 2})
	enqueue(t, q, "k1")
	enqueue(t, q, "k2")
	ctx := context.Background()

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	c.Advance(time.Minute)
	report, err := q.Drain(ctx)
	require.NoError(t, err)

	require.Len(t, report.Parked, 1)
	assert.Equal(t, offline.StatusNeedsRetry, report.Parked[0].Status)
	assert.True(t, report.Blocked)
	assert.Equal(t, "k1", report.BlockedBy)
	assert.Empty(t, report.Confirmed, "k2 waits behind the parked action")

	// still parked: nothing moves until Retry
	c.Advance(time.Hour)
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, "k1", report.BlockedBy)

	// manual retry keeps the key and resets the budget
	a, err := q.Retry(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, offline.StatusPending, a.Status)
	assert.Zero(t, a.Attempts)

	_, err = q.Retry(ctx, "k1")
	assert.ErrorIs(t, err, offline.ErrNotParked)

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	c.Advance(time.Minute)
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 2)
	assert.Equal(t, []string{"k1", "k1", "k1", "k1", "k2"}, tr.calls())
}

func TestDrain_AbandonedAttemptDoesNotCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := offline.TransportFunc(func(context.Context, offline.Action) error {
		cancel()
		return context.Canceled
	})
	st := offline.NewMemoryStore()
	q, _ := openQueue(t, st, tr, offline.Options{})
	enqueue(t, q, "k1")

	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	a, err := st.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, offline.StatusPending, a.Status)
	assert.Zero(t, a.Attempts)
}

func TestOpen_ResetsInFlight(t *testing.T) {
	st := offline.NewMemoryStore()
	a := offline.Action{Key: "k1", Kind: ledger.KindAward, AccountID: "a", Ref: "r", Amount: 1, Status: offline.StatusInFlight, Attempts: 1}
	require.NoError(t, st.Insert(context.Background(), &a))

	_, err := offline.Open(context.Background(), st, newScripted(), offline.Options{})
	require.NoError(t, err)

	got, err := st.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, offline.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRun_DrainsOnWake(t *testing.T) {
	tr := newScripted()
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	enqueue(t, q, "k1")

	require.Eventually(t, func() bool { return len(tr.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// =============================================================================
// END TO END - Lost response, replayed against a real ledger
// =============================================================================

// lossy commits through the ledger but drops the first response.
type lossy struct {
	inner   offline.Transport
	dropped bool
}

func (l *lossy) Submit(ctx context.Context, a offline.Action) error {
	err := l.inner.Submit(ctx, a)
	if !l.dropped {
		l.dropped = true
		return fmt.Errorf("read response: %w", errNetwork)
	}
	return err
}

func TestDrain_LostResponseIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemory(), ledger.Options{})
	acct, err := l.OpenAccount(ctx, ledger.OpenAccountRequest{FamilyID: "fam-1", MemberID: "kid-1"})
	require.NoError(t, err)

	q, c := openQueue(t, offline.NewMemoryStore(), &lossy{inner: offline.LedgerTransport{Ledger: l}}, offline.Options{})
	_, err = q.Enqueue(ctx, offline.EnqueueRequest{Kind: ledger.KindAward, AccountID: acct.ID, Ref: "task-1", Amount: 10, ActorID: "parent-1"})
	require.NoError(t, err)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	require.True(t, report.Blocked)

	c.Advance(time.Minute)
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, report.Confirmed, 1)

	bal, err := l.Balance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Balance)
}

// =============================================================================
// CLASSIFY
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want offline.Outcome
	}{
		{"success", nil, offline.OutcomeConfirmed},
		{"duplicate", &offline.RemoteError{Kind: ledger.KindDuplicateOperation}, offline.OutcomeConfirmed},
		{"local duplicate", &ledger.DuplicateOperationError{Key: "k"}, offline.OutcomeConfirmed},
		{"insufficient", &offline.RemoteError{Kind: ledger.KindInsufficientBalance}, offline.OutcomeTerminal},
		{"stale", &offline.RemoteError{Kind: ledger.KindStaleKey}, offline.OutcomeTerminal},
		{"invariant", &offline.RemoteError{Kind: ledger.KindInvariantViolation}, offline.OutcomeTerminal},
		{"not found", &offline.RemoteError{Kind: ledger.KindNotFound}, offline.OutcomeTerminal},
		{"contention", &offline.RemoteError{Kind: ledger.KindContention, Retryable: true}, offline.OutcomeRetryable},
		{"server error", &offline.RemoteError{Status: 502, Kind: ledger.KindInternal, Retryable: true}, offline.OutcomeRetryable},
		{"network", errNetwork, offline.OutcomeRetryable},
		{"timeout", context.DeadlineExceeded, offline.OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := offline.Classify(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// offlineFor fails one key with a network error a fixed number of times.
type offlineFor struct {
	inner offline.Transport
	key   string
	fails int
}

func (o *offlineFor) Submit(ctx context.Context, a offline.Action) error {
	if a.Key == o.key && o.fails > 0 {
		o.fails--
		return errNetwork
	}
	return o.inner.Submit(ctx, a)
}

func TestDrain_RedemptionWaitsForParkedAward(t *testing.T) {
	// GIVEN: an award that exhausts its attempts, and a redemption it funds
	ctx := context.Background()
	l := ledger.New(store.NewMemory(), ledger.Options{})
	acct, err := l.OpenAccount(ctx, ledger.OpenAccountRequest{FamilyID: "fam-1", MemberID: "kid-1"})
	require.NoError(t, err)

	tr := &offlineFor{inner: offline.LedgerTransport{Ledger: l}, key: "award-1", fails: 1}
	q, _ := openQueue(t, offline.NewMemoryStore(), tr, offline.Options{MaxAttempts: 1})
	_, err = q.Enqueue(ctx, offline.EnqueueRequest{Key: "award-1", Kind: ledger.KindAward, AccountID: acct.ID, Ref: "task-1", Amount: 10, ActorID: "parent-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, offline.EnqueueRequest{Key: "redeem-1", Kind: ledger.KindRedeem, AccountID: acct.ID, Ref: "bike", Amount: 10, ActorID: "kid-1"})
	require.NoError(t, err)

	// WHEN: the award is parked
	report, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, report.Parked, 1)
	assert.Empty(t, report.Failed, "redemption is not sent ahead of its award")

	// AND: the user retries it
	_, err = q.Retry(ctx, "award-1")
	require.NoError(t, err)
	report, err = q.Drain(ctx)
	require.NoError(t, err)

	// THEN: both commit in enqueue order
	assert.Len(t, report.Confirmed, 2)
	bal, err := l.Balance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)
	assert.Equal(t, int64(10), bal.TotalRedeemed)

	list, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
