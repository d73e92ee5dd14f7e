package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/chore-rewards/ledger"
)

// Status is the replay state of a queued action.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusConfirmed       Status = "confirmed"
	StatusRetryableFailed Status = "retryable_failed"
	StatusTerminalFailed  Status = "terminal_failed"
	StatusNeedsRetry      Status = "needs_retry"
)

// Action is one not-yet-confirmed ledger request held on the device.
// Key is the idempotency key; it is fixed at enqueue and reused on every
// attempt.
type Action struct {
	Key           string
	Seq           int64 // enqueue order, assigned by the store
	Kind          ledger.Kind
	AccountID     ledger.AccountID
	Ref           string // task id for awards, reward id for redemptions
	Amount        int64
	ActorID       string
	Note          string
	Status        Status
	Attempts      int
	NextRetryAt   time.Time
	LastError     string
	LastErrorKind ledger.ErrorKind
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// due reports whether a pending or retryable action may be attempted at now.
func (a Action) due(now time.Time) bool {
	return a.NextRetryAt.IsZero() || !now.Before(a.NextRetryAt)
}

// ErrActionNotFound is returned for an unknown key.
var ErrActionNotFound = errors.New("queued action not found")

// Store persists queued actions on the device.
type Store interface {
	// Insert adds a and assigns Seq. Inserting an existing key fails.
	Insert(ctx context.Context, a *Action) error
	Update(ctx context.Context, a Action) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (Action, error)
	// List returns actions in enqueue order.
	List(ctx context.Context) ([]Action, error)
	// ResetInFlight moves in_flight actions back to pending.
	ResetInFlight(ctx context.Context) (int, error)
	Close() error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a non-durable Store for tests and ephemeral clients.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]Action
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]Action)}
}

func (s *MemoryStore) Insert(_ context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.Key]; ok {
		return fmt.Errorf("action %s already queued", a.Key)
	}
	s.seq++
	a.Seq = s.seq
	s.actions[a.Key] = *a
	return nil
}

func (s *MemoryStore) Update(_ context.Context, a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.Key]; !ok {
		return ErrActionNotFound
	}
	s.actions[a.Key] = a
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[key]
	if !ok {
		return Action{}, ErrActionNotFound
	}
	return a, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ResetInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, a := range s.actions {
		if a.Status == StatusInFlight {
			a.Status = StatusPending
			s.actions[k] = a
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
