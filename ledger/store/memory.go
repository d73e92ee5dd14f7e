// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/chore-rewards/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory ledger.Store with optimistic concurrency.
//
// A transaction buffers its writes and remembers the version of every
// document it read. At commit the read and write sets are validated
// against the committed state under the write lock; any mismatch aborts
// the transaction with ledger.ErrConflict and nothing is applied.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[ledger.AccountID]ledger.Account
	idem      map[string]ledger.IdempotencyRecord
	entries   map[ledger.EntryID]ledger.Entry
	order     []ledger.EntryID // index i holds Seq i+1
	byAccount map[ledger.AccountID][]ledger.EntryID
	audit     []ledger.AuditEntry
	members   map[ledger.MemberID]ledger.Member
	streaks   map[ledger.MemberID]ledger.StreakState
	progress  map[progressKey]ledger.AchievementProgress
	cursors   map[string]int64

	// BeforeCommit, if set, runs after fn returns and before validation.
	// Tests use it to force interleavings.
	BeforeCommit func()
}

type progressKey struct {
	Member ledger.MemberID
	Def    string
}

type docKey struct {
	coll string
	id   string
}

const (
	collAccount  = "account"
	collIdem     = "idempotency"
	collEntry    = "entry"
	collStreak   = "streak"
	collProgress = "progress"
)

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[ledger.AccountID]ledger.Account),
		idem:      make(map[string]ledger.IdempotencyRecord),
		entries:   make(map[ledger.EntryID]ledger.Entry),
		byAccount: make(map[ledger.AccountID][]ledger.EntryID),
		members:   make(map[ledger.MemberID]ledger.Member),
		streaks:   make(map[ledger.MemberID]ledger.StreakState),
		progress:  make(map[progressKey]ledger.AchievementProgress),
		cursors:   make(map[string]int64),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunTx executes fn against a buffered view and commits it atomically.
func (m *Memory) RunTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		m.BeforeCommit()
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, seen := range tx.reads {
		if m.versionLocked(k) != seen {
			return fmt.Errorf("%w: %s %s changed", ledger.ErrConflict, k.coll, k.id)
		}
	}
	for k, expected := range tx.expect {
		if m.versionLocked(k) != expected {
			return fmt.Errorf("%w: %s %s version mismatch", ledger.ErrConflict, k.coll, k.id)
		}
	}

	for _, a := range tx.accounts {
		m.accounts[a.ID] = a
	}
	for _, r := range tx.idem {
		m.idem[r.Key] = r
	}
	for _, e := range tx.entries {
		e.Seq = int64(len(m.order) + 1)
		m.entries[e.ID] = e
		m.order = append(m.order, e.ID)
		m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], e.ID)
	}
	m.audit = append(m.audit, tx.audit...)
	for _, mem := range tx.members {
		m.members[mem.ID] = mem
	}
	for _, s := range tx.streaks {
		m.streaks[s.MemberID] = s
	}
	for k, p := range tx.progress {
		m.progress[k] = p
	}
	return nil
}

// versionLocked returns the committed version of a document, 0 if absent.
func (m *Memory) versionLocked(k docKey) int64 {
	switch k.coll {
	case collAccount:
		if a, ok := m.accounts[ledger.AccountID(k.id)]; ok {
			return a.Version
		}
	case collIdem:
		if r, ok := m.idem[k.id]; ok {
			return r.Revision
		}
	case collEntry:
		if _, ok := m.entries[ledger.EntryID(k.id)]; ok {
			return 1
		}
	case collStreak:
		if s, ok := m.streaks[ledger.MemberID(k.id)]; ok {
			return s.Version
		}
	case collProgress:
		member, def := splitProgressID(k.id)
		if p, ok := m.progress[progressKey{Member: member, Def: def}]; ok {
			return p.Version
		}
	}
	return 0
}

func progressID(member ledger.MemberID, def string) string { return string(member) + "\x00" + def }

func splitProgressID(id string) (ledger.MemberID, string) {
	for i := 0; i < len(id); i++ {
		if id[i] == 0 {
			return ledger.MemberID(id[:i]), id[i+1:]
		}
	}
	return ledger.MemberID(id), ""
}

// =============================================================================
// TX VIEW
// =============================================================================

type memTx struct {
	m      *Memory
	reads  map[docKey]int64 // version observed on first read
	expect map[docKey]int64 // version expected by first write

	accounts map[ledger.AccountID]ledger.Account
	idem     map[string]ledger.IdempotencyRecord
	entries  []ledger.Entry
	audit    []ledger.AuditEntry
	members  map[ledger.MemberID]ledger.Member
	streaks  map[ledger.MemberID]ledger.StreakState
	progress map[progressKey]ledger.AchievementProgress
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:        m,
		reads:    make(map[docKey]int64),
		expect:   make(map[docKey]int64),
		accounts: make(map[ledger.AccountID]ledger.Account),
		idem:     make(map[string]ledger.IdempotencyRecord),
		members:  make(map[ledger.MemberID]ledger.Member),
		streaks:  make(map[ledger.MemberID]ledger.StreakState),
		progress: make(map[progressKey]ledger.AchievementProgress),
	}
}

func (t *memTx) observe(k docKey, version int64) {
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = version
	}
}

// stage validates a buffered write against earlier writes of the same
// document in this transaction, and records the expectation otherwise.
func (t *memTx) stage(k docKey, pendingVersion int64, pending bool, expected int64) error {
	if pending {
		if pendingVersion != expected {
			return fmt.Errorf("%w: %s %s written twice with stale version", ledger.ErrConflict, k.coll, k.id)
		}
		return nil
	}
	if _, ok := t.expect[k]; !ok {
		t.expect[k] = expected
	}
	return nil
}

func (t *memTx) Account(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.m.mu.RLock()
	a, ok := t.m.accounts[id]
	t.m.mu.RUnlock()
	k := docKey{collAccount, string(id)}
	if !ok {
		t.observe(k, 0)
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	t.observe(k, a.Version)
	return a, nil
}

func (t *memTx) CreateAccount(_ context.Context, a ledger.Account) error {
	k := docKey{collAccount, string(a.ID)}
	if _, ok := t.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	t.m.mu.RLock()
	_, exists := t.m.accounts[a.ID]
	t.m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	if _, ok := t.expect[k]; !ok {
		t.expect[k] = 0
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *memTx) SaveAccount(_ context.Context, a ledger.Account, expectedVersion int64) error {
	k := docKey{collAccount, string(a.ID)}
	pending, ok := t.accounts[a.ID]
	if err := t.stage(k, pending.Version, ok, expectedVersion); err != nil {
		return err
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *memTx) FamilyAccounts(_ context.Context, family ledger.FamilyID) ([]ledger.Account, error) {
	t.m.mu.RLock()
	var out []ledger.Account
	for _, a := range t.m.accounts {
		if a.FamilyID == family {
			out = append(out, a)
		}
	}
	t.m.mu.RUnlock()

	for i, a := range out {
		if p, ok := t.accounts[a.ID]; ok {
			out[i] = p
			continue
		}
		t.observe(docKey{collAccount, string(a.ID)}, a.Version)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) IdempotencyRecord(_ context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	if r, ok := t.idem[key]; ok {
		return r, true, nil
	}
	t.m.mu.RLock()
	r, ok := t.m.idem[key]
	t.m.mu.RUnlock()
	k := docKey{collIdem, key}
	if !ok {
		t.observe(k, 0)
		return ledger.IdempotencyRecord{}, false, nil
	}
	t.observe(k, r.Revision)
	return r, true, nil
}

func (t *memTx) SaveIdempotencyRecord(_ context.Context, rec ledger.IdempotencyRecord, expectedRevision int64) error {
	k := docKey{collIdem, rec.Key}
	pending, ok := t.idem[rec.Key]
	if err := t.stage(k, pending.Revision, ok, expectedRevision); err != nil {
		return err
	}
	t.idem[rec.Key] = rec
	return nil
}

func (t *memTx) Entry(_ context.Context, id ledger.EntryID) (ledger.Entry, bool, error) {
	for _, e := range t.entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	t.m.mu.RLock()
	e, ok := t.m.entries[id]
	t.m.mu.RUnlock()
	k := docKey{collEntry, string(id)}
	if !ok {
		t.observe(k, 0)
		return ledger.Entry{}, false, nil
	}
	t.observe(k, 1)
	return e, true, nil
}

func (t *memTx) InsertEntry(_ context.Context, e ledger.Entry) error {
	for _, p := range t.entries {
		if p.ID == e.ID {
			return fmt.Errorf("%w: entry %s inserted twice", ledger.ErrConflict, e.ID)
		}
	}
	k := docKey{collEntry, string(e.ID)}
	if _, ok := t.expect[k]; !ok {
		t.expect[k] = 0
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, a ledger.AuditEntry) error {
	t.audit = append(t.audit, a)
	return nil
}

func (t *memTx) Member(_ context.Context, id ledger.MemberID) (ledger.Member, bool, error) {
	if m, ok := t.members[id]; ok {
		return m, true, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	m, ok := t.m.members[id]
	return m, ok, nil
}

func (t *memTx) SaveMember(_ context.Context, m ledger.Member) error {
	t.members[m.ID] = m
	return nil
}

func (t *memTx) StreakState(_ context.Context, id ledger.MemberID) (ledger.StreakState, bool, error) {
	if s, ok := t.streaks[id]; ok {
		return s, true, nil
	}
	t.m.mu.RLock()
	s, ok := t.m.streaks[id]
	t.m.mu.RUnlock()
	k := docKey{collStreak, string(id)}
	if !ok {
		t.observe(k, 0)
		return ledger.StreakState{}, false, nil
	}
	t.observe(k, s.Version)
	return s, true, nil
}

func (t *memTx) SaveStreakState(_ context.Context, s ledger.StreakState, expectedVersion int64) error {
	k := docKey{collStreak, string(s.MemberID)}
	pending, ok := t.streaks[s.MemberID]
	if err := t.stage(k, pending.Version, ok, expectedVersion); err != nil {
		return err
	}
	t.streaks[s.MemberID] = s
	return nil
}

func (t *memTx) AchievementProgress(_ context.Context, member ledger.MemberID, def string) (ledger.AchievementProgress, bool, error) {
	pk := progressKey{Member: member, Def: def}
	if p, ok := t.progress[pk]; ok {
		return p, true, nil
	}
	t.m.mu.RLock()
	p, ok := t.m.progress[pk]
	t.m.mu.RUnlock()
	k := docKey{collProgress, progressID(member, def)}
	if !ok {
		t.observe(k, 0)
		return ledger.AchievementProgress{}, false, nil
	}
	t.observe(k, p.Version)
	return p, true, nil
}

func (t *memTx) SaveAchievementProgress(_ context.Context, p ledger.AchievementProgress, expectedVersion int64) error {
	pk := progressKey{Member: p.MemberID, Def: p.DefinitionID}
	k := docKey{collProgress, progressID(p.MemberID, p.DefinitionID)}
	pending, ok := t.progress[pk]
	if err := t.stage(k, pending.Version, ok, expectedVersion); err != nil {
		return err
	}
	t.progress[pk] = p
	return nil
}

// =============================================================================
// READER - Committed state
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListEntries(_ context.Context, account ledger.AccountID, afterSeq int64, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Entry
	for _, id := range m.byAccount[account] {
		e := m.entries[id]
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) EntriesAfter(_ context.Context, afterSeq int64, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Entry
	for i := int(afterSeq); i >= 0 && i < len(m.order); i++ {
		out = append(out, m.entries[m.order[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditEntry
	for _, a := range m.audit {
		if a.AccountID != f.AccountID {
			continue
		}
		if !f.From.IsZero() && a.At.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.At.Before(f.To) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetMember(_ context.Context, id ledger.MemberID) (ledger.Member, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	return mem, ok, nil
}

func (m *Memory) GetStreakState(_ context.Context, id ledger.MemberID) (ledger.StreakState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streaks[id]
	return s, ok, nil
}

func (m *Memory) ListAchievementProgress(_ context.Context, member ledger.MemberID) ([]ledger.AchievementProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AchievementProgress
	for k, p := range m.progress {
		if k.Member == member {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out, nil
}

func (m *Memory) MemberStats(_ context.Context, member ledger.MemberID, since time.Time) (ledger.MemberStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ledger.MemberStats{MemberID: member}
	for _, id := range m.order {
		e := m.entries[id]
		if e.MemberID != member {
			continue
		}
		switch e.Kind {
		case ledger.KindAward:
			stats.TotalEarned += e.Amount
			stats.AwardCount++
			if !e.CreatedAt.Before(since) {
				stats.EarnedSince += e.Amount
			}
		case ledger.KindRedeem:
			stats.TotalRedeemed += e.Amount
			stats.RedeemCount++
		}
	}
	return stats, nil
}

func (m *Memory) Cursor(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *Memory) SaveCursor(_ context.Context, name string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = seq
	return nil
}

func (m *Memory) PurgeIdempotencyRecords(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.idem {
		if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(cutoff) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}
