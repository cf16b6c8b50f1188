package billing

import (
	"context"
	"sync"
	"time"

	"listener-calls/internal/calls"
	"listener-calls/internal/listeners"
	"listener-calls/internal/pricing"
)

// MemoryStore is an in-memory Store for tests and local development.
// Transactions are serialised and their writes are applied only on commit,
// so a failing unit of work leaves no trace.
type MemoryStore struct {
	mu sync.Mutex // held for a whole transaction

	Calls     *calls.MemoryRepo
	Listeners *listeners.MemoryRepo
	Offers    *pricing.MemoryRepo

	wmu        sync.Mutex
	wallets    map[string]int64
	records    map[string]Record
	audit      []AuditEntry
	failDebits map[string]int
}

func NewMemoryStore(c *calls.MemoryRepo, l *listeners.MemoryRepo, o *pricing.MemoryRepo) *MemoryStore {
	return &MemoryStore{
		Calls:      c,
		Listeners:  l,
		Offers:     o,
		wallets:    map[string]int64{},
		records:    map[string]Record{},
		failDebits: map[string]int{},
	}
}

func (s *MemoryStore) SetBalance(userID string, minor int64) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.wallets[userID] = minor
}

// BalanceMinor lets the store stand in for the wallet service.
func (s *MemoryStore) BalanceMinor(ctx context.Context, userID string) (int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.wallets[userID], nil
}

// FailNextDebit makes the next conditional decrement for userID match no
// row, as if a concurrent writer had drained the wallet.
func (s *MemoryStore) FailNextDebit(userID string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.failDebits[userID]++
}

func (s *MemoryStore) Records() []Record {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *MemoryStore) Audit() []AuditEntry {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, op := range tx.ops {
		op()
	}
	return nil
}

type memTx struct {
	s   *MemoryStore
	ops []func()
}

func (t *memTx) onCommit(op func()) { t.ops = append(t.ops, op) }

func (t *memTx) LockCall(ctx context.Context, callID string) (calls.Call, error) {
	return t.s.Calls.FindByID(ctx, callID)
}

func (t *memTx) FindRecord(ctx context.Context, callID string) (Record, bool, error) {
	t.s.wmu.Lock()
	defer t.s.wmu.Unlock()
	r, ok := t.s.records[callID]
	return r, ok, nil
}

func (t *memTx) LockListener(ctx context.Context, listenerID string) (listeners.Listener, error) {
	return t.s.Listeners.FindByID(ctx, listenerID)
}

func (t *memTx) LockCallerOffer(ctx context.Context, userID string) (pricing.CallerOffer, error) {
	return t.s.Offers.CallerOffer(ctx, userID)
}

func (t *memTx) RateConfig(ctx context.Context) (pricing.OfferConfig, error) {
	return t.s.Offers.RateConfig(ctx)
}

func (t *memTx) LockWallet(ctx context.Context, userID string, now time.Time) (int64, error) {
	return t.s.BalanceMinor(ctx, userID)
}

func (t *memTx) DebitWallet(ctx context.Context, userID string, amountMinor int64, callID string, now time.Time) (int64, bool, error) {
	t.s.wmu.Lock()
	defer t.s.wmu.Unlock()
	if t.s.failDebits[userID] > 0 {
		t.s.failDebits[userID]--
		return 0, false, nil
	}
	bal := t.s.wallets[userID]
	if bal < amountMinor {
		return 0, false, nil
	}
	t.onCommit(func() {
		t.s.wmu.Lock()
		defer t.s.wmu.Unlock()
		t.s.wallets[userID] -= amountMinor
	})
	return bal - amountMinor, true, nil
}

func (t *memTx) CreditListener(ctx context.Context, listenerID string, earnMinor int64, minutes int, now time.Time) error {
	t.onCommit(func() { t.s.Listeners.CreditEarnings(listenerID, earnMinor, minutes, now) })
	return nil
}

func (t *memTx) MarkOfferUsed(ctx context.Context, userID string, now time.Time) error {
	o, err := t.s.Offers.CallerOffer(ctx, userID)
	if err != nil {
		return err
	}
	t.onCommit(func() {
		o.OfferUsed = true
		t.s.Offers.SetCallerOffer(o)
	})
	return nil
}

func (t *memTx) CompleteCall(ctx context.Context, callID string, done calls.Completion) error {
	t.onCommit(func() { t.s.Calls.Complete(callID, done) })
	return nil
}

func (t *memTx) InsertRecord(ctx context.Context, r Record) error {
	t.s.wmu.Lock()
	_, dup := t.s.records[r.CallID]
	t.s.wmu.Unlock()
	if dup {
		return errDuplicateRecord
	}
	t.onCommit(func() {
		t.s.wmu.Lock()
		defer t.s.wmu.Unlock()
		t.s.records[r.CallID] = r
	})
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, a AuditEntry) error {
	t.onCommit(func() {
		t.s.wmu.Lock()
		defer t.s.wmu.Unlock()
		t.s.audit = append(t.s.audit, a)
	})
	return nil
}
