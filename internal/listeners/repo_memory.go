package listeners

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local development.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Listener
}

func NewMemoryRepo(seed ...Listener) *MemoryRepo {
	r := &MemoryRepo{byID: map[string]Listener{}}
	for _, l := range seed {
		r.byID[l.ID] = l
	}
	return r
}

func (r *MemoryRepo) Put(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[l.ID] = l
}

func (r *MemoryRepo) FindByID(ctx context.Context, listenerID string) (Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[listenerID]
	if !ok {
		return Listener{}, ErrNotFound
	}
	return l, nil
}

func (r *MemoryRepo) FindByUserID(ctx context.Context, userID string) (Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.byID {
		if l.UserID == userID {
			return l, nil
		}
	}
	return Listener{}, ErrNotFound
}

func (r *MemoryRepo) ListAvailable(ctx context.Context) ([]Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Listener
	for _, l := range r.byID {
		if l.Approved() && l.IsAvailable && !l.IsBusy {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SetRates(ctx context.Context, listenerID string, rates Rates, now time.Time) (Listener, error) {
	if err := rates.Validate(); err != nil {
		return Listener{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[listenerID]
	if !ok {
		return Listener{}, ErrNotFound
	}
	l.UserRatePerMinMinor = rates.UserRatePerMinMinor
	l.PayoutPerMinMinor = rates.PayoutPerMinMinor
	l.UpdatedAt = now
	r.byID[listenerID] = l
	return l, nil
}

func (r *MemoryRepo) SetBusyByUserID(ctx context.Context, userID string, busy bool) error {
	return r.updateByUser(userID, func(l *Listener) { l.IsBusy = busy })
}

func (r *MemoryRepo) SetOnlineByUserID(ctx context.Context, userID string, online bool) error {
	return r.updateByUser(userID, func(l *Listener) { l.IsOnline = online })
}

func (r *MemoryRepo) ClearAllBusy(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, l := range r.byID {
		if l.IsBusy {
			l.IsBusy = false
			r.byID[id] = l
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) updateByUser(userID string, fn func(*Listener)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range r.byID {
		if l.UserID == userID {
			fn(&l)
			r.byID[id] = l
			return nil
		}
	}
	return nil
}

// CreditEarnings mirrors CreditEarningsTx for in-memory stores.
func (r *MemoryRepo) CreditEarnings(listenerID string, earnMinor int64, minutes int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[listenerID]
	if !ok {
		return
	}
	l.WalletBalanceMinor += earnMinor
	l.TotalEarningMinor += earnMinor
	l.TotalCalls++
	l.TotalMinutes += int64(minutes)
	l.UpdatedAt = now
	r.byID[listenerID] = l
}
