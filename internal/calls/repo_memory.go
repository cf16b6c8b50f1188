package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local development.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: map[string]Call{}}
}

func (r *MemoryRepo) Insert(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	r.calls[c.CallID] = c
	return nil
}

func (r *MemoryRepo) FindByID(ctx context.Context, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return c, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, callID string, to CallStatus, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if !CanTransition(c.Status, to) {
		return Call{}, ErrInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = now
	r.calls[callID] = c
	return c, nil
}

func (r *MemoryRepo) MarkStarted(ctx context.Context, callID string, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if c.Status == CallStatusOngoing {
		return c, nil
	}
	if !CanTransition(c.Status, CallStatusOngoing) {
		return Call{}, ErrInvalidTransition
	}
	c.Status = CallStatusOngoing
	if c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	c.UpdatedAt = now
	r.calls[callID] = c
	return c, nil
}

// Complete mirrors CompleteTx for stores that keep calls in memory.
func (r *MemoryRepo) Complete(callID string, done Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.calls[callID]
	c.Status = CallStatusCompleted
	t := done.EndedAt
	c.EndedAt = &t
	c.DurationSeconds = done.DurationSeconds
	c.BilledMinutes = done.BilledMinutes
	c.TotalCostMinor = done.TotalCostMinor
	c.OfferApplied = done.OfferApplied
	c.UpdatedAt = done.EndedAt
	r.calls[callID] = c
}

func (r *MemoryRepo) ListForCaller(ctx context.Context, callerID string, limit int) ([]Call, error) {
	return r.filter(limit, func(c Call) bool { return c.CallerID == callerID }), nil
}

func (r *MemoryRepo) ListForListener(ctx context.Context, listenerID string, limit int) ([]Call, error) {
	return r.filter(limit, func(c Call) bool { return c.ListenerID == listenerID }), nil
}

func (r *MemoryRepo) ActiveForUser(ctx context.Context, userID string) ([]Call, error) {
	return r.filter(0, func(c Call) bool { return c.HasParty(userID) && c.Status.Live() }), nil
}

func (r *MemoryRepo) filter(limit int, keep func(Call) bool) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
