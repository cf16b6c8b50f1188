package audit

import (
	"context"
	"errors"
	"sync"
)

var ErrDuplicateEvent = errors.New("audit event already recorded")

// MemoryRepo keeps admin audit events in memory, in append order. Like the
// audit_events table it refuses to write an event id twice.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	ids    map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{ids: map[string]struct{}{}} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[e.ID]; ok {
		return ErrDuplicateEvent
	}
	r.ids[e.ID] = struct{}{}
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	return r.filter(func(Event) bool { return true })
}

// ForTarget lists the actions taken on one listener, wallet owner or config.
func (r *MemoryRepo) ForTarget(targetID string) []Event {
	return r.filter(func(e Event) bool { return e.TargetID == targetID })
}

func (r *MemoryRepo) OfType(t EventType) []Event {
	return r.filter(func(e Event) bool { return e.Type == t })
}

func (r *MemoryRepo) filter(keep func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
