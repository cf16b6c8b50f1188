package reporting

import (
	"context"
	"sync"
	"time"

	"listener-calls/internal/billing"
)

// MemoryRepo serves reports from a fixed set of billing records.
type MemoryRepo struct {
	mu      sync.Mutex
	records []billing.Record
}

func NewMemoryRepo(records ...billing.Record) *MemoryRepo {
	return &MemoryRepo{records: append([]billing.Record(nil), records...)}
}

func (r *MemoryRepo) Add(rec billing.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *MemoryRepo) ListRecords(ctx context.Context, party Party, id string, from, to time.Time) ([]billing.Record, error) {
	rng := TimeRange{From: from, To: to}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.Record, 0)
	for _, rec := range r.records {
		owner := rec.UserID
		if party == PartyListener {
			owner = rec.ListenerID
		}
		if owner != id || !rng.contains(rec.EndedAt) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
