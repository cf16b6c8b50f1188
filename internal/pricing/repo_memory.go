package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local development.
type MemoryRepo struct {
	mu     sync.Mutex
	Config OfferConfig
	Offers map[string]CallerOffer
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{Offers: map[string]CallerOffer{}}
}

func (r *MemoryRepo) RateConfig(ctx context.Context) (OfferConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Config, nil
}

func (r *MemoryRepo) SaveRateConfig(ctx context.Context, cfg OfferConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Config = cfg
	return nil
}

func (r *MemoryRepo) CallerOffer(ctx context.Context, userID string) (CallerOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.Offers[userID]
	if !ok {
		return CallerOffer{UserID: userID}, nil
	}
	return o, nil
}

// SetCallerOffer seeds a caller's offer state.
func (r *MemoryRepo) SetCallerOffer(o CallerOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Offers[o.UserID] = o
}
