package pricing

import (
	"context"
	"time"
)

// Service resolves what a caller pays per minute before a call and manages
// the first-time offer. Pure calculation lives in calc.go.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Quote is the rate a caller would be charged for a call to a listener.
type Quote struct {
	Rate         Rate `json:"rate"`
	OfferApplied bool `json:"offer_applied"`
}

// MinimumBalanceMinor is what the caller must hold to start: one minute at
// the quoted rate, rounded half-up.
func (q Quote) MinimumBalanceMinor() int64 { return Charge(1, q.Rate) }

// QuoteFor resolves the effective rate for callerID against a listener's
// standard per-minute rate.
func (s *Service) QuoteFor(ctx context.Context, callerID string, standardMinor int64) (Quote, error) {
	if standardMinor <= 0 {
		return Quote{}, ErrInvalidRate
	}
	offer, err := s.repo.CallerOffer(ctx, callerID)
	if err != nil {
		return Quote{}, err
	}
	cfg, err := s.repo.RateConfig(ctx)
	if err != nil {
		return Quote{}, err
	}
	r, applied := EffectiveRate(standardMinor, offer, cfg)
	return Quote{Rate: r, OfferApplied: applied}, nil
}

func (s *Service) RateConfig(ctx context.Context) (OfferConfig, error) {
	return s.repo.RateConfig(ctx)
}

// UpdateRateConfig replaces the active offer.
func (s *Service) UpdateRateConfig(ctx context.Context, cfg OfferConfig) (OfferConfig, error) {
	if err := cfg.Validate(); err != nil {
		return OfferConfig{}, err
	}
	cfg.UpdatedAt = s.clock().UTC()
	if err := s.repo.SaveRateConfig(ctx, cfg); err != nil {
		return OfferConfig{}, err
	}
	return cfg, nil
}
