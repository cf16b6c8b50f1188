package listeners

import (
	"context"
	"errors"
	"time"
)

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Get(ctx context.Context, listenerID string) (Listener, error) {
	return s.repo.FindByID(ctx, listenerID)
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (Listener, error) {
	return s.repo.FindByUserID(ctx, userID)
}

// VerificationStatus looks a listener up by their user identity. found is
// false for identities with no listener profile.
func (s *Service) VerificationStatus(ctx context.Context, userID string) (VerificationStatus, bool, error) {
	l, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return l.VerificationStatus, true, nil
}

// SetRates changes a listener's pricing. The payout <= rate invariant is
// checked here so a bad write never reaches storage.
func (s *Service) SetRates(ctx context.Context, listenerID string, rates Rates) (Listener, error) {
	if listenerID == "" {
		return Listener{}, ErrNotFound
	}
	if err := rates.Validate(); err != nil {
		return Listener{}, err
	}
	return s.repo.SetRates(ctx, listenerID, rates, s.clock().UTC())
}

func (s *Service) Available(ctx context.Context) ([]Listener, error) {
	return s.repo.ListAvailable(ctx)
}
