package reporting

import (
	"context"
	"errors"
	"time"

	"listener-calls/internal/billing"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository reads immutable billing records.
type Repository interface {
	ListRecords(ctx context.Context, party Party, id string, from, to time.Time) ([]billing.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) ListenerEarnings(ctx context.Context, listenerID string, rng TimeRange) (EarningsSummary, error) {
	if listenerID == "" || !rng.valid() {
		return EarningsSummary{}, ErrInvalidRequest
	}
	rows, err := s.repo.ListRecords(ctx, PartyListener, listenerID, rng.From, rng.To)
	if err != nil {
		return EarningsSummary{}, err
	}

	out := EarningsSummary{ListenerID: listenerID, Range: rng}
	for _, r := range rows {
		out.Calls++
		out.Minutes += r.Minutes
		out.EarnedMinor += r.ListenerEarnMinor
		if r.ListenerEarnMinor > 0 {
			out.PaidCalls++
		}
	}
	if out.PaidCalls > 0 {
		out.AverageMinor = out.EarnedMinor / int64(out.PaidCalls)
	}
	return out, nil
}

func (s *Service) UserSpend(ctx context.Context, userID string, rng TimeRange) (SpendSummary, error) {
	if userID == "" || !rng.valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	rows, err := s.repo.ListRecords(ctx, PartyCaller, userID, rng.From, rng.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{UserID: userID, Range: rng}
	for _, r := range rows {
		out.Calls++
		out.Minutes += r.Minutes
		out.SpentMinor += r.UserChargeMinor
		if r.UserChargeMinor == 0 {
			out.ZeroChargeCalls++
		}
	}
	return out, nil
}
