package listeners

import (
	"context"
	"errors"
	"testing"

	"listener-calls/internal/pricing"
)

func seeded() *Service {
	return NewService(NewMemoryRepo(
		Listener{ID: "l1", UserID: "lu1", UserRatePerMinMinor: 10, PayoutPerMinMinor: 6, VerificationStatus: VerificationApproved, IsAvailable: true},
		Listener{ID: "l2", UserID: "lu2", UserRatePerMinMinor: 10, PayoutPerMinMinor: 6, VerificationStatus: VerificationPending, IsAvailable: true},
	))
}

func TestRatesValidate(t *testing.T) {
	cases := []struct {
		name  string
		rates Rates
		want  error
	}{
		{"ok", Rates{10, 6}, nil},
		{"equal", Rates{10, 10}, nil},
		{"payout above rate", Rates{10, 11}, ErrPayoutExceedsRate},
		{"zero rate", Rates{0, 0}, pricing.ErrInvalidRate},
		{"zero payout", Rates{10, 0}, pricing.ErrInvalidRate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rates.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestService_SetRatesRejectsPayoutAboveRate(t *testing.T) {
	svc := seeded()
	if _, err := svc.SetRates(context.Background(), "l1", Rates{UserRatePerMinMinor: 5, PayoutPerMinMinor: 6}); !errors.Is(err, ErrPayoutExceedsRate) {
		t.Fatalf("expected ErrPayoutExceedsRate, got %v", err)
	}
	l, _ := svc.Get(context.Background(), "l1")
	if l.UserRatePerMinMinor != 10 {
		t.Fatalf("rejected write must not change rates, got %d", l.UserRatePerMinMinor)
	}

	l, err := svc.SetRates(context.Background(), "l1", Rates{UserRatePerMinMinor: 20, PayoutPerMinMinor: 12})
	if err != nil || l.UserRatePerMinMinor != 20 || l.PayoutPerMinMinor != 12 {
		t.Fatalf("unexpected update %+v %v", l, err)
	}
}

func TestService_VerificationStatus(t *testing.T) {
	svc := seeded()
	st, found, err := svc.VerificationStatus(context.Background(), "lu2")
	if err != nil || !found || st != VerificationPending {
		t.Fatalf("unexpected status %q found=%v err=%v", st, found, err)
	}
	if _, found, _ := svc.VerificationStatus(context.Background(), "nobody"); found {
		t.Fatalf("expected unknown identity")
	}
}

func TestMemoryRepo_BusyMirror(t *testing.T) {
	repo := NewMemoryRepo(Listener{ID: "l1", UserID: "lu1", VerificationStatus: VerificationApproved, IsAvailable: true})
	ctx := context.Background()

	_ = repo.SetBusyByUserID(ctx, "lu1", true)
	if avail, _ := repo.ListAvailable(ctx); len(avail) != 0 {
		t.Fatalf("busy listener must not be available")
	}
	n, _ := repo.ClearAllBusy(ctx)
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if avail, _ := repo.ListAvailable(ctx); len(avail) != 1 {
		t.Fatalf("expected listener available again")
	}
}
