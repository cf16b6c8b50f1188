package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"listener-calls/internal/billing"
)

var t0 = time.Unix(1700000000, 0).UTC()

func seed() *MemoryRepo {
	return NewMemoryRepo(
		billing.Record{CallID: "c1", UserID: "u1", ListenerID: "l1", Minutes: 2, UserChargeMinor: 800, ListenerEarnMinor: 500, EndedAt: t0},
		billing.Record{CallID: "c2", UserID: "u1", ListenerID: "l2", Minutes: 0, EndedAt: t0.Add(time.Minute)},
		billing.Record{CallID: "c3", UserID: "u2", ListenerID: "l1", Minutes: 3, UserChargeMinor: 1200, ListenerEarnMinor: 750, EndedAt: t0.Add(2 * time.Hour)},
	)
}

func TestListenerEarnings_AggregatesRecords(t *testing.T) {
	svc := NewService(seed())

	out, err := svc.ListenerEarnings(context.Background(), "l1", TimeRange{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Calls != 2 || out.Minutes != 5 || out.EarnedMinor != 1250 {
		t.Fatalf("unexpected summary %+v", out)
	}
	if out.AverageMinor != 625 {
		t.Fatalf("expected average 625, got %d", out.AverageMinor)
	}
}

func TestListenerEarnings_RespectsRange(t *testing.T) {
	svc := NewService(seed())

	out, err := svc.ListenerEarnings(context.Background(), "l1", TimeRange{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Calls != 1 || out.EarnedMinor != 500 {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestUserSpend_CountsZeroChargeCalls(t *testing.T) {
	svc := NewService(seed())

	out, err := svc.UserSpend(context.Background(), "u1", TimeRange{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Calls != 2 || out.ZeroChargeCalls != 1 || out.SpentMinor != 800 {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestReports_RejectInvertedRange(t *testing.T) {
	svc := NewService(seed())
	bad := TimeRange{From: t0, To: t0.Add(-time.Second)}

	if _, err := svc.UserSpend(context.Background(), "u1", bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.ListenerEarnings(context.Background(), "", TimeRange{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
