package routing

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"listener-calls/internal/listeners"
)

type stubLive struct {
	online map[string]bool
	busy   map[string]bool
	err    error
}

func (s stubLive) IsOnline(userID string) bool { return s.online[userID] }

func (s stubLive) IsBusy(ctx context.Context, userID string) (bool, error) {
	return s.busy[userID], s.err
}

func approved(id, userID string, rating float64) listeners.Listener {
	return listeners.Listener{
		ID:                  id,
		UserID:              userID,
		UserRatePerMinMinor: 400,
		PayoutPerMinMinor:   250,
		IsAvailable:         true,
		VerificationStatus:  listeners.VerificationApproved,
		AverageRating:       rating,
	}
}

func TestMatcher_SkipsOfflineBusyAndSelf(t *testing.T) {
	repo := listeners.NewMemoryRepo(
		approved("l1", "u-self", 5),
		approved("l2", "u-offline", 5),
		approved("l3", "u-busy", 5),
		approved("l4", "u-ok", 0),
	)
	live := stubLive{
		online: map[string]bool{"u-self": true, "u-busy": true, "u-ok": true},
		busy:   map[string]bool{"u-busy": true},
	}
	m := NewMatcher(repo, live, rand.New(rand.NewSource(7)))

	for i := 0; i < 20; i++ {
		got, err := m.Pick(context.Background(), "u-self")
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if got.ID != "l4" {
			t.Fatalf("expected l4, got %s", got.ID)
		}
	}
}

func TestMatcher_NoneAvailable(t *testing.T) {
	repo := listeners.NewMemoryRepo(approved("l1", "u1", 3))
	m := NewMatcher(repo, stubLive{}, rand.New(rand.NewSource(1)))

	if _, err := m.Pick(context.Background(), "caller"); !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}
}

func TestMatcher_PrefersHigherRating(t *testing.T) {
	repo := listeners.NewMemoryRepo(approved("low", "u-low", 0), approved("high", "u-high", 5))
	live := stubLive{online: map[string]bool{"u-low": true, "u-high": true}}
	m := NewMatcher(repo, live, rand.New(rand.NewSource(42)))

	counts := map[string]int{}
	for i := 0; i < 600; i++ {
		got, err := m.Pick(context.Background(), "caller")
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		counts[got.ID]++
	}
	// weights 100 vs 600
	if counts["high"] <= 3*counts["low"] {
		t.Fatalf("expected rating to dominate, got %v", counts)
	}
}

func TestMatcher_PropagatesBusyLookupError(t *testing.T) {
	boom := errors.New("redis down")
	repo := listeners.NewMemoryRepo(approved("l1", "u1", 1))
	live := stubLive{online: map[string]bool{"u1": true}, err: boom}
	m := NewMatcher(repo, live, nil)

	if _, err := m.Pick(context.Background(), "caller"); !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
