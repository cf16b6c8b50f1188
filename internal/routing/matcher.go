// Package routing picks a listener for a random call.
package routing

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"listener-calls/internal/listeners"
)

var ErrNoListener = errors.New("routing: no listener available")

// Candidates lists approved, available listeners not flagged busy.
type Candidates interface {
	ListAvailable(ctx context.Context) ([]listeners.Listener, error)
}

// Live answers presence and busy questions from the signaling layer, which
// is authoritative while the process runs.
type Live interface {
	IsOnline(userID string) bool
	IsBusy(ctx context.Context, listenerUserID string) (bool, error)
}

// Matcher chooses a random online, non-busy listener, weighted by rating.
// Unrated listeners keep a base weight so new listeners still get calls.
type Matcher struct {
	source Candidates
	live   Live

	mu  sync.Mutex
	rng *rand.Rand
}

const baseWeight = 100

func NewMatcher(source Candidates, live Live, rng *rand.Rand) *Matcher {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Matcher{source: source, live: live, rng: rng}
}

type candidate struct {
	listener listeners.Listener
	weight   int
}

// Pick returns a listener for callerID, never the caller's own profile.
func (m *Matcher) Pick(ctx context.Context, callerID string) (listeners.Listener, error) {
	all, err := m.source.ListAvailable(ctx)
	if err != nil {
		return listeners.Listener{}, err
	}

	eligible := make([]candidate, 0, len(all))
	for _, l := range all {
		if l.UserID == callerID || l.UserRatePerMinMinor <= 0 {
			continue
		}
		if !l.IsOnline && !m.live.IsOnline(l.UserID) {
			continue
		}
		busy, err := m.live.IsBusy(ctx, l.UserID)
		if err != nil {
			return listeners.Listener{}, err
		}
		if busy {
			continue
		}
		eligible = append(eligible, candidate{listener: l, weight: weightFor(l.AverageRating)})
	}

	if l, ok := m.pick(eligible); ok {
		return l, nil
	}
	return listeners.Listener{}, ErrNoListener
}

func weightFor(rating float64) int {
	if rating < 0 || math.IsNaN(rating) {
		rating = 0
	}
	return baseWeight + int(math.Round(rating*baseWeight))
}

func (m *Matcher) pick(cands []candidate) (listeners.Listener, bool) {
	var total int
	for _, c := range cands {
		total += c.weight
	}
	if total <= 0 {
		return listeners.Listener{}, false
	}

	m.mu.Lock()
	r := m.rng.Intn(total)
	m.mu.Unlock()

	var acc int
	for _, c := range cands {
		acc += c.weight
		if r < acc {
			return c.listener, true
		}
	}
	return listeners.Listener{}, false
}
