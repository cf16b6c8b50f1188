package calls

import (
	"context"
	"errors"
	"time"

	"listener-calls/internal/listeners"
	"listener-calls/internal/pricing"

	"github.com/google/uuid"
)

// ListenerReader is the listener lookup the pre-call checks need.
type ListenerReader interface {
	FindByID(ctx context.Context, listenerID string) (listeners.Listener, error)
}

// Quoter resolves the caller's effective rate.
type Quoter interface {
	QuoteFor(ctx context.Context, callerID string, standardMinor int64) (pricing.Quote, error)
}

// BalanceReader reads a caller's wallet balance.
type BalanceReader interface {
	BalanceMinor(ctx context.Context, userID string) (int64, error)
}

// Availability answers live presence and busy questions from the signaling
// layer, which owns that state.
type Availability interface {
	IsOnline(userID string) bool
	IsBusy(ctx context.Context, listenerUserID string) (bool, error)
}

const defaultHistoryLimit = 50

// Service owns call rows: creation with pre-call checks, forward-only status
// changes and reads. Ending a call is billed by the billing ledger.
type Service struct {
	repo      Repository
	listeners ListenerReader
	quotes    Quoter
	wallets   BalanceReader
	avail     Availability
	clock     func() time.Time
}

func NewService(repo Repository, l ListenerReader, q Quoter, w BalanceReader, a Availability) *Service {
	return &Service{repo: repo, listeners: l, quotes: q, wallets: w, avail: a, clock: time.Now}
}

type CreateRequest struct {
	CallerID   string   `json:"-"`
	ListenerID string   `json:"listener_id"`
	CallType   CallType `json:"call_type"`
}

// Create runs the pre-call checks and stores a pending call with the
// effective rate snapshot.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Call, pricing.Quote, error) {
	if req.CallerID == "" || req.ListenerID == "" {
		return Call{}, pricing.Quote{}, ErrInvalidArgument
	}
	if req.CallType == "" {
		req.CallType = CallTypeAudio
	}
	if !req.CallType.Valid() {
		return Call{}, pricing.Quote{}, ErrInvalidArgument
	}

	l, err := s.listeners.FindByID(ctx, req.ListenerID)
	if err != nil {
		return Call{}, pricing.Quote{}, err
	}
	if l.UserID == req.CallerID {
		return Call{}, pricing.Quote{}, ErrInvalidArgument
	}
	if !l.Approved() {
		return Call{}, pricing.Quote{}, ErrListenerNotApproved
	}
	if !l.IsAvailable || !(l.IsOnline || s.avail.IsOnline(l.UserID)) {
		return Call{}, pricing.Quote{}, ErrListenerUnavailable
	}
	busy, err := s.avail.IsBusy(ctx, l.UserID)
	if err != nil {
		return Call{}, pricing.Quote{}, err
	}
	if busy || l.IsBusy {
		return Call{}, pricing.Quote{}, ErrListenerBusy
	}
	if l.UserRatePerMinMinor <= 0 {
		return Call{}, pricing.Quote{}, pricing.ErrInvalidRate
	}

	quote, err := s.quotes.QuoteFor(ctx, req.CallerID, l.UserRatePerMinMinor)
	if err != nil {
		return Call{}, pricing.Quote{}, err
	}
	balance, err := s.wallets.BalanceMinor(ctx, req.CallerID)
	if err != nil {
		return Call{}, pricing.Quote{}, err
	}
	if balance < quote.MinimumBalanceMinor() {
		return Call{}, quote, ErrInsufficientBalance
	}

	now := s.clock().UTC()
	c := Call{
		CallID:         uuid.NewString(),
		CallerID:       req.CallerID,
		ListenerID:     l.ID,
		ListenerUserID: l.UserID,
		CallType:       req.CallType,
		RateMinor:      quote.Rate.Minor,
		RatePer:        quote.Rate.Per,
		OfferApplied:   quote.OfferApplied,
		Status:         CallStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return Call{}, pricing.Quote{}, err
	}
	return c, quote, nil
}

// Get returns a call visible to requesterID. Admins see every call.
func (s *Service) Get(ctx context.Context, callID, requesterID string, admin bool) (Call, error) {
	c, err := s.repo.FindByID(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !admin && !c.HasParty(requesterID) {
		return Call{}, ErrNotParty
	}
	return c, nil
}

// UpdateStatus applies a client-reported status change. completed is not
// accepted here; it is reached only through billing.
func (s *Service) UpdateStatus(ctx context.Context, callID, requesterID string, to CallStatus) (Call, error) {
	if !to.Valid() || to == CallStatusPending || to == CallStatusCompleted {
		return Call{}, ErrInvalidTransition
	}
	if _, err := s.Get(ctx, callID, requesterID, false); err != nil {
		return Call{}, err
	}
	now := s.clock().UTC()
	if to == CallStatusOngoing {
		return s.repo.MarkStarted(ctx, callID, now)
	}
	return s.repo.UpdateStatus(ctx, callID, to, now)
}

// MarkStarted is the signaling path's transition to ongoing.
func (s *Service) MarkStarted(ctx context.Context, callID string) (Call, error) {
	return s.repo.MarkStarted(ctx, callID, s.clock().UTC())
}

// MarkStatus is the signaling path's transition to a non-billed status.
// Transitions that are no longer allowed are ignored.
func (s *Service) MarkStatus(ctx context.Context, callID string, to CallStatus) error {
	_, err := s.repo.UpdateStatus(ctx, callID, to, s.clock().UTC())
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// ResolveEnd validates an end request and picks the duration to bill: server
// time since started_at, else since created_at, else the reported value.
func (s *Service) ResolveEnd(ctx context.Context, callID, requesterID string, reportedSeconds int, admin bool) (Call, int, error) {
	c, err := s.Get(ctx, callID, requesterID, admin)
	if err != nil {
		return Call{}, 0, err
	}
	return c, resolveDuration(c, reportedSeconds, s.clock().UTC()), nil
}

func resolveDuration(c Call, reported int, now time.Time) int {
	switch {
	case c.StartedAt != nil:
		return secondsSince(*c.StartedAt, now)
	case !c.CreatedAt.IsZero():
		return secondsSince(c.CreatedAt, now)
	case reported > 0:
		return reported
	default:
		return 0
	}
}

func secondsSince(t, now time.Time) int {
	d := now.Sub(t)
	if d <= 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

func (s *Service) HistoryForCaller(ctx context.Context, callerID string, limit int) ([]Call, error) {
	return s.repo.ListForCaller(ctx, callerID, clampLimit(limit))
}

func (s *Service) HistoryForListener(ctx context.Context, listenerID string, limit int) ([]Call, error) {
	return s.repo.ListForListener(ctx, listenerID, clampLimit(limit))
}

func (s *Service) Active(ctx context.Context, userID string) ([]Call, error) {
	return s.repo.ActiveForUser(ctx, userID)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultHistoryLimit
	}
	return limit
}
