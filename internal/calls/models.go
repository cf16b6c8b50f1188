package calls

import (
	"errors"
	"time"

	"listener-calls/internal/pricing"
)

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrInvalidTransition   = errors.New("invalid call status transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrListenerNotApproved = errors.New("listener not approved")
	ErrListenerBusy        = errors.New("listener busy")
	ErrListenerUnavailable = errors.New("listener unavailable")
	ErrNotParty            = errors.New("not a party to this call")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Call is one caller-to-listener session. Money fields are filled exactly
// once, by billing finalization.
type Call struct {
	CallID         string   `json:"call_id" db:"call_id"`
	CallerID       string   `json:"caller_id" db:"caller_id"`
	ListenerID     string   `json:"listener_id" db:"listener_id"`
	ListenerUserID string   `json:"listener_user_id" db:"listener_user_id"`
	CallType       CallType `json:"call_type" db:"call_type"`

	// Rate snapshot taken at creation; the governor caps against it.
	RateMinor    int64 `json:"rate_minor" db:"rate_minor"`
	RatePer      int64 `json:"rate_per_minutes" db:"rate_per_minutes"`
	OfferApplied bool  `json:"offer_applied" db:"offer_applied"`

	Status CallStatus `json:"status" db:"status"`

	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
	BilledMinutes   int        `json:"billed_minutes" db:"billed_minutes"`
	TotalCostMinor  int64      `json:"total_cost_minor" db:"total_cost_minor"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (c Call) Rate() pricing.Rate { return pricing.Rate{Minor: c.RateMinor, Per: c.RatePer} }

// HasParty reports whether userID is the caller or the listener.
func (c Call) HasParty(userID string) bool {
	return userID != "" && (c.CallerID == userID || c.ListenerUserID == userID)
}

// OtherParty returns the counterpart of userID.
func (c Call) OtherParty(userID string) string {
	if c.CallerID == userID {
		return c.ListenerUserID
	}
	return c.CallerID
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallTypeAudio || t == CallTypeVideo }

type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusPending, CallStatusRinging, CallStatusOngoing, CallStatusCompleted,
		CallStatusMissed, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusMissed, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// Live is any non-terminal status.
func (s CallStatus) Live() bool { return s.Valid() && !s.Terminal() }

var transitions = map[CallStatus][]CallStatus{
	CallStatusPending: {CallStatusRinging, CallStatusOngoing, CallStatusCompleted, CallStatusMissed, CallStatusRejected, CallStatusCancelled},
	CallStatusRinging: {CallStatusOngoing, CallStatusCompleted, CallStatusMissed, CallStatusRejected, CallStatusCancelled},
	CallStatusOngoing: {CallStatusCompleted},
}

// CanTransition reports whether a call may move from -> to. Statuses only
// move forward; terminal statuses never change. completed is reachable from
// every live status because billing finalization is the only way to end a
// call that reached the ledger.
func CanTransition(from, to CallStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Completion is what billing writes onto the call row.
type Completion struct {
	EndedAt         time.Time
	DurationSeconds int
	BilledMinutes   int
	TotalCostMinor  int64
	OfferApplied    bool
}
