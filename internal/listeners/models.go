package listeners

import (
	"errors"
	"time"

	"listener-calls/internal/pricing"
)

var (
	ErrNotFound          = errors.New("listener not found")
	ErrPayoutExceedsRate = errors.New("listener payout exceeds user rate")
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Listener is a paid, verified conversational partner. Rates are minor units
// per minute; payout never exceeds the user rate (enforced on write and by a
// table CHECK).
type Listener struct {
	ID     string `json:"listener_id" db:"listener_id"`
	UserID string `json:"user_id" db:"user_id"`

	UserRatePerMinMinor int64 `json:"user_rate_per_min_minor" db:"user_rate_per_min_minor"`
	PayoutPerMinMinor   int64 `json:"listener_payout_per_min_minor" db:"listener_payout_per_min_minor"`

	WalletBalanceMinor int64 `json:"wallet_balance_minor" db:"wallet_balance_minor"`
	TotalEarningMinor  int64 `json:"total_earning_minor" db:"total_earning_minor"`
	TotalCalls         int64 `json:"total_calls" db:"total_calls"`
	TotalMinutes       int64 `json:"total_minutes" db:"total_minutes"`

	// IsBusy mirrors the in-memory busy set for other readers; it is not
	// authoritative while the process is running.
	IsBusy      bool `json:"is_busy" db:"is_busy"`
	IsOnline    bool `json:"is_online" db:"is_online"`
	IsAvailable bool `json:"is_available" db:"is_available"`

	VerificationStatus VerificationStatus `json:"verification_status" db:"verification_status"`
	AverageRating      float64            `json:"average_rating" db:"average_rating"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (l Listener) Approved() bool { return l.VerificationStatus == VerificationApproved }

func (l Listener) Rates() Rates {
	return Rates{UserRatePerMinMinor: l.UserRatePerMinMinor, PayoutPerMinMinor: l.PayoutPerMinMinor}
}

type Rates struct {
	UserRatePerMinMinor int64 `json:"user_rate_per_min_minor"`
	PayoutPerMinMinor   int64 `json:"listener_payout_per_min_minor"`
}

// Validate enforces positive rates and payout <= user rate.
func (r Rates) Validate() error {
	if r.UserRatePerMinMinor <= 0 || r.PayoutPerMinMinor <= 0 {
		return pricing.ErrInvalidRate
	}
	if r.PayoutPerMinMinor > r.UserRatePerMinMinor {
		return ErrPayoutExceedsRate
	}
	return nil
}
