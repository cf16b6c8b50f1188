package billing

import (
	"errors"
	"time"

	"listener-calls/internal/pricing"
)

// ErrWalletRace marks a conditional wallet decrement that matched no row.
// Finalize recovers from it by billing zero; it is only ever logged.
var ErrWalletRace = errors.New("wallet decrement lost race")

// Record is the single authoritative outcome of billing one call. Its
// existence makes further finalization of the same call a no-op.
type Record struct {
	ID                string     `json:"id" db:"id"`
	CallID            string     `json:"call_id" db:"call_id"`
	UserID            string     `json:"user_id" db:"user_id"`
	ListenerID        string     `json:"listener_id" db:"listener_id"`
	Minutes           int        `json:"minutes" db:"minutes"`
	UserChargeMinor   int64      `json:"user_charge_minor" db:"user_charge_minor"`
	ListenerEarnMinor int64      `json:"listener_earn_minor" db:"listener_earn_minor"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt           time.Time  `json:"ended_at" db:"ended_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// AuditEntry is the append-only explanation of how a Record was computed.
type AuditEntry struct {
	ID                string    `json:"id" db:"id"`
	CallID            string    `json:"call_id" db:"call_id"`
	UserID            string    `json:"user_id" db:"user_id"`
	ListenerID        string    `json:"listener_id" db:"listener_id"`
	Minutes           int       `json:"minutes" db:"minutes"`
	RequestedSeconds  int       `json:"requested_seconds" db:"requested_seconds"`
	UserChargeMinor   int64     `json:"user_charge_minor" db:"user_charge_minor"`
	ListenerEarnMinor int64     `json:"listener_earn_minor" db:"listener_earn_minor"`
	EffectiveRate     string    `json:"effective_rate" db:"effective_rate"`
	PayoutPerMinMinor int64     `json:"listener_payout_per_min_minor" db:"listener_payout_per_min_minor"`
	OfferApplied      bool      `json:"offer_applied" db:"offer_applied"`
	Capped            bool      `json:"capped" db:"capped"`
	WalletRace        bool      `json:"wallet_race" db:"wallet_race"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Result is what Finalize reports. AlreadyBilled results are rebuilt from the
// stored Record and carry no rate details.
type Result struct {
	CallID            string       `json:"call_id"`
	AlreadyBilled     bool         `json:"already_billed"`
	DurationSeconds   int          `json:"duration_seconds"`
	Minutes           int          `json:"minutes"`
	UserChargeMinor   int64        `json:"user_charge_minor"`
	ListenerEarnMinor int64        `json:"listener_earn_minor"`
	EffectiveRate     pricing.Rate `json:"effective_rate"`
	OfferApplied      bool         `json:"offer_applied"`
	Capped            bool         `json:"capped"`
	WalletRace        bool         `json:"wallet_race"`
	BalanceAfterMinor int64        `json:"balance_after_minor"`
}

func resultFromRecord(r Record) Result {
	return Result{
		CallID:            r.CallID,
		AlreadyBilled:     true,
		Minutes:           r.Minutes,
		UserChargeMinor:   r.UserChargeMinor,
		ListenerEarnMinor: r.ListenerEarnMinor,
	}
}
