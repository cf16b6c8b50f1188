package pricing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are minor units (e.g. paise, cents) held in int64. Fractional
// intermediate values only exist inside decimal math and are rounded half-up
// back to minor units.

var (
	ErrInvalidRate        = errors.New("invalid rate")
	ErrInvalidOfferConfig = errors.New("invalid offer config")
)

// Rate prices Minor minor units per Per minutes. A standard listener rate has
// Per == 1; the first-time offer is FlatPrice per MinutesLimit.
type Rate struct {
	Minor int64 `json:"minor"`
	Per   int64 `json:"per"`
}

// PerMinute is a standard per-minute rate.
func PerMinute(minor int64) Rate { return Rate{Minor: minor, Per: 1} }

func (r Rate) Valid() bool { return r.Minor > 0 && r.Per > 0 }

// Decimal is the per-minute price in minor units.
func (r Rate) Decimal() decimal.Decimal {
	if r.Per <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(r.Minor).DivRound(decimal.NewFromInt(r.Per), 4)
}

// String renders the per-minute price with four decimals, e.g. "33.3333".
func (r Rate) String() string { return r.Decimal().StringFixed(4) }

// OfferConfig is the single active first-time-user discount.
type OfferConfig struct {
	Enabled        bool      `json:"first_time_offer_enabled"`
	MinutesLimit   int64     `json:"offer_minutes_limit"`
	FlatPriceMinor int64     `json:"offer_flat_price_minor"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c OfferConfig) Validate() error {
	if c.MinutesLimit < 0 || c.FlatPriceMinor < 0 {
		return ErrInvalidOfferConfig
	}
	if c.Enabled && (c.MinutesLimit == 0 || c.FlatPriceMinor == 0) {
		return ErrInvalidOfferConfig
	}
	return nil
}

// Rate is the discounted rate when the offer is usable.
func (c OfferConfig) Rate() (Rate, bool) {
	if !c.Enabled || c.MinutesLimit <= 0 || c.FlatPriceMinor <= 0 {
		return Rate{}, false
	}
	return Rate{Minor: c.FlatPriceMinor, Per: c.MinutesLimit}, true
}

// CallerOffer is the caller's offer state read from users.
type CallerOffer struct {
	UserID          string `json:"user_id"`
	IsFirstTimeUser bool   `json:"is_first_time_user"`
	OfferUsed       bool   `json:"offer_used"`
}

func (o CallerOffer) Eligible() bool { return o.IsFirstTimeUser && !o.OfferUsed }
