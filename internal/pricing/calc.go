package pricing

import "github.com/shopspring/decimal"

var sixty = decimal.NewFromInt(60)

// BillableMinutes rounds seconds up to whole minutes. Any positive duration
// bills at least one minute.
func BillableMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	m := seconds / 60
	if seconds%60 != 0 {
		m++
	}
	return m
}

// EffectiveRate picks the offer rate when the caller is eligible and the
// offer is enabled, otherwise the listener's standard per-minute rate.
func EffectiveRate(standardMinor int64, caller CallerOffer, cfg OfferConfig) (Rate, bool) {
	if caller.Eligible() {
		if r, ok := cfg.Rate(); ok {
			return r, true
		}
	}
	return PerMinute(standardMinor), false
}

// Charge is minutes at r, rounded half-up to minor units.
func Charge(minutes int, r Rate) int64 {
	if minutes <= 0 || !r.Valid() {
		return 0
	}
	return decimal.NewFromInt(int64(minutes)).
		Mul(decimal.NewFromInt(r.Minor)).
		DivRound(decimal.NewFromInt(r.Per), 0).
		IntPart()
}

// AffordableMinutes is the number of whole minutes balance pays for at r.
func AffordableMinutes(balanceMinor int64, r Rate) int {
	if balanceMinor <= 0 || !r.Valid() {
		return 0
	}
	return int(floorDiv(decimal.NewFromInt(balanceMinor).Mul(decimal.NewFromInt(r.Per)), r.Minor))
}

// CapSeconds is floor(balance / rate * 60): how long the caller may talk.
func CapSeconds(balanceMinor int64, r Rate) int {
	if balanceMinor <= 0 || !r.Valid() {
		return 0
	}
	num := decimal.NewFromInt(balanceMinor).Mul(sixty).Mul(decimal.NewFromInt(r.Per))
	return int(floorDiv(num, r.Minor))
}

// floorDiv divides exactly; both operands are non-negative so truncation is floor.
func floorDiv(num decimal.Decimal, den int64) int64 {
	q, _ := num.QuoRem(decimal.NewFromInt(den), 0)
	return q.IntPart()
}
