package reporting

import "time"

// TimeRange bounds a report by call end time. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (r TimeRange) valid() bool {
	return r.From.IsZero() || r.To.IsZero() || r.To.After(r.From)
}

func (r TimeRange) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Party selects whose records a report covers.
type Party int

const (
	PartyCaller Party = iota
	PartyListener
)

// EarningsSummary is a listener's payout over a range, from call_records.
type EarningsSummary struct {
	ListenerID   string    `json:"listener_id"`
	Range        TimeRange `json:"range"`
	Calls        int       `json:"calls"`
	PaidCalls    int       `json:"paid_calls"`
	Minutes      int       `json:"minutes"`
	EarnedMinor  int64     `json:"earned_minor"`
	AverageMinor int64     `json:"average_per_paid_call_minor"`
}

// SpendSummary is a caller's charges over a range, from call_records.
type SpendSummary struct {
	UserID          string    `json:"user_id"`
	Range           TimeRange `json:"range"`
	Calls           int       `json:"calls"`
	ZeroChargeCalls int       `json:"zero_charge_calls"`
	Minutes         int       `json:"minutes"`
	SpentMinor      int64     `json:"spent_minor"`
}
