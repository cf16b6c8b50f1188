package wallet

import "time"

// Balance is the caller's prepaid balance. BalanceMinor never goes negative:
// every decrement is conditional on sufficient funds.
type Balance struct {
	UserID       string    `json:"user_id" db:"user_id"`
	BalanceMinor int64     `json:"balance_minor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable entry explaining one balance change.
type Transaction struct {
	ID     string          `json:"id" db:"id"`
	UserID string          `json:"user_id" db:"user_id"`
	Type   TransactionType `json:"type" db:"type"`

	// AmountMinor is signed: credits positive, debits negative.
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	// Reference is a call id for debits, a payment or admin reference for credits.
	Reference      string    `json:"reference,omitempty" db:"reference"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CallDebitKey is the idempotency key of the debit posted when a call is billed.
func CallDebitKey(callID string) string { return "call:" + callID }
