package billing

import (
	"context"
	"time"

	"listener-calls/internal/calls"
	"listener-calls/internal/listeners"
	"listener-calls/internal/pricing"
)

// Store runs one billing unit of work atomically. Every Tx method that
// reads a row for later update must hold that row's lock until commit.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes one finalization performs, in lock order:
// call, record, listener, caller, wallet.
type Tx interface {
	LockCall(ctx context.Context, callID string) (calls.Call, error)
	FindRecord(ctx context.Context, callID string) (Record, bool, error)
	LockListener(ctx context.Context, listenerID string) (listeners.Listener, error)
	LockCallerOffer(ctx context.Context, userID string) (pricing.CallerOffer, error)
	RateConfig(ctx context.Context) (pricing.OfferConfig, error)
	LockWallet(ctx context.Context, userID string, now time.Time) (int64, error)
	DebitWallet(ctx context.Context, userID string, amountMinor int64, callID string, now time.Time) (int64, bool, error)
	CreditListener(ctx context.Context, listenerID string, earnMinor int64, minutes int, now time.Time) error
	MarkOfferUsed(ctx context.Context, userID string, now time.Time) error
	CompleteCall(ctx context.Context, callID string, done calls.Completion) error
	InsertRecord(ctx context.Context, r Record) error
	InsertAudit(ctx context.Context, a AuditEntry) error
}
