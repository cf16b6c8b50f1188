package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"listener-calls/internal/calls"
	"listener-calls/internal/listeners"
	"listener-calls/internal/pricing"
	"listener-calls/internal/wallet"
	"listener-calls/pkg/utils"
)

// PostgresStore assumes:
// - call_records(id, call_id UNIQUE, user_id, listener_id, minutes,
//   user_charge_minor, listener_earn_minor, started_at, ended_at, created_at)
// - call_billing_audit(id, call_id, user_id, listener_id, minutes,
//   requested_seconds, user_charge_minor, listener_earn_minor, effective_rate,
//   listener_payout_per_min_minor, offer_applied, capped, wallet_race, created_at)
// plus the calls, listeners, users and wallets tables of their packages.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const recordsCallIDKey = "call_records_call_id_key"

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) LockCall(ctx context.Context, callID string) (calls.Call, error) {
	return calls.LockTx(ctx, t.tx, callID)
}

func (t pgTx) FindRecord(ctx context.Context, callID string) (Record, bool, error) {
	const q = `
SELECT id, call_id, user_id, listener_id, minutes, user_charge_minor, listener_earn_minor,
       started_at, ended_at, created_at
FROM call_records
WHERE call_id = $1
`
	var (
		r         Record
		startedAt sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, q, callID).Scan(
		&r.ID,
		&r.CallID,
		&r.UserID,
		&r.ListenerID,
		&r.Minutes,
		&r.UserChargeMinor,
		&r.ListenerEarnMinor,
		&startedAt,
		&r.EndedAt,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if startedAt.Valid {
		ts := startedAt.Time
		r.StartedAt = &ts
	}
	return r, true, nil
}

func (t pgTx) LockListener(ctx context.Context, listenerID string) (listeners.Listener, error) {
	return listeners.LockTx(ctx, t.tx, listenerID)
}

func (t pgTx) LockCallerOffer(ctx context.Context, userID string) (pricing.CallerOffer, error) {
	return pricing.LockCallerOfferTx(ctx, t.tx, userID)
}

func (t pgTx) RateConfig(ctx context.Context) (pricing.OfferConfig, error) {
	return pricing.RateConfigTx(ctx, t.tx)
}

func (t pgTx) LockWallet(ctx context.Context, userID string, now time.Time) (int64, error) {
	b, err := wallet.LockForUpdateTx(ctx, t.tx, userID, now)
	if err != nil {
		return 0, err
	}
	return b.BalanceMinor, nil
}

func (t pgTx) DebitWallet(ctx context.Context, userID string, amountMinor int64, callID string, now time.Time) (int64, bool, error) {
	b, ok, err := wallet.DebitIfSufficientTx(ctx, t.tx, userID, amountMinor, callID, now)
	return b.BalanceMinor, ok, err
}

func (t pgTx) CreditListener(ctx context.Context, listenerID string, earnMinor int64, minutes int, now time.Time) error {
	return listeners.CreditEarningsTx(ctx, t.tx, listenerID, earnMinor, minutes, now)
}

func (t pgTx) MarkOfferUsed(ctx context.Context, userID string, now time.Time) error {
	return pricing.MarkOfferUsedTx(ctx, t.tx, userID, now)
}

func (t pgTx) CompleteCall(ctx context.Context, callID string, done calls.Completion) error {
	return calls.CompleteTx(ctx, t.tx, callID, done)
}

func (t pgTx) InsertRecord(ctx context.Context, r Record) error {
	const q = `
INSERT INTO call_records (
  id, call_id, user_id, listener_id, minutes, user_charge_minor, listener_earn_minor,
  started_at, ended_at, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := t.tx.ExecContext(ctx, q,
		r.ID,
		r.CallID,
		r.UserID,
		r.ListenerID,
		r.Minutes,
		r.UserChargeMinor,
		r.ListenerEarnMinor,
		r.StartedAt,
		r.EndedAt,
		r.CreatedAt,
	)
	if utils.IsUniqueViolation(err, recordsCallIDKey) {
		return errDuplicateRecord
	}
	return err
}

func (t pgTx) InsertAudit(ctx context.Context, a AuditEntry) error {
	const q = `
INSERT INTO call_billing_audit (
  id, call_id, user_id, listener_id, minutes, requested_seconds, user_charge_minor,
  listener_earn_minor, effective_rate, listener_payout_per_min_minor, offer_applied,
  capped, wallet_race, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	_, err := t.tx.ExecContext(ctx, q,
		a.ID,
		a.CallID,
		a.UserID,
		a.ListenerID,
		a.Minutes,
		a.RequestedSeconds,
		a.UserChargeMinor,
		a.ListenerEarnMinor,
		a.EffectiveRate,
		a.PayoutPerMinMinor,
		a.OfferApplied,
		a.Capped,
		a.WalletRace,
		a.CreatedAt,
	)
	return err
}
