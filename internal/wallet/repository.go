package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tables:
// - wallets(user_id PK, balance_minor CHECK (balance_minor >= 0), updated_at)
// - wallet_transactions(id, user_id, type, amount_minor, reference, idempotency_key, created_at)
//   UNIQUE (user_id, idempotency_key)

// LockForUpdateTx returns the caller's wallet row locked for the rest of tx,
// creating an empty wallet first when none exists.
func LockForUpdateTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (Balance, error) {
	const ensure = `
INSERT INTO wallets (user_id, balance_minor, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, userID, now); err != nil {
		return Balance{}, err
	}

	const q = `
SELECT user_id, balance_minor, updated_at
FROM wallets
WHERE user_id = $1
FOR UPDATE
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, userID).Scan(&b.UserID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// DebitIfSufficientTx decrements by amount only when the balance covers it.
// ok is false when the conditional update matched no row. A posted debit is
// recorded as a wallet transaction keyed by the call.
func DebitIfSufficientTx(ctx context.Context, tx *sql.Tx, userID string, amountMinor int64, callID string, now time.Time) (Balance, bool, error) {
	const q = `
UPDATE wallets
SET balance_minor = balance_minor - $2, updated_at = $3
WHERE user_id = $1 AND balance_minor >= $2
RETURNING user_id, balance_minor, updated_at
`
	var b Balance
	err := tx.QueryRowContext(ctx, q, userID, amountMinor, now).Scan(&b.UserID, &b.BalanceMinor, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, false, nil
		}
		return Balance{}, false, err
	}
	if amountMinor > 0 {
		if err := insertTransaction(ctx, tx, Transaction{
			ID:             uuid.NewString(),
			UserID:         userID,
			Type:           TransactionTypeDebit,
			AmountMinor:    -amountMinor,
			Reference:      callID,
			IdempotencyKey: CallDebitKey(callID),
			CreatedAt:      now,
		}); err != nil {
			return Balance{}, false, err
		}
	}
	return b, true, nil
}

func getBalance(ctx context.Context, db *sql.DB, userID string) (Balance, error) {
	const q = `
SELECT user_id, balance_minor, updated_at
FROM wallets
WHERE user_id = $1
`
	var b Balance
	if err := db.QueryRowContext(ctx, q, userID).Scan(&b.UserID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No wallet yet reads as an empty one.
			return Balance{UserID: userID}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

func findTransactionByIdempotency(ctx context.Context, tx *sql.Tx, userID, key string) (Transaction, bool, error) {
	const q = `
SELECT id, user_id, type, amount_minor, reference, idempotency_key, created_at
FROM wallet_transactions
WHERE user_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var t Transaction
	err := tx.QueryRowContext(ctx, q, userID, key).Scan(
		&t.ID,
		&t.UserID,
		&t.Type,
		&t.AmountMinor,
		&t.Reference,
		&t.IdempotencyKey,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	const q = `
INSERT INTO wallet_transactions (id, user_id, type, amount_minor, reference, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.UserID,
		t.Type,
		t.AmountMinor,
		t.Reference,
		t.IdempotencyKey,
		t.CreatedAt,
	)
	return err
}

func creditTx(ctx context.Context, tx *sql.Tx, userID string, amountMinor int64, now time.Time) (Balance, error) {
	const q = `
UPDATE wallets
SET balance_minor = balance_minor + $2, updated_at = $3
WHERE user_id = $1
RETURNING user_id, balance_minor, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, userID, amountMinor, now).Scan(&b.UserID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return b, nil
}
