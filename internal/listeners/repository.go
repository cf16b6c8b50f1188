package listeners

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository abstracts listener persistence.
type Repository interface {
	FindByID(ctx context.Context, listenerID string) (Listener, error)
	FindByUserID(ctx context.Context, userID string) (Listener, error)
	ListAvailable(ctx context.Context) ([]Listener, error)
	SetRates(ctx context.Context, listenerID string, r Rates, now time.Time) (Listener, error)
	SetBusyByUserID(ctx context.Context, userID string, busy bool) error
	SetOnlineByUserID(ctx context.Context, userID string, online bool) error
	ClearAllBusy(ctx context.Context) (int, error)
}

// PostgresRepo assumes listeners(listener_id PK, user_id UNIQUE, ...,
// CHECK (listener_payout_per_min_minor <= user_rate_per_min_minor)).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const listenerColumns = `
listener_id, user_id, user_rate_per_min_minor, listener_payout_per_min_minor,
wallet_balance_minor, total_earning_minor, total_calls, total_minutes,
is_busy, is_online, is_available, verification_status, average_rating, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListener(row rowScanner) (Listener, error) {
	var l Listener
	err := row.Scan(
		&l.ID,
		&l.UserID,
		&l.UserRatePerMinMinor,
		&l.PayoutPerMinMinor,
		&l.WalletBalanceMinor,
		&l.TotalEarningMinor,
		&l.TotalCalls,
		&l.TotalMinutes,
		&l.IsBusy,
		&l.IsOnline,
		&l.IsAvailable,
		&l.VerificationStatus,
		&l.AverageRating,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Listener{}, ErrNotFound
		}
		return Listener{}, err
	}
	return l, nil
}

func (r *PostgresRepo) FindByID(ctx context.Context, listenerID string) (Listener, error) {
	q := `SELECT ` + listenerColumns + ` FROM listeners WHERE listener_id = $1`
	return scanListener(r.db.QueryRowContext(ctx, q, listenerID))
}

func (r *PostgresRepo) FindByUserID(ctx context.Context, userID string) (Listener, error) {
	q := `SELECT ` + listenerColumns + ` FROM listeners WHERE user_id = $1`
	return scanListener(r.db.QueryRowContext(ctx, q, userID))
}

func (r *PostgresRepo) ListAvailable(ctx context.Context) ([]Listener, error) {
	q := `SELECT ` + listenerColumns + `
FROM listeners
WHERE verification_status = 'approved' AND is_available = TRUE AND is_busy = FALSE`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Listener
	for rows.Next() {
		l, err := scanListener(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SetRates(ctx context.Context, listenerID string, rates Rates, now time.Time) (Listener, error) {
	q := `
UPDATE listeners
SET user_rate_per_min_minor = $2, listener_payout_per_min_minor = $3, updated_at = $4
WHERE listener_id = $1
RETURNING ` + listenerColumns
	return scanListener(r.db.QueryRowContext(ctx, q, listenerID, rates.UserRatePerMinMinor, rates.PayoutPerMinMinor, now))
}

func (r *PostgresRepo) SetBusyByUserID(ctx context.Context, userID string, busy bool) error {
	const q = `UPDATE listeners SET is_busy = $2 WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, q, userID, busy)
	return err
}

func (r *PostgresRepo) SetOnlineByUserID(ctx context.Context, userID string, online bool) error {
	const q = `UPDATE listeners SET is_online = $2 WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, q, userID, online)
	return err
}

func (r *PostgresRepo) ClearAllBusy(ctx context.Context) (int, error) {
	const q = `UPDATE listeners SET is_busy = FALSE WHERE is_busy = TRUE`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LockTx row-locks the listener for the rest of a billing transaction.
func LockTx(ctx context.Context, tx *sql.Tx, listenerID string) (Listener, error) {
	q := `SELECT ` + listenerColumns + ` FROM listeners WHERE listener_id = $1 FOR UPDATE`
	return scanListener(tx.QueryRowContext(ctx, q, listenerID))
}

// CreditEarningsTx pays the listener for one billed call.
func CreditEarningsTx(ctx context.Context, tx *sql.Tx, listenerID string, earnMinor int64, minutes int, now time.Time) error {
	const q = `
UPDATE listeners
SET wallet_balance_minor = wallet_balance_minor + $2,
    total_earning_minor = total_earning_minor + $2,
    total_calls = total_calls + 1,
    total_minutes = total_minutes + $3,
    updated_at = $4
WHERE listener_id = $1
`
	_, err := tx.ExecContext(ctx, q, listenerID, earnMinor, minutes, now)
	return err
}
