package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository abstracts offer configuration and per-caller offer state.
type Repository interface {
	RateConfig(ctx context.Context) (OfferConfig, error)
	SaveRateConfig(ctx context.Context, cfg OfferConfig) error
	CallerOffer(ctx context.Context, userID string) (CallerOffer, error)
}

// PostgresRepo assumes:
// - rate_config(id, first_time_offer_enabled, offer_minutes_limit, offer_flat_price_minor, is_active, updated_at)
// - users(id, is_first_time_user, offer_used)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectRateConfig = `
SELECT first_time_offer_enabled, offer_minutes_limit, offer_flat_price_minor, updated_at
FROM rate_config
WHERE is_active = TRUE
ORDER BY updated_at DESC
LIMIT 1
`

func (r *PostgresRepo) RateConfig(ctx context.Context) (OfferConfig, error) {
	return scanRateConfig(ctx, r.db)
}

// RateConfigTx reads the active offer inside a billing transaction.
func RateConfigTx(ctx context.Context, tx *sql.Tx) (OfferConfig, error) {
	return scanRateConfig(ctx, tx)
}

func scanRateConfig(ctx context.Context, q queryer) (OfferConfig, error) {
	var c OfferConfig
	err := q.QueryRowContext(ctx, selectRateConfig).Scan(&c.Enabled, &c.MinutesLimit, &c.FlatPriceMinor, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OfferConfig{}, nil
		}
		return OfferConfig{}, err
	}
	return c, nil
}

func (r *PostgresRepo) SaveRateConfig(ctx context.Context, cfg OfferConfig) error {
	const q = `
INSERT INTO rate_config (id, first_time_offer_enabled, offer_minutes_limit, offer_flat_price_minor, is_active, updated_at)
VALUES (1, $1, $2, $3, TRUE, $4)
ON CONFLICT (id) DO UPDATE SET
  first_time_offer_enabled = EXCLUDED.first_time_offer_enabled,
  offer_minutes_limit = EXCLUDED.offer_minutes_limit,
  offer_flat_price_minor = EXCLUDED.offer_flat_price_minor,
  is_active = TRUE,
  updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q, cfg.Enabled, cfg.MinutesLimit, cfg.FlatPriceMinor, cfg.UpdatedAt)
	return err
}

func (r *PostgresRepo) CallerOffer(ctx context.Context, userID string) (CallerOffer, error) {
	const q = `SELECT is_first_time_user, offer_used FROM users WHERE id = $1`
	return scanCallerOffer(ctx, r.db, q, userID)
}

// LockCallerOfferTx row-locks the caller so concurrent finalizations for the
// same caller cannot both consume the offer.
func LockCallerOfferTx(ctx context.Context, tx *sql.Tx, userID string) (CallerOffer, error) {
	const q = `SELECT is_first_time_user, offer_used FROM users WHERE id = $1 FOR UPDATE`
	return scanCallerOffer(ctx, tx, q, userID)
}

func scanCallerOffer(ctx context.Context, qr queryer, q, userID string) (CallerOffer, error) {
	o := CallerOffer{UserID: userID}
	err := qr.QueryRowContext(ctx, q, userID).Scan(&o.IsFirstTimeUser, &o.OfferUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Unknown callers never get the offer.
			return o, nil
		}
		return CallerOffer{}, err
	}
	return o, nil
}

// MarkOfferUsedTx consumes the caller's first-time offer.
func MarkOfferUsedTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	const q = `UPDATE users SET offer_used = TRUE, updated_at = $2 WHERE id = $1`
	_, err := tx.ExecContext(ctx, q, userID, now)
	return err
}
