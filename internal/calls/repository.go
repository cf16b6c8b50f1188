package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"listener-calls/pkg/utils"
)

// Repository abstracts call persistence.
type Repository interface {
	Insert(ctx context.Context, c Call) error
	FindByID(ctx context.Context, callID string) (Call, error)
	// UpdateStatus applies a forward-only transition.
	UpdateStatus(ctx context.Context, callID string, to CallStatus, now time.Time) (Call, error)
	// MarkStarted moves a live call to ongoing and stamps started_at once.
	// Repeating it on an ongoing call returns the call unchanged.
	MarkStarted(ctx context.Context, callID string, now time.Time) (Call, error)
	ListForCaller(ctx context.Context, callerID string, limit int) ([]Call, error)
	ListForListener(ctx context.Context, listenerID string, limit int) ([]Call, error)
	ActiveForUser(ctx context.Context, userID string) ([]Call, error)
}

// PostgresRepo assumes calls(call_id PK, caller_id, listener_id,
// listener_user_id, call_type, rate_minor, rate_per_minutes, offer_applied,
// status, started_at, ended_at, duration_seconds, billed_minutes,
// total_cost_minor, created_at, updated_at).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
call_id, caller_id, listener_id, listener_user_id, call_type, rate_minor, rate_per_minutes,
offer_applied, status, started_at, ended_at, duration_seconds, billed_minutes,
total_cost_minor, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c                  Call
		startedAt, endedAt sql.NullTime
	)
	err := row.Scan(
		&c.CallID,
		&c.CallerID,
		&c.ListenerID,
		&c.ListenerUserID,
		&c.CallType,
		&c.RateMinor,
		&c.RatePer,
		&c.OfferApplied,
		&c.Status,
		&startedAt,
		&endedAt,
		&c.DurationSeconds,
		&c.BilledMinutes,
		&c.TotalCostMinor,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  call_id, caller_id, listener_id, listener_user_id, call_type, rate_minor, rate_per_minutes,
  offer_applied, status, duration_seconds, billed_minutes, total_cost_minor, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,0,0,0,$10,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.CallerID,
		c.ListenerID,
		c.ListenerUserID,
		c.CallType,
		c.RateMinor,
		c.RatePer,
		c.OfferApplied,
		c.Status,
		c.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) FindByID(ctx context.Context, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, callID))
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, callID string, to CallStatus, now time.Time) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := LockTx(ctx, tx, callID)
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, to) {
			return ErrInvalidTransition
		}
		q := `UPDATE calls SET status = $2, updated_at = $3 WHERE call_id = $1 RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, callID, to, now))
		return err
	})
	return out, err
}

func (r *PostgresRepo) MarkStarted(ctx context.Context, callID string, now time.Time) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := LockTx(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.Status == CallStatusOngoing {
			out = c
			return nil
		}
		if !CanTransition(c.Status, CallStatusOngoing) {
			return ErrInvalidTransition
		}
		q := `
UPDATE calls
SET status = 'ongoing', started_at = COALESCE(started_at, $2), updated_at = $2
WHERE call_id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, callID, now))
		return err
	})
	return out, err
}

func (r *PostgresRepo) ListForCaller(ctx context.Context, callerID string, limit int) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE caller_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, q, callerID, limit)
}

func (r *PostgresRepo) ListForListener(ctx context.Context, listenerID string, limit int) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE listener_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, q, listenerID, limit)
}

func (r *PostgresRepo) ActiveForUser(ctx context.Context, userID string) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE (caller_id = $1 OR listener_user_id = $1) AND status IN ('pending', 'ringing', 'ongoing')
ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresRepo) list(ctx context.Context, q, id string, limit int) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, id, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Call, error) {
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LockTx reads the call row with FOR UPDATE inside tx.
func LockTx(ctx context.Context, tx *sql.Tx, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1 FOR UPDATE`
	return scanCall(tx.QueryRowContext(ctx, q, callID))
}

// CompleteTx writes the billing outcome and moves the call to completed.
// The caller must hold the row lock from LockTx.
func CompleteTx(ctx context.Context, tx *sql.Tx, callID string, done Completion) error {
	const q = `
UPDATE calls
SET status = 'completed',
    ended_at = $2,
    duration_seconds = $3,
    billed_minutes = $4,
    total_cost_minor = $5,
    offer_applied = $6,
    updated_at = $2
WHERE call_id = $1
`
	_, err := tx.ExecContext(ctx, q, callID, done.EndedAt, done.DurationSeconds, done.BilledMinutes, done.TotalCostMinor, done.OfferApplied)
	return err
}
