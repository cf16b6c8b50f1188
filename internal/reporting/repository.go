package reporting

import (
	"context"
	"database/sql"
	"time"

	"listener-calls/internal/billing"
)

// PostgresRepo reads call_records, which is written once per call by the
// billing ledger and never updated.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const (
	recordsByUser = `
SELECT id, call_id, user_id, listener_id, minutes, user_charge_minor, listener_earn_minor,
       started_at, ended_at, created_at
FROM call_records
WHERE user_id = $1
  AND ($2::timestamptz IS NULL OR ended_at >= $2)
  AND ($3::timestamptz IS NULL OR ended_at < $3)
ORDER BY ended_at`

	recordsByListener = `
SELECT id, call_id, user_id, listener_id, minutes, user_charge_minor, listener_earn_minor,
       started_at, ended_at, created_at
FROM call_records
WHERE listener_id = $1
  AND ($2::timestamptz IS NULL OR ended_at >= $2)
  AND ($3::timestamptz IS NULL OR ended_at < $3)
ORDER BY ended_at`
)

func (r *PostgresRepo) ListRecords(ctx context.Context, party Party, id string, from, to time.Time) ([]billing.Record, error) {
	q := recordsByUser
	if party == PartyListener {
		q = recordsByListener
	}
	rows, err := r.db.QueryContext(ctx, q, id, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Record
	for rows.Next() {
		var rec billing.Record
		if err := rows.Scan(
			&rec.ID, &rec.CallID, &rec.UserID, &rec.ListenerID, &rec.Minutes,
			&rec.UserChargeMinor, &rec.ListenerEarnMinor,
			&rec.StartedAt, &rec.EndedAt, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
