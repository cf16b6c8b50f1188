package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events(id, type, actor_user_id, actor_role,
// ip_address, target_id, message, metadata, created_at).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	q := `
INSERT INTO audit_events
  (id, type, actor_user_id, actor_role, ip_address, target_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::jsonb, $9)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.TargetID, e.Message, e.Metadata, e.CreatedAt)
	return err
}
