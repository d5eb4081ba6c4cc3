package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table has no UPDATE/DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, account_id, type, actor_user_id, actor_role, campaign_id, call_id, payment_ref, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.CampaignID,
		e.CallID,
		e.PaymentRef,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
