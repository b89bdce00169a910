package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/waveline/campaign-engine/internal/model"
)

// InboxRepositoryInterface reads channel health snapshots and template
// approval state. Both are refreshed out-of-band by the provider sync;
// the compliance gate only consumes them.
type InboxRepositoryInterface interface {
	GetInbox(ctx context.Context, id uuid.UUID) (*model.Inbox, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
}

type InboxRepository struct {
	DB *sql.DB
}

func (r *InboxRepository) GetInbox(ctx context.Context, id uuid.UUID) (*model.Inbox, error) {
	var i model.Inbox
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, name, provider, quality_rating, tier, max_rate_per_minute,
               suspended, requires_opt_in, health_updated_at
        FROM inboxes WHERE id=$1
    `, id).Scan(
		&i.ID, &i.Name, &i.Provider, &i.QualityRating, &i.Tier, &i.MaxRatePerMinute,
		&i.Suspended, &i.RequiresOptIn, &i.HealthUpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &i, nil
}

func (r *InboxRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	var t model.Template
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, inbox_id, name, category, approval_status
        FROM message_templates WHERE id=$1
    `, id).Scan(&t.ID, &t.InboxID, &t.Name, &t.Category, &t.ApprovalStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

var _ InboxRepositoryInterface = (*InboxRepository)(nil)
