package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waveline/campaign-engine/internal/model"
)

type RecipientRepositoryInterface interface {
	// Insert persists a recipient. It returns false when the
	// (campaign_id, contact_reference) pair already exists; the unique
	// index is the final authority against duplicate membership.
	Insert(ctx context.Context, rec *model.Recipient) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Recipient, error)
	Stats(ctx context.Context, campaignID uuid.UUID) (*model.RecipientStats, error)
	CountPending(ctx context.Context, campaignID uuid.UUID) (int, error)
	CountWithoutOptIn(ctx context.Context, campaignID uuid.UUID) (int, error)
	BulkRegisterOptIn(ctx context.Context, campaignID uuid.UUID, method, source string) (int, error)
	// ClaimPending marks up to limit undispatched PENDING recipients as
	// dispatched and returns them. Concurrent drivers never claim the
	// same row.
	ClaimPending(ctx context.Context, campaignID uuid.UUID, limit int, now time.Time) ([]model.Recipient, error)
	CountDispatchedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
	UpdateDeliveryState(ctx context.Context, id uuid.UUID, state model.DeliveryState, lastError string, at time.Time) error
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, contact_reference, name, age, stage, contact_created_at,
	delivery_state, opt_in_status, opt_in_method, opt_in_source, opt_in_at,
	last_error, dispatched_at, sent_at, created_at, updated_at`

func (r *RecipientRepository) Insert(ctx context.Context, rec *model.Recipient) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.DeliveryState == "" {
		rec.DeliveryState = model.DeliveryPending
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
        INSERT INTO recipients (id, campaign_id, contact_reference, name, age, stage,
            contact_created_at, delivery_state, opt_in_status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        ON CONFLICT (campaign_id, contact_reference) DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query,
		rec.ID, rec.CampaignID, rec.ContactReference, rec.Name, rec.Age, rec.Stage,
		rec.ContactCreatedAt, rec.DeliveryState, rec.OptInStatus, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id=$1`
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *RecipientRepository) Stats(ctx context.Context, campaignID uuid.UUID) (*model.RecipientStats, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT delivery_state, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY delivery_state`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.RecipientStats{}
	for rows.Next() {
		var state model.DeliveryState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch state {
		case model.DeliveryPending:
			stats.Pending = count
		case model.DeliverySent:
			stats.Sent = count
		case model.DeliveryDelivered:
			stats.Delivered = count
		case model.DeliveryRead:
			stats.Read = count
		case model.DeliveryFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (r *RecipientRepository) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND delivery_state=$2`,
		campaignID, model.DeliveryPending,
	).Scan(&n)
	return n, err
}

func (r *RecipientRepository) CountWithoutOptIn(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND opt_in_status=FALSE`,
		campaignID,
	).Scan(&n)
	return n, err
}

func (r *RecipientRepository) BulkRegisterOptIn(ctx context.Context, campaignID uuid.UUID, method, source string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE recipients
        SET opt_in_status=TRUE, opt_in_method=$1, opt_in_source=$2, opt_in_at=NOW(), updated_at=NOW()
        WHERE campaign_id=$3 AND opt_in_status=FALSE
    `, method, source, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID uuid.UUID, limit int, now time.Time) ([]model.Recipient, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
        SELECT `+recipientColumns+`
        FROM recipients
        WHERE campaign_id=$1 AND delivery_state=$2 AND dispatched_at IS NULL
        ORDER BY created_at ASC
        FOR UPDATE SKIP LOCKED
        LIMIT $3
    `, campaignID, model.DeliveryPending, limit)
	if err != nil {
		return nil, err
	}

	var claimed []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ts := now.UTC()
	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE recipients SET dispatched_at=$1, updated_at=$1 WHERE id=$2`,
			ts, claimed[i].ID,
		); err != nil {
			return nil, err
		}
		claimed[i].DispatchedAt = &ts
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *RecipientRepository) CountDispatchedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND dispatched_at >= $2`,
		campaignID, since,
	).Scan(&n)
	return n, err
}

func (r *RecipientRepository) UpdateDeliveryState(ctx context.Context, id uuid.UUID, state model.DeliveryState, lastError string, at time.Time) error {
	var sentAt interface{}
	if state == model.DeliverySent {
		sentAt = at.UTC()
	}
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipients
        SET delivery_state=$1,
            last_error=$2,
            sent_at=COALESCE($3, sent_at),
            updated_at=NOW()
        WHERE id=$4
    `, state, lastError, sentAt, id)
	return err
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rec model.Recipient
	var method, source, lastErr sql.NullString
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactReference, &rec.Name, &rec.Age, &rec.Stage,
		&rec.ContactCreatedAt, &rec.DeliveryState, &rec.OptInStatus, &method, &source, &rec.OptInAt,
		&lastErr, &rec.DispatchedAt, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.OptInMethod = method.String
	rec.OptInSource = source.String
	rec.LastError = lastErr.String
	return &rec, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
