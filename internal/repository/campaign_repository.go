package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign) error
	// UpdateStatusCAS performs a compare-and-swap on the status column.
	// It returns false when the stored status no longer matches from.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to model.CampaignStatus) (bool, error)
	SetSegmentFilter(ctx context.Context, id uuid.UUID, filter *model.SegmentFilter) error
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, status, inbox_id, template_id, rate_limit_per_minute,
	auto_handoff, start_at, end_at, timezone, send_windows, segment_filter, created_at, updated_at`

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	c.CreatedAt = time.Now().UTC()

	windows, err := marshalNullable(c.SendWindows)
	if err != nil {
		return err
	}
	filter, err := marshalNullable(c.SegmentFilter)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO campaigns (id, name, status, inbox_id, template_id, rate_limit_per_minute,
            auto_handoff, start_at, end_at, timezone, send_windows, segment_filter, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err = r.DB.ExecContext(ctx, query,
		c.ID, c.Name, c.Status, c.InboxID, c.TemplateID, c.RateLimitPerMinute,
		c.AutoHandoff, c.StartAt, c.EndAt, c.Timezone, windows, filter, c.CreatedAt,
	)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	windows, err := marshalNullable(c.SendWindows)
	if err != nil {
		return err
	}
	filter, err := marshalNullable(c.SegmentFilter)
	if err != nil {
		return err
	}
	query := `
        UPDATE campaigns
        SET name=$1, inbox_id=$2, template_id=$3, rate_limit_per_minute=$4, auto_handoff=$5,
            start_at=$6, end_at=$7, timezone=$8, send_windows=$9, segment_filter=$10, updated_at=NOW()
        WHERE id=$11
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.InboxID, c.TemplateID, c.RateLimitPerMinute, c.AutoHandoff,
		c.StartAt, c.EndAt, c.Timezone, windows, filter, c.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	return nil
}

func (r *CampaignRepository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to model.CampaignStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`,
		to, id, from,
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

func (r *CampaignRepository) SetSegmentFilter(ctx context.Context, id uuid.UUID, filter *model.SegmentFilter) error {
	raw, err := marshalNullable(filter)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx,
		`UPDATE campaigns SET segment_filter=$1, updated_at=NOW() WHERE id=$2`, raw, id)
	return err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	countArgs := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		countArgs = append(countArgs, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = ANY($1) ORDER BY created_at`
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	rows, err := r.DB.QueryContext(ctx, query, pq.Array(vals))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	// Recipients go with the campaign via FK cascade.
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var windows, filter []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.InboxID, &c.TemplateID, &c.RateLimitPerMinute,
		&c.AutoHandoff, &c.StartAt, &c.EndAt, &c.Timezone, &windows, &filter,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(windows) > 0 {
		c.SendWindows = &model.SendWindowSpec{}
		if err := json.Unmarshal(windows, c.SendWindows); err != nil {
			return nil, fmt.Errorf("decode send_windows for campaign %s: %w", c.ID, err)
		}
	}
	if len(filter) > 0 {
		c.SegmentFilter = &model.SegmentFilter{}
		if err := json.Unmarshal(filter, c.SegmentFilter); err != nil {
			return nil, fmt.Errorf("decode segment_filter for campaign %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func marshalNullable(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *model.SendWindowSpec:
		if x == nil {
			return nil, nil
		}
	case *model.SegmentFilter:
		if x == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
