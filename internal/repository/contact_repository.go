package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/waveline/campaign-engine/internal/model"
)

// ContactRepositoryInterface is the engine's view of the external contact
// store: a read oracle for segmentation, plus minimal creation used only
// by the explicit-upload path when configured.
type ContactRepositoryInterface interface {
	Query(ctx context.Context, filter *model.SegmentFilter, limit int) ([]model.Contact, error)
	Count(ctx context.Context, filter *model.SegmentFilter) (int, error)
	GetByPhone(ctx context.Context, phone string) (*model.Contact, error)
	Create(ctx context.Context, c *model.Contact) error
}

type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, phone, name, age, state, city, stage_id, lead_status, tags, opt_in, created_at, updated_at`

// buildWhere assembles the AND-ed filter conditions. Set dimensions are
// OR-ed internally via = ANY / array overlap; empty dimensions add nothing.
func buildWhere(filter *model.SegmentFilter) (string, []interface{}) {
	conditions := []string{"phone IS NOT NULL", "phone <> ''"}
	args := []interface{}{}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter != nil {
		if filter.AgeMin != nil {
			add("age >= $%d", *filter.AgeMin)
		}
		if filter.AgeMax != nil {
			add("age <= $%d", *filter.AgeMax)
		}
		if len(filter.States) > 0 {
			add("state = ANY($%d)", pq.Array(filter.States))
		}
		if len(filter.Cities) > 0 {
			add("city = ANY($%d)", pq.Array(filter.Cities))
		}
		if len(filter.FunnelStages) > 0 {
			add("stage_id = ANY($%d)", pq.Array(filter.FunnelStages))
		}
		if len(filter.LeadStatuses) > 0 {
			add("lead_status = ANY($%d)", pq.Array(filter.LeadStatuses))
		}
		if len(filter.Tags) > 0 {
			add("tags && $%d", pq.Array(filter.Tags))
		}
		if filter.CreatedAfter != nil {
			add("created_at >= $%d", *filter.CreatedAfter)
		}
		if filter.CreatedBefore != nil {
			add("created_at <= $%d", *filter.CreatedBefore)
		}
	}

	where := conditions[0]
	for _, c := range conditions[1:] {
		where += " AND " + c
	}
	return where, args
}

func (r *ContactRepository) Query(ctx context.Context, filter *model.SegmentFilter, limit int) ([]model.Contact, error) {
	where, args := buildWhere(filter)
	args = append(args, limit)
	query := fmt.Sprintf(`
        SELECT %s FROM contacts
        WHERE %s
        ORDER BY created_at DESC, id
        LIMIT $%d
    `, contactColumns, where, len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// Count is computed over the full matching set; the filter limit only
// bounds which rows are eligible for commit.
func (r *ContactRepository) Count(ctx context.Context, filter *model.SegmentFilter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	err := r.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM contacts WHERE %s`, where), args...,
	).Scan(&n)
	return n, err
}

func (r *ContactRepository) GetByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE phone=$1`
	c, err := scanContact(r.DB.QueryRowContext(ctx, query, phone))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO contacts (id, phone, name, age, state, city, stage_id, lead_status, tags, opt_in, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, c.ID, c.Phone, c.Name, c.Age, c.State, c.City, c.StageID, c.LeadStatus,
		pq.Array(c.Tags), c.OptIn, c.CreatedAt)
	if err != nil {
		// Lost a race with another writer creating the same phone.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing, getErr := r.GetByPhone(ctx, c.Phone)
			if getErr != nil {
				return getErr
			}
			if existing != nil {
				*c = *existing
				return nil
			}
		}
		return err
	}
	return nil
}

func scanContact(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	var state, city, stage, leadStatus sql.NullString
	err := row.Scan(
		&c.ID, &c.Phone, &c.Name, &c.Age, &state, &city, &stage, &leadStatus,
		pq.Array(&c.Tags), &c.OptIn, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State = state.String
	c.City = city.String
	c.StageID = stage.String
	c.LeadStatus = leadStatus.String
	return &c, nil
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
