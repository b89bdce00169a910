package model

import (
	"time"

	"github.com/google/uuid"
)

// Contact is a row from the external contact repository. The engine never
// owns contact storage; it reads contacts to compute audiences and, when
// upload is configured to do so, creates minimal records for unknown phones.
type Contact struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Phone      string     `db:"phone" json:"phone"`
	Name       string     `db:"name" json:"name"`
	Age        *int       `db:"age" json:"age,omitempty"`
	State      string     `db:"state" json:"state,omitempty"`
	City       string     `db:"city" json:"city,omitempty"`
	StageID    string     `db:"stage_id" json:"stage_id,omitempty"`
	LeadStatus string     `db:"lead_status" json:"lead_status,omitempty"`
	Tags       []string   `db:"tags" json:"tags,omitempty"`
	OptIn      bool       `db:"opt_in" json:"opt_in"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
