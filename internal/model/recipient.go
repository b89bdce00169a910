package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "PENDING"
	DeliverySent      DeliveryState = "SENT"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryRead      DeliveryState = "READ"
	DeliveryFailed    DeliveryState = "FAILED"
)

func (s DeliveryState) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return true
	}
	return false
}

// Recipient is one (campaign, contact) pairing with its own delivery
// lifecycle. (CampaignID, ContactReference) is unique: a contact appears
// at most once per campaign no matter how often commit runs.
//
// Name, Age, Stage and ContactCreatedAt are snapshots taken at
// materialization time, kept for audit even if the contact changes later.
type Recipient struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	CampaignID       uuid.UUID     `db:"campaign_id" json:"campaign_id"`
	ContactReference string        `db:"contact_reference" json:"contact_reference"`
	Name             string        `db:"name" json:"name"`
	Age              *int          `db:"age" json:"age,omitempty"`
	Stage            string        `db:"stage" json:"stage,omitempty"`
	ContactCreatedAt *time.Time    `db:"contact_created_at" json:"contact_created_at,omitempty"`
	DeliveryState    DeliveryState `db:"delivery_state" json:"delivery_state"`
	OptInStatus      bool          `db:"opt_in_status" json:"opt_in_status"`
	OptInMethod      string        `db:"opt_in_method" json:"opt_in_method,omitempty"`
	OptInSource      string        `db:"opt_in_source" json:"opt_in_source,omitempty"`
	OptInAt          *time.Time    `db:"opt_in_at" json:"opt_in_at,omitempty"`
	LastError        string        `db:"last_error" json:"last_error,omitempty"`
	DispatchedAt     *time.Time    `db:"dispatched_at" json:"dispatched_at,omitempty"`
	SentAt           *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// RecipientStats is the per-delivery-state breakdown for one campaign.
type RecipientStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}
