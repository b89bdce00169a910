package model

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusRunning   CampaignStatus = "RUNNING"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusCancelled CampaignStatus = "CANCELLED"
)

// allowedTransitions is the full lifecycle graph. COMPLETED and CANCELLED
// are terminal; every non-terminal state may be cancelled.
var allowedTransitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusScheduled, StatusRunning, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusRunning, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether the lifecycle graph permits s -> next.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Status             CampaignStatus  `db:"status" json:"status"`
	InboxID            uuid.UUID       `db:"inbox_id" json:"inbox_id"`
	TemplateID         *uuid.UUID      `db:"template_id" json:"template_id,omitempty"`
	RateLimitPerMinute int             `db:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	AutoHandoff        bool            `db:"auto_handoff" json:"auto_handoff"`
	StartAt            *time.Time      `db:"start_at" json:"start_at,omitempty"`
	EndAt              *time.Time      `db:"end_at" json:"end_at,omitempty"`
	Timezone           string          `db:"timezone" json:"timezone"`
	SendWindows        *SendWindowSpec `db:"send_windows" json:"send_windows,omitempty"`
	SegmentFilter      *SegmentFilter  `db:"segment_filter" json:"segment_filter,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// SendWindowSpec is the persisted shape of a campaign's send windows.
// Weekdays maps "0" (Sunday) through "6" (Saturday) to "HH:MM-HH:MM"
// ranges. Parsing and evaluation live in the window package.
type SendWindowSpec struct {
	Enabled  bool                `json:"enabled"`
	Timezone string              `json:"timezone,omitempty"`
	Weekdays map[string][]string `json:"weekdays,omitempty"`
}
