package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel provider kinds. MetaCloud is the official cloud messaging API;
// SessionGateway is the unofficial session-based provider with fewer
// capabilities and no tier reporting.
const (
	ProviderMetaCloud      = "META_CLOUD"
	ProviderSessionGateway = "SESSION_GATEWAY"
)

// Quality ratings as reported by the provider health API.
const (
	QualityGreen   = "GREEN"
	QualityYellow  = "YELLOW"
	QualityRed     = "RED"
	QualityUnknown = "UNKNOWN"
)

// TierLimit maps a provider throughput tier to its daily recipient ceiling.
// UNKNOWN is deliberately conservative.
var TierLimit = map[string]int{
	"TIER_1K":        1000,
	"TIER_10K":       10000,
	"TIER_100K":      100000,
	"TIER_UNLIMITED": 1000000,
	"UNKNOWN":        100,
}

// Inbox is the channel a campaign sends through. Health fields are a
// snapshot refreshed out-of-band; the compliance gate only reads them.
type Inbox struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Provider         string     `db:"provider" json:"provider"`
	QualityRating    string     `db:"quality_rating" json:"quality_rating"`
	Tier             string     `db:"tier" json:"tier"`
	MaxRatePerMinute int        `db:"max_rate_per_minute" json:"max_rate_per_minute"`
	Suspended        bool       `db:"suspended" json:"suspended"`
	RequiresOptIn    bool       `db:"requires_opt_in" json:"requires_opt_in"`
	HealthUpdatedAt  *time.Time `db:"health_updated_at" json:"health_updated_at,omitempty"`
}

// TierCeiling resolves the inbox tier to its numeric recipient limit.
func (i *Inbox) TierCeiling() int {
	if n, ok := TierLimit[i.Tier]; ok {
		return n
	}
	return TierLimit["UNKNOWN"]
}

// Template approval statuses mirror the provider's review lifecycle.
const (
	TemplateApproved = "APPROVED"
	TemplatePending  = "PENDING"
	TemplateRejected = "REJECTED"
)

// Template categories; MARKETING sends are consent-gated.
const (
	CategoryMarketing = "MARKETING"
	CategoryUtility   = "UTILITY"
)

type Template struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	InboxID        *uuid.UUID `db:"inbox_id" json:"inbox_id,omitempty"`
	Name           string     `db:"name" json:"name"`
	Category       string     `db:"category" json:"category"`
	ApprovalStatus string     `db:"approval_status" json:"approval_status"`
}
