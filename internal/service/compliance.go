package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/window"
)

// Opt-in registration methods accepted by bulk registration. The method
// records HOW consent was collected; free-form values are rejected so the
// audit trail stays queryable.
const (
	OptInMethodWebForm      = "WEB_FORM"
	OptInMethodWhatsAppChat = "WHATSAPP_CHAT"
	OptInMethodCheckout     = "CHECKOUT"
	OptInMethodOther        = "OTHER"
)

func validOptInMethod(method string) bool {
	switch method {
	case OptInMethodWebForm, OptInMethodWhatsAppChat, OptInMethodCheckout, OptInMethodOther:
		return true
	}
	return false
}

// ComplianceGate runs every pre-flight check a campaign must pass before
// activation. Checks never short-circuit: a single validation pass reports
// the complete set of critical issues and warnings.
type ComplianceGate struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Inboxes    repository.InboxRepositoryInterface
}

// tierWarnRatio is the fraction of the tier ceiling above which the gate
// warns that the audience is close to the provider limit.
const tierWarnRatio = 0.8

// Validate gathers the campaign's current numbers and evaluates every
// check against them. It is read-only and callable in any status.
func (g *ComplianceGate) Validate(ctx context.Context, campaignID uuid.UUID) (*model.ValidationResult, error) {
	campaign, err := g.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	result := &model.ValidationResult{
		Safe:           true,
		CriticalIssues: []string{},
		Warnings:       []string{},
	}

	stats, err := g.Recipients.Stats(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	result.Stats.RecipientCount = stats.Total

	withoutOptIn, err := g.Recipients.CountWithoutOptIn(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	result.Stats.RecipientsWithoutOptIn = withoutOptIn

	inbox, err := g.Inboxes.GetInbox(ctx, campaign.InboxID)
	if err != nil {
		return nil, err
	}

	var tmpl *model.Template
	if campaign.TemplateID != nil {
		tmpl, err = g.Inboxes.GetTemplate(ctx, *campaign.TemplateID)
		if err != nil {
			return nil, err
		}
	}

	g.checkRecipients(result, stats.Total)
	g.checkOptIn(result, inbox, tmpl, withoutOptIn)
	g.checkInboxHealth(result, inbox)
	g.checkTierCapacity(result, inbox, stats.Total)
	g.checkTemplate(result, campaign, tmpl)
	g.checkRateLimit(result, campaign, inbox)
	g.checkSendWindows(result, campaign)

	return result, nil
}

func (g *ComplianceGate) checkRecipients(r *model.ValidationResult, total int) {
	if total == 0 {
		r.Critical("campaign has no recipients")
	}
}

// checkOptIn escalates missing consent to critical only for MARKETING
// content; utility and unclassified sends keep it as a warning.
func (g *ComplianceGate) checkOptIn(r *model.ValidationResult, inbox *model.Inbox, tmpl *model.Template, withoutOptIn int) {
	if withoutOptIn == 0 {
		return
	}
	marketing := tmpl != nil && tmpl.Category == model.CategoryMarketing
	msg := fmt.Sprintf("%d recipient(s) without registered opt-in", withoutOptIn)
	if marketing || (inbox != nil && inbox.RequiresOptIn) {
		r.Critical(msg + " on a consent-gated send")
		return
	}
	r.Warn(msg)
}

func (g *ComplianceGate) checkInboxHealth(r *model.ValidationResult, inbox *model.Inbox) {
	if inbox == nil {
		r.Critical("campaign inbox does not exist")
		r.Stats.QualityRating = model.QualityUnknown
		r.Stats.Tier = "UNKNOWN"
		return
	}
	r.Stats.QualityRating = inbox.QualityRating
	r.Stats.Tier = inbox.Tier

	if inbox.Suspended {
		r.Critical("inbox is suspended by the provider")
	}
	switch inbox.QualityRating {
	case model.QualityRed:
		r.Critical("inbox quality rating is RED")
	case model.QualityYellow:
		r.Warn("inbox quality rating is YELLOW; sending may degrade it further")
	}
}

func (g *ComplianceGate) checkTierCapacity(r *model.ValidationResult, inbox *model.Inbox, total int) {
	if inbox == nil {
		return
	}
	limit := inbox.TierCeiling()
	r.Stats.TierLimit = limit

	if total > limit {
		r.Critical(fmt.Sprintf("recipient count %d exceeds tier limit %d", total, limit))
		return
	}
	if float64(total) > float64(limit)*tierWarnRatio {
		r.Warn(fmt.Sprintf("recipient count %d is above 80%% of tier limit %d", total, limit))
	}
}

func (g *ComplianceGate) checkTemplate(r *model.ValidationResult, campaign *model.Campaign, tmpl *model.Template) {
	if campaign.TemplateID == nil {
		r.Critical("campaign has no message template")
		return
	}
	if tmpl == nil {
		r.Critical("campaign template does not exist")
		return
	}
	r.Stats.TemplateStatus = tmpl.ApprovalStatus
	r.Stats.TemplateCategory = tmpl.Category

	switch tmpl.ApprovalStatus {
	case model.TemplateApproved:
	case model.TemplatePending:
		r.Warn("template approval is still pending")
	default:
		r.Critical(fmt.Sprintf("template %s is not approved (status %s)", tmpl.Name, tmpl.ApprovalStatus))
	}
}

func (g *ComplianceGate) checkRateLimit(r *model.ValidationResult, campaign *model.Campaign, inbox *model.Inbox) {
	if campaign.RateLimitPerMinute <= 0 {
		r.Critical("rate limit must be a positive number of messages per minute")
		return
	}
	if inbox != nil && inbox.MaxRatePerMinute > 0 && campaign.RateLimitPerMinute > inbox.MaxRatePerMinute {
		r.Critical(fmt.Sprintf("rate limit %d/min exceeds inbox ceiling %d/min",
			campaign.RateLimitPerMinute, inbox.MaxRatePerMinute))
	}
}

func (g *ComplianceGate) checkSendWindows(r *model.ValidationResult, campaign *model.Campaign) {
	if _, err := window.Compile(campaign.SendWindows, campaign.Timezone); err != nil {
		r.Critical(fmt.Sprintf("send windows are invalid: %v", err))
	}
}

// BulkRegisterOptIn records consent for every recipient of the campaign
// that does not have it yet. Method and source are mandatory: consent
// without provenance is not consent.
func (g *ComplianceGate) BulkRegisterOptIn(ctx context.Context, campaignID uuid.UUID, method, source string) (int, error) {
	if !validOptInMethod(method) {
		return 0, appErrors.NewValidation(
			"opt-in method must be one of WEB_FORM, WHATSAPP_CHAT, CHECKOUT, OTHER; got %q", method)
	}
	if source == "" {
		return 0, appErrors.NewValidation("opt-in source is required")
	}
	if _, err := g.Campaigns.GetByID(ctx, campaignID); err != nil {
		return 0, err
	}
	return g.Recipients.BulkRegisterOptIn(ctx, campaignID, method, source)
}
