package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/waveline/campaign-engine/internal/cache"
	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/window"
)

// CampaignService covers campaign CRUD, listings and stats. List and
// stats responses go through the cache; every write invalidates.
type CampaignService struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Inboxes    repository.InboxRepositoryInterface
	Cache      cache.Cache
}

type CampaignList struct {
	Campaigns []*model.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
}

func (s *CampaignService) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if err := s.validateDefinition(ctx, c); err != nil {
		return nil, err
	}
	c.Status = model.StatusDraft
	if err := s.Campaigns.Create(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(ctx, c.ID)
	slog.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	return c, nil
}

func (s *CampaignService) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return s.Campaigns.GetByID(ctx, id)
}

// Update applies definition changes. Only DRAFT and PAUSED campaigns are
// editable; an active definition never changes under a running dispatch.
func (s *CampaignService) Update(ctx context.Context, id uuid.UUID, apply func(*model.Campaign)) (*model.Campaign, error) {
	campaign, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.StatusDraft && campaign.Status != model.StatusPaused {
		return nil, appErrors.NewValidation("campaign in status %s cannot be edited", campaign.Status)
	}

	apply(campaign)
	if err := s.validateDefinition(ctx, campaign); err != nil {
		return nil, err
	}
	if err := s.Campaigns.Update(ctx, campaign); err != nil {
		return nil, err
	}
	s.invalidate(ctx, campaign.ID)
	return campaign, nil
}

func (s *CampaignService) Delete(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status == model.StatusRunning {
		return appErrors.NewValidation("running campaign must be cancelled before deletion")
	}
	if err := s.Campaigns.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	slog.Info("campaign deleted", "campaign_id", id)
	return nil
}

func (s *CampaignService) List(ctx context.Context, offset, limit int, status string) (*CampaignList, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if status != "" && !model.CampaignStatus(status).Valid() {
		return nil, appErrors.NewValidation("unknown campaign status %q", status)
	}

	key := cache.ListKey(offset, limit, status)
	var cached CampaignList
	if hit, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		slog.Warn("campaign list cache read failed", "error", err)
	}

	campaigns, total, err := s.Campaigns.ListCampaigns(ctx, offset, limit, status)
	if err != nil {
		return nil, err
	}
	out := &CampaignList{Campaigns: campaigns, Total: total, Offset: offset, Limit: limit}
	if err := s.Cache.SetJSON(ctx, key, out); err != nil {
		slog.Warn("campaign list cache write failed", "error", err)
	}
	return out, nil
}

func (s *CampaignService) Stats(ctx context.Context, id uuid.UUID) (*model.RecipientStats, error) {
	if _, err := s.Campaigns.GetByID(ctx, id); err != nil {
		return nil, err
	}

	key := cache.StatsKey(id)
	var cached model.RecipientStats
	if hit, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		slog.Warn("stats cache read failed", "campaign_id", id, "error", err)
	}

	stats, err := s.Recipients.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.SetJSON(ctx, key, stats); err != nil {
		slog.Warn("stats cache write failed", "campaign_id", id, "error", err)
	}
	return stats, nil
}

// Requirements is the activation checklist for UIs: each item the
// campaign still needs before the compliance gate could pass.
type Requirements struct {
	HasTemplate   bool `json:"has_template"`
	HasRecipients bool `json:"has_recipients"`
	HasRateLimit  bool `json:"has_rate_limit"`
	InboxHealthy  bool `json:"inbox_healthy"`
	Ready         bool `json:"ready"`
}

func (s *CampaignService) Requirements(ctx context.Context, id uuid.UUID) (*Requirements, error) {
	campaign, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Recipients.Stats(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	inbox, err := s.Inboxes.GetInbox(ctx, campaign.InboxID)
	if err != nil {
		return nil, err
	}

	req := &Requirements{
		HasTemplate:   campaign.TemplateID != nil,
		HasRecipients: stats.Total > 0,
		HasRateLimit:  campaign.RateLimitPerMinute > 0,
		InboxHealthy:  inbox != nil && !inbox.Suspended && inbox.QualityRating != model.QualityRed,
	}
	req.Ready = req.HasTemplate && req.HasRecipients && req.HasRateLimit && req.InboxHealthy
	return req, nil
}

// RecordDelivery applies a provider delivery callback onto the recipient
// row. Unknown recipients are reported, not swallowed.
func (s *CampaignService) RecordDelivery(ctx context.Context, recipientID uuid.UUID, state model.DeliveryState, lastError string, at time.Time) error {
	if !state.Valid() || state == model.DeliveryPending {
		return appErrors.NewValidation("invalid delivery state %q", state)
	}
	rec, err := s.Recipients.GetByID(ctx, recipientID)
	if err != nil {
		return err
	}
	if rec == nil {
		return appErrors.NewValidation("unknown recipient %s", recipientID)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.Recipients.UpdateDeliveryState(ctx, recipientID, state, lastError, at); err != nil {
		return err
	}
	s.invalidate(ctx, rec.CampaignID)
	return nil
}

func (s *CampaignService) validateDefinition(ctx context.Context, c *model.Campaign) error {
	if c.Name == "" {
		return appErrors.NewValidation("campaign name is required")
	}
	if c.InboxID == uuid.Nil {
		return appErrors.NewValidation("campaign inbox is required")
	}
	if c.RateLimitPerMinute < 0 {
		return appErrors.NewValidation("rate limit cannot be negative")
	}
	if c.StartAt != nil && c.EndAt != nil && !c.EndAt.After(*c.StartAt) {
		return appErrors.NewValidation("end_at must be after start_at")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return appErrors.NewValidation("unknown timezone %q", c.Timezone)
		}
	}
	// Malformed windows are rejected at write time, not discovered at
	// dispatch time.
	if _, err := window.Compile(c.SendWindows, c.Timezone); err != nil {
		return err
	}
	if c.SegmentFilter != nil {
		if err := c.SegmentFilter.Validate(); err != nil {
			return appErrors.NewValidation("invalid segment filter: %v", err)
		}
	}

	inbox, err := s.Inboxes.GetInbox(ctx, c.InboxID)
	if err != nil {
		return err
	}
	if inbox == nil {
		return appErrors.NewValidation("inbox %s does not exist", c.InboxID)
	}
	return nil
}

func (s *CampaignService) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.Cache.InvalidateCampaign(ctx, id); err != nil {
		slog.Warn("cache invalidation failed", "campaign_id", id, "error", err)
	}
}
