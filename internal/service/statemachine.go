package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
)

// CampaignStateMachine owns every status transition. All writes go
// through compare-and-swap on the status column, so a lost race surfaces
// as ErrStaleState instead of silently clobbering a concurrent move.
type CampaignStateMachine struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Gate       *ComplianceGate

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time

	locks *LockRegistry
}

// NewCampaignStateMachine wires the state machine onto the shared lock
// registry. The same registry must be handed to the materializer, so a
// commit cannot insert recipients between the gate's verdict and the
// status swap.
func NewCampaignStateMachine(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	gate *ComplianceGate,
	locks *LockRegistry,
) *CampaignStateMachine {
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &CampaignStateMachine{
		Campaigns:  campaigns,
		Recipients: recipients,
		Gate:       gate,
		Now:        time.Now,
		locks:      locks,
	}
}

// ActivationResult reports where activation landed and the validation
// that authorized it.
type ActivationResult struct {
	Status     model.CampaignStatus    `json:"status"`
	Validation *model.ValidationResult `json:"validation"`
}

// RequestActivation runs the compliance gate and, if it passes, moves the
// campaign from DRAFT to SCHEDULED (future start_at) or RUNNING.
// Warnings block unless overrideWarnings is set; critical issues always
// block and are returned in full.
func (sm *CampaignStateMachine) RequestActivation(ctx context.Context, campaignID uuid.UUID, overrideWarnings bool) (*ActivationResult, error) {
	unlock := sm.locks.Lock(campaignID)
	defer unlock()

	campaign, err := sm.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.StatusDraft {
		return nil, &appErrors.ErrInvalidTransition{
			From: string(campaign.Status), To: string(model.StatusRunning),
		}
	}

	validation, err := sm.Gate.Validate(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	if !validation.Safe {
		return &ActivationResult{Status: campaign.Status, Validation: validation},
			&appErrors.ErrComplianceBlocked{Issues: validation.CriticalIssues}
	}
	if len(validation.Warnings) > 0 && !overrideWarnings {
		return &ActivationResult{Status: campaign.Status, Validation: validation},
			&appErrors.ErrComplianceBlocked{Issues: validation.Warnings}
	}

	target := model.StatusRunning
	now := sm.Now().UTC()
	if campaign.StartAt != nil && campaign.StartAt.After(now) {
		target = model.StatusScheduled
	}

	if err := sm.transition(ctx, campaign.ID, campaign.Status, target); err != nil {
		return nil, err
	}
	slog.Info("campaign activated",
		"campaign_id", campaign.ID, "status", target, "override_warnings", overrideWarnings)
	return &ActivationResult{Status: target, Validation: validation}, nil
}

// Pause halts dispatch. Pausing an already paused campaign is a no-op so
// the operation stays idempotent under operator retries.
func (sm *CampaignStateMachine) Pause(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	campaign, err := sm.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == model.StatusPaused {
		return campaign, nil
	}
	if err := sm.transition(ctx, campaign.ID, campaign.Status, model.StatusPaused); err != nil {
		return nil, err
	}
	campaign.Status = model.StatusPaused
	slog.Info("campaign paused", "campaign_id", campaign.ID)
	return campaign, nil
}

// Resume returns a paused campaign to RUNNING. A SCHEDULED campaign may
// also be resumed once its start has elapsed. Any other source status is
// rejected: DRAFT campaigns must go through activation and its gate.
func (sm *CampaignStateMachine) Resume(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	campaign, err := sm.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.StatusPaused && campaign.Status != model.StatusScheduled {
		return nil, &appErrors.ErrInvalidTransition{
			From: string(campaign.Status), To: string(model.StatusRunning),
		}
	}
	if campaign.StartAt != nil && campaign.StartAt.After(sm.Now().UTC()) {
		return nil, &appErrors.ErrNotYetDue{StartAt: *campaign.StartAt}
	}
	if err := sm.transition(ctx, campaign.ID, campaign.Status, model.StatusRunning); err != nil {
		return nil, err
	}
	campaign.Status = model.StatusRunning
	slog.Info("campaign resumed", "campaign_id", campaign.ID)
	return campaign, nil
}

// Cancel is allowed from any non-terminal status. Already delivered
// messages are untouched; pending recipients simply stop being released.
func (sm *CampaignStateMachine) Cancel(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	campaign, err := sm.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := sm.transition(ctx, campaign.ID, campaign.Status, model.StatusCancelled); err != nil {
		return nil, err
	}
	campaign.Status = model.StatusCancelled
	slog.Info("campaign cancelled", "campaign_id", campaign.ID)
	return campaign, nil
}

// AdvanceClock moves one campaign along time-driven transitions: promote
// a due SCHEDULED campaign, complete a RUNNING one past end_at, and
// complete a RUNNING one with an exhausted audience. Returns the status
// after any moves.
func (sm *CampaignStateMachine) AdvanceClock(ctx context.Context, campaign *model.Campaign) (model.CampaignStatus, error) {
	now := sm.Now().UTC()

	if campaign.Status == model.StatusScheduled {
		if campaign.StartAt != nil && campaign.StartAt.After(now) {
			return campaign.Status, nil
		}
		// Conditions may have shifted since activation; re-check before
		// the first message leaves. A failed re-check holds the campaign
		// in SCHEDULED and logs why.
		validation, err := sm.Gate.Validate(ctx, campaign.ID)
		if err != nil {
			return campaign.Status, err
		}
		if !validation.Safe {
			slog.Warn("scheduled campaign failed pre-start re-validation; holding",
				"campaign_id", campaign.ID, "issues", validation.CriticalIssues)
			return campaign.Status, nil
		}
		if err := sm.transition(ctx, campaign.ID, model.StatusScheduled, model.StatusRunning); err != nil {
			return campaign.Status, err
		}
		campaign.Status = model.StatusRunning
		slog.Info("scheduled campaign started", "campaign_id", campaign.ID)
	}

	if campaign.Status != model.StatusRunning {
		return campaign.Status, nil
	}

	if campaign.EndAt != nil && !campaign.EndAt.After(now) {
		if err := sm.transition(ctx, campaign.ID, model.StatusRunning, model.StatusCompleted); err != nil {
			return campaign.Status, err
		}
		campaign.Status = model.StatusCompleted
		slog.Info("campaign completed at end time", "campaign_id", campaign.ID)
		return campaign.Status, nil
	}

	pending, err := sm.Recipients.CountPending(ctx, campaign.ID)
	if err != nil {
		return campaign.Status, err
	}
	if pending == 0 {
		if err := sm.transition(ctx, campaign.ID, model.StatusRunning, model.StatusCompleted); err != nil {
			return campaign.Status, err
		}
		campaign.Status = model.StatusCompleted
		slog.Info("campaign completed, audience exhausted", "campaign_id", campaign.ID)
	}
	return campaign.Status, nil
}

// transition validates the move against the lifecycle graph and applies
// it with compare-and-swap.
func (sm *CampaignStateMachine) transition(ctx context.Context, id uuid.UUID, from, to model.CampaignStatus) error {
	if !from.CanTransitionTo(to) {
		return &appErrors.ErrInvalidTransition{From: string(from), To: string(to)}
	}
	swapped, err := sm.Campaigns.UpdateStatusCAS(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !swapped {
		return appErrors.ErrStaleState
	}
	return nil
}
