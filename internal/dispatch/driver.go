// Package dispatch runs the release loop: on every tick it walks active
// campaigns, advances time-driven status transitions, and hands rate-
// limited batches of pending recipients to the queue.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/queue"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/service"
	"github.com/waveline/campaign-engine/internal/throttle"
	"github.com/waveline/campaign-engine/internal/window"
)

type Driver struct {
	Campaigns    repository.CampaignRepositoryInterface
	Recipients   repository.RecipientRepositoryInterface
	StateMachine *service.CampaignStateMachine
	Throttler    *throttle.Throttler
	Publisher    queue.Publisher

	Interval  time.Duration
	BatchSize int

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewDriver(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	sm *service.CampaignStateMachine,
	throttler *throttle.Throttler,
	publisher queue.Publisher,
	interval time.Duration,
	batchSize int,
) *Driver {
	return &Driver{
		Campaigns:    campaigns,
		Recipients:   recipients,
		StateMachine: sm,
		Throttler:    throttler,
		Publisher:    publisher,
		Interval:     interval,
		BatchSize:    batchSize,
		Now:          time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called or ctx is cancelled.
func (d *Driver) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.Interval)
		defer ticker.Stop()

		slog.Info("dispatch driver started", "interval", d.Interval, "batch_size", d.BatchSize)
		for {
			select {
			case <-ctx.Done():
				slog.Info("dispatch driver stopping, context cancelled")
				return
			case <-d.stop:
				slog.Info("dispatch driver stopped")
				return
			case <-ticker.C:
				d.safeTick(ctx)
			}
		}
	}()
}

func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}

// safeTick keeps a panicking tick from killing the loop.
func (d *Driver) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch tick panicked", "panic", r)
		}
	}()
	d.Tick(ctx)
}

// Tick processes every SCHEDULED and RUNNING campaign once. Exported so
// tests can drive the loop deterministically.
func (d *Driver) Tick(ctx context.Context) {
	campaigns, err := d.Campaigns.ListByStatus(ctx, model.StatusScheduled, model.StatusRunning)
	if err != nil {
		slog.Error("listing active campaigns failed", "error", err)
		return
	}

	for _, campaign := range campaigns {
		if err := d.processCampaign(ctx, campaign); err != nil {
			slog.Error("campaign tick failed", "campaign_id", campaign.ID, "error", err)
		}
	}
}

func (d *Driver) processCampaign(ctx context.Context, campaign *model.Campaign) error {
	status, err := d.StateMachine.AdvanceClock(ctx, campaign)
	if err != nil {
		return err
	}
	if status != model.StatusRunning {
		if status.Terminal() {
			d.Throttler.Forget(campaign.ID)
		}
		return nil
	}

	now := d.Now()
	schedule, err := window.Compile(campaign.SendWindows, campaign.Timezone)
	if err != nil {
		// Malformed windows on an active campaign; hold dispatch rather
		// than send at a forbidden hour.
		return err
	}
	if !schedule.SendAllowedAt(now) {
		if next, ok := schedule.NextAllowedInstant(now); ok {
			slog.Debug("outside send window",
				"campaign_id", campaign.ID, "next_window", next)
		}
		return nil
	}

	grants := 0
	for grants < d.BatchSize && d.Throttler.TryAcquire(campaign.ID, campaign.RateLimitPerMinute, now) {
		grants++
	}
	if grants == 0 {
		return nil
	}

	claimed, err := d.Recipients.ClaimPending(ctx, campaign.ID, grants, now)
	if err != nil {
		return err
	}
	for _, rec := range claimed {
		job := queue.DispatchJob{
			RecipientID: rec.ID,
			CampaignID:  campaign.ID,
			InboxID:     campaign.InboxID,
			TemplateID:  campaign.TemplateID,
			ContactRef:  rec.ContactReference,
			ReleasedAt:  now.UTC(),
		}
		if err := d.Publisher.Publish(job); err != nil {
			// The row stays claimed so it cannot be double-sent.
			slog.Error("publish failed", "recipient_id", rec.ID, "error", err)
			return err
		}
	}
	if len(claimed) > 0 {
		slog.Info("released batch",
			"campaign_id", campaign.ID, "count", len(claimed))
	}
	return nil
}
