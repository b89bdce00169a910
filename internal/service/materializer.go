package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
)

// AudienceMaterializer turns a computed candidate set into persisted
// recipients, at most once per (campaign, contact). Re-running commit
// with overlapping filters only ever adds contacts that are new to the
// campaign; everything already present is skipped, not an error.
type AudienceMaterializer struct {
	Campaigns    repository.CampaignRepositoryInterface
	Recipients   repository.RecipientRepositoryInterface
	Contacts     repository.ContactRepositoryInterface
	Segmentation *SegmentationEngine
	// CreateContacts lets uploadRecipients create minimal contact
	// records for unknown phones. Explicit configuration, never default.
	CreateContacts bool

	locks *LockRegistry
}

// NewAudienceMaterializer wires the materializer onto the shared lock
// registry; pass the same registry the state machine uses so commits and
// activations on one campaign are serialized.
func NewAudienceMaterializer(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	segmentation *SegmentationEngine,
	createContacts bool,
	locks *LockRegistry,
) *AudienceMaterializer {
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &AudienceMaterializer{
		Campaigns:      campaigns,
		Recipients:     recipients,
		Contacts:       contacts,
		Segmentation:   segmentation,
		CreateContacts: createContacts,
		locks:          locks,
	}
}

type CommitStats struct {
	Considered int  `json:"considered"`
	Inserted   int  `json:"inserted"`
	Skipped    int  `json:"skipped_existing"`
	DryRun     bool `json:"dry_run,omitempty"`
}

// Commit evaluates the filter bounded by limit and inserts one recipient
// per matched contact. Rows already present are skipped silently. A
// segmentation timeout mid-commit keeps whatever was already inserted.
func (m *AudienceMaterializer) Commit(ctx context.Context, campaignID uuid.UUID, filter *model.SegmentFilter, limit int, dryRun bool) (*CommitStats, error) {
	campaign, err := m.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		filter = &model.SegmentFilter{}
	}
	if limit <= 0 {
		limit = filter.EffectiveLimit()
	}
	if limit > model.MaxFilterLimit {
		limit = model.MaxFilterLimit
	}

	unlock := m.locks.Lock(campaign.ID)
	defer unlock()

	// One deadline bounds the scan and the insert loop together, so a
	// commit that outlives it reports the timeout with whatever partial
	// stats it accumulated.
	scanCtx, cancel := m.Segmentation.scanContext(ctx)
	defer cancel()

	candidates, err := m.Segmentation.Candidates(scanCtx, filter, limit)
	if err != nil {
		return nil, err
	}

	stats := &CommitStats{Considered: len(candidates), DryRun: dryRun}
	if dryRun {
		return stats, nil
	}

	for _, contact := range candidates {
		if scanCtx.Err() != nil {
			return stats, appErrors.ErrSegmentationTimeout
		}
		inserted, err := m.insertFromContact(scanCtx, campaign.ID, contact)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return stats, appErrors.ErrSegmentationTimeout
			}
			// Partial commits stay; report what got in before failing.
			slog.Error("recipient insert failed",
				"campaign_id", campaign.ID, "contact", contact.Phone, "error", err)
			return stats, err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Skipped++
		}
	}

	// Persist the filter definition so the audience can be recomputed
	// and audited later.
	if err := m.Campaigns.SetSegmentFilter(ctx, campaign.ID, filter); err != nil {
		return stats, err
	}
	return stats, nil
}

func (m *AudienceMaterializer) insertFromContact(ctx context.Context, campaignID uuid.UUID, contact model.Contact) (bool, error) {
	created := contact.CreatedAt
	rec := &model.Recipient{
		CampaignID:       campaignID,
		ContactReference: contact.Phone,
		Name:             contact.Name,
		Age:              contact.Age,
		Stage:            contact.StageID,
		ContactCreatedAt: &created,
		DeliveryState:    model.DeliveryPending,
		OptInStatus:      contact.OptIn,
	}
	return m.Recipients.Insert(ctx, rec)
}

// UploadIdentifier is one row of an explicit recipient upload.
type UploadIdentifier struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

type UploadStats struct {
	Total           int `json:"total"`
	Valid           int `json:"valid"`
	Invalid         int `json:"invalid"`
	Inserted        int `json:"inserted"`
	SkippedExisting int `json:"skipped_existing"`
	CreatedContacts int `json:"created_contacts"`
	Failed          int `json:"failed"`
}

// Upload materializes recipients from an explicit identifier list,
// bypassing segmentation. Identifiers that fail phone normalization are
// counted as invalid and never inserted. Unknown phones become minimal
// contact records only when CreateContacts is on; otherwise they are
// inserted as recipients without a backing contact snapshot.
func (m *AudienceMaterializer) Upload(ctx context.Context, campaignID uuid.UUID, identifiers []UploadIdentifier) (*UploadStats, error) {
	campaign, err := m.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(identifiers) == 0 {
		return nil, appErrors.NewValidation("no identifiers provided")
	}

	unlock := m.locks.Lock(campaign.ID)
	defer unlock()

	stats := &UploadStats{Total: len(identifiers)}
	for _, ident := range identifiers {
		phone, ok := NormalizePhone(ident.Phone)
		if !ok {
			stats.Invalid++
			continue
		}
		stats.Valid++

		contact, err := m.Contacts.GetByPhone(ctx, phone)
		if err != nil {
			stats.Failed++
			slog.Error("contact lookup failed", "phone", phone, "error", err)
			continue
		}

		if contact == nil && m.CreateContacts {
			contact = &model.Contact{Phone: phone, Name: ident.Name}
			if err := m.Contacts.Create(ctx, contact); err != nil {
				stats.Failed++
				slog.Error("contact creation failed", "phone", phone, "error", err)
				continue
			}
			stats.CreatedContacts++
		}

		rec := &model.Recipient{
			CampaignID:       campaign.ID,
			ContactReference: phone,
			Name:             ident.Name,
			DeliveryState:    model.DeliveryPending,
		}
		if contact != nil {
			if rec.Name == "" {
				rec.Name = contact.Name
			}
			rec.Age = contact.Age
			rec.Stage = contact.StageID
			created := contact.CreatedAt
			rec.ContactCreatedAt = &created
			rec.OptInStatus = contact.OptIn
		}

		inserted, err := m.Recipients.Insert(ctx, rec)
		if err != nil {
			stats.Failed++
			slog.Error("recipient insert failed", "campaign_id", campaign.ID, "phone", phone, "error", err)
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.SkippedExisting++
		}
	}

	return stats, nil
}

// NormalizePhone reduces an identifier to bare digits, dropping an
// international-dialing "00" prefix. Anything outside 8..15 digits
// (E.164 bounds) is rejected.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return digits, true
}
