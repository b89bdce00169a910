package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
)

// In-memory fakes for the repository interfaces. They implement just
// enough semantics for the services under test, including the unique
// (campaign_id, contact_reference) guarantee.

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*model.Campaign
}

func newFakeCampaignRepo(campaigns ...*model.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{campaigns: make(map[uuid.UUID]*model.Campaign)}
	for _, c := range campaigns {
		cp := *c
		r.campaigns[c.ID] = &cp
	}
	return r
}

func (r *fakeCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *fakeCampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeCampaignRepo) Update(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *fakeCampaignRepo) UpdateStatusCAS(_ context.Context, id uuid.UUID, from, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (r *fakeCampaignRepo) SetSegmentFilter(_ context.Context, id uuid.UUID, filter *model.SegmentFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.SegmentFilter = filter
	return nil
}

func (r *fakeCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	total := len(all)
	if offset >= len(all) {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *fakeCampaignRepo) ListByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Campaign
	for _, c := range r.campaigns {
		for _, s := range statuses {
			if c.Status == s {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeCampaignRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(r.campaigns, id)
	return nil
}

func (r *fakeCampaignRepo) status(id uuid.UUID) model.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaigns[id].Status
}

type recipientKey struct {
	campaign uuid.UUID
	ref      string
}

type fakeRecipientRepo struct {
	mu         sync.Mutex
	recipients map[recipientKey]*model.Recipient
	insertErr  error
	// insertDelay simulates slow writes for deadline tests.
	insertDelay time.Duration
}

func newFakeRecipientRepo() *fakeRecipientRepo {
	return &fakeRecipientRepo{recipients: make(map[recipientKey]*model.Recipient)}
}

func (r *fakeRecipientRepo) Insert(ctx context.Context, rec *model.Recipient) (bool, error) {
	if r.insertDelay > 0 {
		select {
		case <-time.After(r.insertDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return false, r.insertErr
	}
	key := recipientKey{rec.CampaignID, rec.ContactReference}
	if _, exists := r.recipients[key]; exists {
		return false, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.DeliveryState == "" {
		rec.DeliveryState = model.DeliveryPending
	}
	cp := *rec
	r.recipients[key] = &cp
	return true, nil
}

func (r *fakeRecipientRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRecipientRepo) Stats(_ context.Context, campaignID uuid.UUID) (*model.RecipientStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &model.RecipientStats{}
	for _, rec := range r.recipients {
		if rec.CampaignID != campaignID {
			continue
		}
		stats.Total++
		switch rec.DeliveryState {
		case model.DeliveryPending:
			stats.Pending++
		case model.DeliverySent:
			stats.Sent++
		case model.DeliveryDelivered:
			stats.Delivered++
		case model.DeliveryRead:
			stats.Read++
		case model.DeliveryFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *fakeRecipientRepo) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	stats, _ := r.Stats(ctx, campaignID)
	return stats.Pending, nil
}

func (r *fakeRecipientRepo) CountWithoutOptIn(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && !rec.OptInStatus {
			n++
		}
	}
	return n, nil
}

func (r *fakeRecipientRepo) BulkRegisterOptIn(_ context.Context, campaignID uuid.UUID, method, source string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && !rec.OptInStatus {
			rec.OptInStatus = true
			rec.OptInMethod = method
			rec.OptInSource = source
			rec.OptInAt = &now
			n++
		}
	}
	return n, nil
}

func (r *fakeRecipientRepo) ClaimPending(_ context.Context, campaignID uuid.UUID, limit int, now time.Time) ([]model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []model.Recipient
	ts := now.UTC()
	for _, rec := range r.recipients {
		if len(claimed) == limit {
			break
		}
		if rec.CampaignID == campaignID && rec.DeliveryState == model.DeliveryPending && rec.DispatchedAt == nil {
			rec.DispatchedAt = &ts
			claimed = append(claimed, *rec)
		}
	}
	return claimed, nil
}

func (r *fakeRecipientRepo) CountDispatchedSince(_ context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && rec.DispatchedAt != nil && !rec.DispatchedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeRecipientRepo) UpdateDeliveryState(_ context.Context, id uuid.UUID, state model.DeliveryState, lastError string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients {
		if rec.ID == id {
			rec.DeliveryState = state
			rec.LastError = lastError
			if state == model.DeliverySent {
				ts := at.UTC()
				rec.SentAt = &ts
			}
			return nil
		}
	}
	return nil
}

func (r *fakeRecipientRepo) add(campaignID uuid.UUID, ref string, optIn bool, state model.DeliveryState) *model.Recipient {
	rec := &model.Recipient{
		ID:               uuid.New(),
		CampaignID:       campaignID,
		ContactReference: ref,
		OptInStatus:      optIn,
		DeliveryState:    state,
	}
	r.mu.Lock()
	r.recipients[recipientKey{campaignID, ref}] = rec
	r.mu.Unlock()
	return rec
}

func (r *fakeRecipientRepo) count(campaignID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID {
			n++
		}
	}
	return n
}

type fakeContactRepo struct {
	mu       sync.Mutex
	contacts []model.Contact
	queryErr error
	// delay simulates a slow scan for timeout tests.
	delay time.Duration
}

func (r *fakeContactRepo) Query(ctx context.Context, filter *model.SegmentFilter, limit int) ([]model.Contact, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Contact
	for _, c := range r.contacts {
		if len(out) == limit {
			break
		}
		if matchesFilter(c, filter) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeContactRepo) Count(ctx context.Context, filter *model.SegmentFilter) (int, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.contacts {
		if matchesFilter(c, filter) {
			n++
		}
	}
	return n, nil
}

func (r *fakeContactRepo) GetByPhone(_ context.Context, phone string) (*model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.Phone == phone {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeContactRepo) Create(_ context.Context, c *model.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	r.contacts = append(r.contacts, *c)
	return nil
}

func matchesFilter(c model.Contact, f *model.SegmentFilter) bool {
	if f == nil {
		return true
	}
	if f.AgeMin != nil && (c.Age == nil || *c.Age < *f.AgeMin) {
		return false
	}
	if f.AgeMax != nil && (c.Age == nil || *c.Age > *f.AgeMax) {
		return false
	}
	if len(f.States) > 0 && !containsFold(f.States, c.State) {
		return false
	}
	if len(f.Cities) > 0 && !containsFold(f.Cities, c.City) {
		return false
	}
	if len(f.FunnelStages) > 0 && !containsFold(f.FunnelStages, c.StageID) {
		return false
	}
	if len(f.LeadStatuses) > 0 && !containsFold(f.LeadStatuses, c.LeadStatus) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			if containsFold(c.Tags, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && c.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && c.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

type fakeInboxRepo struct {
	inboxes   map[uuid.UUID]*model.Inbox
	templates map[uuid.UUID]*model.Template
}

func newFakeInboxRepo() *fakeInboxRepo {
	return &fakeInboxRepo{
		inboxes:   make(map[uuid.UUID]*model.Inbox),
		templates: make(map[uuid.UUID]*model.Template),
	}
}

func (r *fakeInboxRepo) GetInbox(_ context.Context, id uuid.UUID) (*model.Inbox, error) {
	i, ok := r.inboxes[id]
	if !ok {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (r *fakeInboxRepo) GetTemplate(_ context.Context, id uuid.UUID) (*model.Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func healthyInbox() *model.Inbox {
	return &model.Inbox{
		ID:               uuid.New(),
		Name:             "main",
		Provider:         model.ProviderMetaCloud,
		QualityRating:    model.QualityGreen,
		Tier:             "TIER_1K",
		MaxRatePerMinute: 120,
	}
}

func approvedTemplate(inboxID uuid.UUID, category string) *model.Template {
	return &model.Template{
		ID:             uuid.New(),
		InboxID:        &inboxID,
		Name:           "welcome",
		Category:       category,
		ApprovalStatus: model.TemplateApproved,
	}
}
