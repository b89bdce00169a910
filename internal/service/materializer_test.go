package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
)

func intp(v int) *int { return &v }

func seededContacts() []model.Contact {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []model.Contact{
		{ID: uuid.New(), Phone: "5511999990001", Name: "Ana", Age: intp(29), State: "SP", City: "Sao Paulo", StageID: "lead", OptIn: true, CreatedAt: base},
		{ID: uuid.New(), Phone: "5511999990002", Name: "Bruno", Age: intp(34), State: "SP", City: "Campinas", StageID: "lead", OptIn: false, CreatedAt: base.Add(time.Hour)},
		{ID: uuid.New(), Phone: "5521999990003", Name: "Carla", Age: intp(41), State: "RJ", City: "Rio", StageID: "customer", OptIn: true, CreatedAt: base.Add(2 * time.Hour)},
	}
}

func newMaterializerFixture(createContacts bool) (*AudienceMaterializer, *fakeCampaignRepo, *fakeRecipientRepo, *fakeContactRepo, *model.Campaign) {
	campaign := &model.Campaign{
		ID:      uuid.New(),
		Name:    "spring",
		Status:  model.StatusDraft,
		InboxID: uuid.New(),
	}
	campaigns := newFakeCampaignRepo(campaign)
	recipients := newFakeRecipientRepo()
	contacts := &fakeContactRepo{contacts: seededContacts()}
	engine := &SegmentationEngine{Contacts: contacts, ScanTimeout: time.Second}

	m := NewAudienceMaterializer(campaigns, recipients, contacts, engine, createContacts, nil)
	return m, campaigns, recipients, contacts, campaign
}

func TestCommitMaterializesMatches(t *testing.T) {
	m, campaigns, recipients, _, campaign := newMaterializerFixture(false)

	filter := &model.SegmentFilter{States: []string{"SP"}}
	stats, err := m.Commit(context.Background(), campaign.ID, filter, 0, false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if stats.Considered != 2 || stats.Inserted != 2 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if recipients.count(campaign.ID) != 2 {
		t.Fatalf("expected 2 recipients, got %d", recipients.count(campaign.ID))
	}

	// The filter definition is persisted with the campaign.
	stored, err := campaigns.GetByID(context.Background(), campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SegmentFilter == nil || len(stored.SegmentFilter.States) != 1 {
		t.Fatalf("segment filter not persisted: %+v", stored.SegmentFilter)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	m, _, recipients, _, campaign := newMaterializerFixture(false)
	ctx := context.Background()
	filter := &model.SegmentFilter{States: []string{"SP"}}

	if _, err := m.Commit(ctx, campaign.ID, filter, 0, false); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// Widen the filter: overlapping contacts are skipped, new ones added.
	stats, err := m.Commit(ctx, campaign.ID, &model.SegmentFilter{}, 0, false)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if stats.Inserted != 1 || stats.Skipped != 2 {
		t.Fatalf("expected 1 inserted / 2 skipped, got %+v", stats)
	}
	if recipients.count(campaign.ID) != 3 {
		t.Fatalf("expected 3 recipients total, got %d", recipients.count(campaign.ID))
	}
}

func TestCommitDryRunPersistsNothing(t *testing.T) {
	m, campaigns, recipients, _, campaign := newMaterializerFixture(false)

	stats, err := m.Commit(context.Background(), campaign.ID, &model.SegmentFilter{}, 0, true)
	if err != nil {
		t.Fatalf("Commit dry run: %v", err)
	}
	if !stats.DryRun || stats.Considered != 3 || stats.Inserted != 0 {
		t.Fatalf("unexpected dry-run stats: %+v", stats)
	}
	if recipients.count(campaign.ID) != 0 {
		t.Fatal("dry run must not insert recipients")
	}
	stored, _ := campaigns.GetByID(context.Background(), campaign.ID)
	if stored.SegmentFilter != nil {
		t.Fatal("dry run must not persist the filter")
	}
}

func TestCommitSnapshotsContactFields(t *testing.T) {
	m, _, recipients, _, campaign := newMaterializerFixture(false)

	if _, err := m.Commit(context.Background(), campaign.ID, &model.SegmentFilter{Cities: []string{"Rio"}}, 0, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec := recipients.recipients[recipientKey{campaign.ID, "5521999990003"}]
	if rec == nil {
		t.Fatal("expected recipient for Carla")
	}
	if rec.Name != "Carla" || rec.Age == nil || *rec.Age != 41 || rec.Stage != "customer" {
		t.Fatalf("snapshot fields not carried: %+v", rec)
	}
	if !rec.OptInStatus {
		t.Fatal("opt-in status should carry over from the contact")
	}
	if rec.DeliveryState != model.DeliveryPending {
		t.Fatalf("new recipients start PENDING, got %s", rec.DeliveryState)
	}
}

func TestCommitTimeoutSurfacesSentinel(t *testing.T) {
	m, _, _, contacts, campaign := newMaterializerFixture(false)
	contacts.delay = 50 * time.Millisecond
	m.Segmentation.ScanTimeout = 5 * time.Millisecond

	_, err := m.Commit(context.Background(), campaign.ID, &model.SegmentFilter{}, 0, false)
	if !errors.Is(err, appErrors.ErrSegmentationTimeout) {
		t.Fatalf("expected segmentation timeout, got %v", err)
	}
}

func TestCommitDeadlineKeepsPartialInserts(t *testing.T) {
	m, _, recipients, _, campaign := newMaterializerFixture(false)
	recipients.insertDelay = 40 * time.Millisecond
	m.Segmentation.ScanTimeout = 60 * time.Millisecond

	// Three candidates at 40ms per insert against a 60ms deadline: the
	// first lands, a later one trips the deadline mid-loop.
	stats, err := m.Commit(context.Background(), campaign.ID, &model.SegmentFilter{}, 0, false)
	if !errors.Is(err, appErrors.ErrSegmentationTimeout) {
		t.Fatalf("expected segmentation timeout, got %v", err)
	}
	if stats == nil {
		t.Fatal("timed-out commit must still report partial stats")
	}
	if stats.Inserted == 0 || stats.Inserted >= stats.Considered {
		t.Fatalf("expected a partial insert count, got %+v", stats)
	}
	if recipients.count(campaign.ID) != stats.Inserted {
		t.Fatalf("stats disagree with persisted rows: %+v vs %d",
			stats, recipients.count(campaign.ID))
	}
}

func TestUploadNormalizesAndCounts(t *testing.T) {
	m, _, recipients, _, campaign := newMaterializerFixture(false)

	stats, err := m.Upload(context.Background(), campaign.ID, []UploadIdentifier{
		{Phone: "+55 (11) 99999-0001"},     // known contact, messy formatting
		{Phone: "0055 11 99999 0002"},      // known contact, 00 prefix
		{Phone: "55 31 98888-7777", Name: "Novo"}, // unknown phone
		{Phone: "123"},                     // too short
		{Phone: "not a phone"},             // no digits
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if stats.Total != 5 || stats.Valid != 3 || stats.Invalid != 2 {
		t.Fatalf("unexpected validity counts: %+v", stats)
	}
	if stats.Inserted != 3 || stats.Failed != 0 {
		t.Fatalf("unexpected insert counts: %+v", stats)
	}
	// Contact creation is off: no new contact, but the recipient exists.
	if stats.CreatedContacts != 0 {
		t.Fatalf("contact creation disabled, got %d created", stats.CreatedContacts)
	}
	if recipients.recipients[recipientKey{campaign.ID, "5531988887777"}] == nil {
		t.Fatal("expected recipient for normalized unknown phone")
	}
}

func TestUploadSnapshotsKnownContacts(t *testing.T) {
	m, _, recipients, _, campaign := newMaterializerFixture(false)

	if _, err := m.Upload(context.Background(), campaign.ID, []UploadIdentifier{
		{Phone: "5511999990001"},
	}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	rec := recipients.recipients[recipientKey{campaign.ID, "5511999990001"}]
	if rec == nil || rec.Name != "Ana" || !rec.OptInStatus {
		t.Fatalf("known contact snapshot missing: %+v", rec)
	}
}

func TestUploadCreatesContactsWhenEnabled(t *testing.T) {
	m, _, _, contacts, campaign := newMaterializerFixture(true)

	stats, err := m.Upload(context.Background(), campaign.ID, []UploadIdentifier{
		{Phone: "55 31 98888-7777", Name: "Novo"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if stats.CreatedContacts != 1 {
		t.Fatalf("expected 1 created contact, got %d", stats.CreatedContacts)
	}
	created, _ := contacts.GetByPhone(context.Background(), "5531988887777")
	if created == nil || created.Name != "Novo" {
		t.Fatalf("contact not created: %+v", created)
	}
}

func TestUploadSkipsExisting(t *testing.T) {
	m, _, _, _, campaign := newMaterializerFixture(false)
	ctx := context.Background()
	ids := []UploadIdentifier{{Phone: "5511999990001"}}

	if _, err := m.Upload(ctx, campaign.ID, ids); err != nil {
		t.Fatal(err)
	}
	stats, err := m.Upload(ctx, campaign.ID, ids)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 0 || stats.SkippedExisting != 1 {
		t.Fatalf("re-upload should skip, got %+v", stats)
	}
}

func TestUploadRejectsEmptyList(t *testing.T) {
	m, _, _, _, campaign := newMaterializerFixture(false)
	var verr *appErrors.ErrValidation
	_, err := m.Upload(context.Background(), campaign.ID, nil)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+55 (11) 99999-0001", "5511999990001", true},
		{"0055 11 99999 0002", "5511999990002", true},
		{"12345678", "12345678", true},
		{"1234567", "", false},
		{"1234567890123456", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizePhone(%q) = %q,%v; want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
