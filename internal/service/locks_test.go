package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/waveline/campaign-engine/internal/model"
)

func TestLockRegistrySerializesPerCampaign(t *testing.T) {
	reg := NewLockRegistry()
	id := uuid.New()

	unlock := reg.Lock(id)
	acquired := make(chan struct{})
	go func() {
		innerUnlock := reg.Lock(id)
		close(acquired)
		innerUnlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestLockRegistryIndependentCampaigns(t *testing.T) {
	reg := NewLockRegistry()
	unlock := reg.Lock(uuid.New())
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		other := reg.Lock(uuid.New())
		close(acquired)
		other()
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("unrelated campaign lock blocked")
	}
}

// Activation and commit must contend on the same registry: while a commit
// holds the campaign lock, activation cannot read a gate verdict that the
// commit is about to invalidate.
func TestActivationWaitsForCommitLock(t *testing.T) {
	inbox := healthyInbox()
	tmpl := approvedTemplate(inbox.ID, model.CategoryUtility)
	campaign := &model.Campaign{
		ID:                 uuid.New(),
		Name:               "launch",
		Status:             model.StatusDraft,
		InboxID:            inbox.ID,
		TemplateID:         &tmpl.ID,
		RateLimitPerMinute: 60,
		Timezone:           "UTC",
	}
	inboxes := newFakeInboxRepo()
	inboxes.inboxes[inbox.ID] = inbox
	inboxes.templates[tmpl.ID] = tmpl

	campaigns := newFakeCampaignRepo(campaign)
	recipients := newFakeRecipientRepo()
	recipients.add(campaign.ID, "5511999990001", true, model.DeliveryPending)
	contacts := &fakeContactRepo{}
	engine := &SegmentationEngine{Contacts: contacts, ScanTimeout: time.Second}

	reg := NewLockRegistry()
	sm := NewCampaignStateMachine(campaigns, recipients, &ComplianceGate{
		Campaigns:  campaigns,
		Recipients: recipients,
		Inboxes:    inboxes,
	}, reg)
	m := NewAudienceMaterializer(campaigns, recipients, contacts, engine, false, reg)

	if sm.locks != m.locks {
		t.Fatal("state machine and materializer must share one lock registry")
	}

	// Simulate an in-flight commit holding the campaign lock.
	unlock := reg.Lock(campaign.ID)

	activated := make(chan error, 1)
	go func() {
		_, err := sm.RequestActivation(context.Background(), campaign.ID, false)
		activated <- err
	}()

	select {
	case <-activated:
		t.Fatal("activation proceeded while the commit lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-activated:
		if err != nil {
			t.Fatalf("activation after lock release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("activation never completed after lock release")
	}
}
