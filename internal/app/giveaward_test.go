package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
	"github.com/threadline/economy-service/pkg/catalogclient"
)

func goldAward() *catalogclient.AwardDefinition {
	return &catalogclient.AwardDefinition{
		ID:              "award_gold",
		Name:            "Gold",
		Cost:            500,
		CoinReward:      100,
		EntitlementDays: 7,
		AwardeeKarma:    50,
		AwarderKarma:    10,
		IsActive:        true,
	}
}

func TestGiveAward_FullEffect(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetPost, recipientID, nil)

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	instance, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if err != nil {
		t.Fatalf("GiveAward returned error: %v", err)
	}
	if instance == nil || instance.RecipientID != recipientID {
		t.Fatalf("expected award instance for recipient %s, got %+v", recipientID, instance)
	}

	giver := repo.balances[giverID]
	if giver.CoinBalance != 500 {
		t.Errorf("giver balance = %d, want 500", giver.CoinBalance)
	}
	if giver.KarmaAwarder != 10 {
		t.Errorf("giver awarder karma = %d, want 10", giver.KarmaAwarder)
	}

	recipient := repo.balances[recipientID]
	if recipient.CoinBalance != 100 {
		t.Errorf("recipient balance = %d, want 100", recipient.CoinBalance)
	}
	if recipient.KarmaAwardee != 50 {
		t.Errorf("recipient awardee karma = %d, want 50", recipient.KarmaAwardee)
	}

	// Two completed entries, cross-linked.
	var given, received *domain.LedgerEntry
	for _, e := range repo.entries {
		switch e.Kind {
		case domain.KindAwardGiven:
			given = e
		case domain.KindAwardReceived:
			received = e
		}
	}
	if given == nil || received == nil {
		t.Fatalf("expected award_given and award_received entries, got %d entries", len(repo.entries))
	}
	if given.Status != domain.StatusCompleted || received.Status != domain.StatusCompleted {
		t.Errorf("entry statuses = %s/%s, want completed/completed", given.Status, received.Status)
	}
	if given.RelatedEntryID == nil || *given.RelatedEntryID != received.ID {
		t.Errorf("given entry not linked to received entry")
	}
	if received.RelatedEntryID == nil || *received.RelatedEntryID != given.ID {
		t.Errorf("received entry not linked to given entry")
	}

	// 7-day premium for the recipient.
	ent, err := repo.FindCurrentEntitlement(context.Background(), recipientID)
	if err != nil {
		t.Fatalf("expected entitlement for recipient: %v", err)
	}
	wantEnd := time.Now().UTC().AddDate(0, 0, 7)
	if diff := ent.EndDate.Sub(wantEnd); diff < -time.Minute || diff > time.Minute {
		t.Errorf("entitlement end = %v, want ~%v", ent.EndDate, wantEnd)
	}
	if ent.Source != domain.EntitlementSourceAward {
		t.Errorf("entitlement source = %s, want %s", ent.Source, domain.EntitlementSourceAward)
	}
}

func TestGiveAward_InsufficientBalance(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(499)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetPost, recipientID, nil)

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(repo.entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(repo.entries))
	}
	if repo.balances[giverID].CoinBalance != 499 {
		t.Errorf("giver balance changed to %d", repo.balances[giverID].CoinBalance)
	}
}

func TestGiveAward_SelfAwardRejected(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	ref := repo.addTarget(domain.TargetComment, giverID, nil)

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetComment,
		TargetID:   ref.ID.String(),
	})
	if !errors.Is(err, ErrSelfAward) {
		t.Fatalf("expected ErrSelfAward, got %v", err)
	}
}

func TestGiveAward_CommunityScopeMismatch(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)

	awardCommunity := uuid.New()
	targetCommunity := uuid.New()
	ref := repo.addTarget(domain.TargetPost, recipientID, &targetCommunity)

	award := goldAward()
	award.CommunityID = &awardCommunity
	catalog := newCatalogStub()
	catalog.awards["award_gold"] = award
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
}

func TestGiveAward_InactiveAwardRejected(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetPost, recipientID, nil)

	award := goldAward()
	award.IsActive = false
	catalog := newCatalogStub()
	catalog.awards["award_gold"] = award
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if !errors.Is(err, ErrAwardInactive) {
		t.Fatalf("expected ErrAwardInactive, got %v", err)
	}
}

func TestGiveAward_DeletedTargetRejected(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetPost, recipientID, nil)
	repo.targets[ref.ID].Deleted = true

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
}

// A failure partway through the unit must leave no partial state behind.
func TestGiveAward_AtomicRollback(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetPost, recipientID, nil)
	repo.failOn = "AdjustKarma"

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	_, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetPost,
		TargetID:   ref.ID.String(),
	})
	if err == nil {
		t.Fatal("expected error from forced karma failure")
	}

	if repo.balances[giverID].CoinBalance != 1000 {
		t.Errorf("giver balance = %d, want 1000 after rollback", repo.balances[giverID].CoinBalance)
	}
	if repo.balances[recipientID].CoinBalance != 0 {
		t.Errorf("recipient balance = %d, want 0 after rollback", repo.balances[recipientID].CoinBalance)
	}
	if len(repo.entries) != 0 {
		t.Errorf("expected no ledger entries after rollback, got %d", len(repo.entries))
	}
	if len(repo.awards) != 0 {
		t.Errorf("expected no award instances after rollback, got %d", len(repo.awards))
	}
	if len(repo.entitlements) != 0 {
		t.Errorf("expected no entitlements after rollback, got %d", len(repo.entitlements))
	}
}

// Awarding a user profile directly does not trip the self-content check and
// credits the profile owner.
func TestGiveAward_UserTarget(t *testing.T) {
	repo := newMemStore()
	giverID := repo.addUser(1000)
	recipientID := repo.addUser(0)
	ref := repo.addTarget(domain.TargetUser, recipientID, nil)

	catalog := newCatalogStub()
	catalog.awards["award_gold"] = goldAward()
	svc := newTestService(repo, catalog, &gatewayStub{})

	if _, err := svc.GiveAward(context.Background(), giverID, domain.GiveAwardRequest{
		AwardID:    "award_gold",
		TargetType: domain.TargetUser,
		TargetID:   ref.ID.String(),
	}); err != nil {
		t.Fatalf("GiveAward returned error: %v", err)
	}
	if repo.balances[recipientID].CoinBalance != 100 {
		t.Errorf("recipient balance = %d, want 100", repo.balances[recipientID].CoinBalance)
	}
}
