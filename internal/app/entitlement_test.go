package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
)

func TestGrantEntitlement_FreshGrant(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	ent, err := svc.grantEntitlement(context.Background(), repo, userID, 30, domain.EntitlementSourcePurchase, "entry-1")
	if err != nil {
		t.Fatalf("grantEntitlement returned error: %v", err)
	}
	if !ent.IsActive {
		t.Error("fresh entitlement should be active")
	}
	wantEnd := time.Now().UTC().AddDate(0, 0, 30)
	if diff := ent.EndDate.Sub(wantEnd); diff < -time.Minute || diff > time.Minute {
		t.Errorf("end date = %v, want ~%v", ent.EndDate, wantEnd)
	}
}

// Stacking is additive: a 30-day grant on top of 10 remaining days yields an
// end date 40 days out, not 30.
func TestGrantEntitlement_AdditiveStacking(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	now := time.Now().UTC()
	existingRef := "entry-0"
	existing := &domain.Entitlement{
		ID:              uuid.New(),
		UserID:          userID,
		StartDate:       now.AddDate(0, 0, -20),
		EndDate:         now.AddDate(0, 0, 10),
		Source:          domain.EntitlementSourcePurchase,
		SourceReference: &existingRef,
		IsActive:        true,
	}
	repo.entitlements[existing.ID] = existing

	ent, err := svc.grantEntitlement(context.Background(), repo, userID, 30, domain.EntitlementSourcePurchase, "entry-1")
	if err != nil {
		t.Fatalf("grantEntitlement returned error: %v", err)
	}
	if ent.ID != existing.ID {
		t.Fatalf("expected the existing entitlement to be extended, got a new one")
	}
	wantEnd := now.AddDate(0, 0, 40)
	if diff := ent.EndDate.Sub(wantEnd); diff < -time.Minute || diff > time.Minute {
		t.Errorf("end date = %v, want ~%v (10 remaining + 30 granted)", ent.EndDate, wantEnd)
	}
	if len(repo.entitlements) != 1 {
		t.Errorf("expected 1 entitlement row, got %d", len(repo.entitlements))
	}
}

func TestGrantEntitlement_RejectsNonPositiveDays(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	if _, err := svc.grantEntitlement(context.Background(), repo, userID, 0, domain.EntitlementSourceAward, "x"); err == nil {
		t.Fatal("expected error for zero days")
	}
}

func TestRevokeEntitlement_Grandfathered(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	ent, err := svc.grantEntitlement(context.Background(), repo, userID, 30, domain.EntitlementSourcePurchase, "entry-1")
	if err != nil {
		t.Fatalf("grantEntitlement returned error: %v", err)
	}

	if err := svc.RevokeEntitlement(context.Background(), ent.ID, false); err != nil {
		t.Fatalf("RevokeEntitlement returned error: %v", err)
	}

	stored := repo.entitlements[ent.ID]
	if stored.IsActive {
		t.Error("revoked entitlement should be inactive")
	}
	if !stored.InEffect(time.Now().UTC()) {
		t.Error("grandfathered revocation must keep the interval open until the paid end date")
	}

	// Premium status reflects the open interval with IsActive false.
	status, err := svc.GetEntitlementStatus(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetEntitlementStatus returned error: %v", err)
	}
	if !status.IsPremium || status.IsActive {
		t.Errorf("status = %+v, want premium with is_active=false", status)
	}
}

func TestRevokeEntitlement_TerminateNow(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	ent, err := svc.grantEntitlement(context.Background(), repo, userID, 30, domain.EntitlementSourcePurchase, "entry-1")
	if err != nil {
		t.Fatalf("grantEntitlement returned error: %v", err)
	}

	if err := svc.RevokeEntitlement(context.Background(), ent.ID, true); err != nil {
		t.Fatalf("RevokeEntitlement returned error: %v", err)
	}

	status, err := svc.GetEntitlementStatus(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetEntitlementStatus returned error: %v", err)
	}
	if status.IsPremium {
		t.Errorf("status = %+v, want no premium after immediate termination", status)
	}
}

func TestGetEntitlementStatus_NoEntitlement(t *testing.T) {
	repo := newMemStore()
	userID := repo.addUser(0)
	svc := newTestService(repo, newCatalogStub(), &gatewayStub{})

	status, err := svc.GetEntitlementStatus(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetEntitlementStatus returned error: %v", err)
	}
	if status.IsPremium || status.IsActive || status.EndDate != nil {
		t.Errorf("status = %+v, want zero value", status)
	}
}
