/**
 * @description
 * This file contains the premium entitlement logic shared by every flow that
 * grants premium: direct purchases, gifts, awards that carry premium days, and
 * the deferred grant applied when a real-money payment succeeds.
 *
 * Stacking is additive. Granting days to a user who already holds an active
 * entitlement extends the current end date rather than replacing it, so paid
 * time is never lost.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
)

// grantEntitlement gives userID the specified number of premium days. It must
// run inside an atomic unit: the current entitlement row is locked so two
// concurrent grants to the same user serialize and both extend the end date.
func (s *Service) grantEntitlement(ctx context.Context, tx store.Repository, userID uuid.UUID, days int, source, sourceRef string) (*domain.Entitlement, error) {
	if days <= 0 {
		return nil, fmt.Errorf("entitlement days must be positive, got %d", days)
	}

	now := time.Now().UTC()
	current, err := tx.LockCurrentEntitlement(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrEntitlementNotFound) {
			return nil, fmt.Errorf("lock current entitlement: %w", err)
		}
		entitlement := &domain.Entitlement{
			ID:              uuid.New(),
			UserID:          userID,
			StartDate:       now,
			EndDate:         now.AddDate(0, 0, days),
			IsActive:        true,
			Source:          source,
			SourceReference: &sourceRef,
		}
		if err := tx.CreateEntitlement(ctx, entitlement); err != nil {
			return nil, fmt.Errorf("create entitlement: %w", err)
		}
		return entitlement, nil
	}

	// Additive stacking: days attach to the existing end date, not to now.
	newEnd := current.EndDate.AddDate(0, 0, days)
	if err := tx.ExtendEntitlement(ctx, current.ID, newEnd); err != nil {
		return nil, fmt.Errorf("extend entitlement: %w", err)
	}
	current.EndDate = newEnd
	return current, nil
}

// RevokeEntitlement turns off auto-renewal semantics for an entitlement. With
// terminateNow false the user keeps premium until the paid period ends; with
// terminateNow true (the refund path) access ends immediately.
func (s *Service) RevokeEntitlement(ctx context.Context, entitlementID uuid.UUID, terminateNow bool) error {
	return s.repo.SetEntitlementInactive(ctx, entitlementID, terminateNow)
}
