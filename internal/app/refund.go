/**
 * @description
 * This file implements kind-specific refund processing. A refund reverses the
 * effects of a completed ledger entry as far as possible without ever driving
 * a balance negative: coins already spent elsewhere are clawed back only up to
 * the user's current balance.
 *
 * Every refund appends a new refund-kind entry referencing the original and
 * advances the original to the refunded status, so the ledger stays an
 * append-style history with no destructive edits.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
	"github.com/threadline/economy-service/pkg/catalogclient"
	"github.com/threadline/economy-service/pkg/rabbitmq"
)

// Refund reverses a completed ledger entry. Only completed entries are
// refundable; anything else returns ErrInvalidRefundTarget. For real-money
// entries the gateway refund is initiated after the local unit commits.
func (s *Service) Refund(ctx context.Context, entryID uuid.UUID, reason string) (*domain.LedgerEntry, error) {
	var refundEntry *domain.LedgerEntry
	var original *domain.LedgerEntry
	err := s.runAccountUnit(ctx, func(tx store.Repository) error {
		var err error
		refundEntry, original, err = s.refundLocked(ctx, tx, entryID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	if original.Currency != domain.CurrencyCoins && original.ExternalReference != nil {
		if _, err := s.gateway.InitiateRefund(ctx, *original.ExternalReference, original.Amount); err != nil {
			// The local reversal is already committed; the gateway refund is
			// retried by the operator on alert.
			log.Printf("level=error component=service flow=refund msg=\"gateway refund initiation failed\" entry_id=%s external_reference=%s err=%v", original.ID, *original.ExternalReference, err)
		}
	}

	s.publishEvent(ctx, "refund.processed", rabbitmq.EconomyEvent{
		UserID:    original.UserID,
		EntryID:   refundEntry.ID,
		Kind:      domain.KindRefund,
		Amount:    refundEntry.Amount,
		Currency:  refundEntry.Currency,
		Timestamp: time.Now().UTC(),
	})

	return refundEntry, nil
}

// refundLocked performs the reversal inside an already-open atomic unit. The
// gateway-initiated refund path (payment.refunded) calls it directly so the
// idempotency record and the reversal commit together.
func (s *Service) refundLocked(ctx context.Context, tx store.Repository, entryID uuid.UUID, reason string) (*domain.LedgerEntry, *domain.LedgerEntry, error) {
	original, err := tx.LockLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	if original.Status != domain.StatusCompleted {
		return nil, nil, fmt.Errorf("%w: entry %s has status %s", ErrInvalidRefundTarget, original.ID, original.Status)
	}

	refundEntry := &domain.LedgerEntry{
		UserID:         original.UserID,
		Kind:           domain.KindRefund,
		Amount:         original.Amount,
		Currency:       original.Currency,
		Status:         domain.StatusCompleted,
		PaymentMethod:  original.PaymentMethod,
		RelatedEntryID: &original.ID,
		Metadata:       map[string]string{metaReason: reason},
	}

	switch original.Kind {
	case domain.KindPurchase:
		if err := s.reverseCoinPurchase(ctx, tx, original, refundEntry); err != nil {
			return nil, nil, err
		}
	case domain.KindAwardGiven:
		if err := s.reverseAward(ctx, tx, original, refundEntry); err != nil {
			return nil, nil, err
		}
	case domain.KindPremiumPurchase, domain.KindPremiumGift:
		if err := s.reversePremium(ctx, tx, original, refundEntry); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("%w: entries of kind %s cannot be refunded", ErrInvalidRefundTarget, original.Kind)
	}

	if err := tx.AppendLedgerEntry(ctx, refundEntry); err != nil {
		return nil, nil, fmt.Errorf("append refund entry: %w", err)
	}
	if err := tx.SetLedgerEntryStatus(ctx, original.ID, domain.StatusRefunded); err != nil {
		return nil, nil, fmt.Errorf("mark original refunded: %w", err)
	}
	return refundEntry, original, nil
}

// reverseCoinPurchase claws back the coins a purchase granted, capped at the
// user's current balance so the account never goes negative.
func (s *Service) reverseCoinPurchase(ctx context.Context, tx store.Repository, original, refundEntry *domain.LedgerEntry) error {
	granted, err := metadataInt64(original, metaCoins)
	if err != nil {
		return err
	}
	clawback, err := s.clawBack(ctx, tx, original.UserID, granted)
	if err != nil {
		return err
	}
	refundEntry.Metadata[metaClawback] = strconv.FormatInt(clawback, 10)
	return nil
}

// reverseAward unwinds an award: the visible award disappears, the giver gets
// the cost back, and the recipient loses the reward coins, karma, and any
// premium days the award carried.
func (s *Service) reverseAward(ctx context.Context, tx store.Repository, original, refundEntry *domain.LedgerEntry) error {
	if original.RelatedAwardID == nil {
		return fmt.Errorf("%w: award_given entry %s has no award instance", ErrInvalidRefundTarget, original.ID)
	}
	instance, err := tx.FindAwardInstanceByID(ctx, *original.RelatedAwardID)
	if err != nil {
		return fmt.Errorf("find award instance: %w", err)
	}

	if err := tx.DeleteAwardInstance(ctx, instance.ID); err != nil {
		return fmt.Errorf("delete award instance: %w", err)
	}
	if err := tx.CreditBalance(ctx, original.UserID, original.Amount); err != nil {
		return fmt.Errorf("refund giver: %w", err)
	}

	// The paired recipient-side entry carries the reward amount.
	if original.RelatedEntryID != nil {
		received, err := tx.FindLedgerEntryByID(ctx, *original.RelatedEntryID)
		if err != nil {
			return fmt.Errorf("find paired entry: %w", err)
		}
		if _, err := s.clawBack(ctx, tx, received.UserID, received.Amount); err != nil {
			return err
		}
		if received.Status == domain.StatusCompleted {
			if err := tx.SetLedgerEntryStatus(ctx, received.ID, domain.StatusRefunded); err != nil {
				return fmt.Errorf("mark paired entry refunded: %w", err)
			}
		}
	}

	// Reverse karma using the award definition's current values.
	award, err := s.catalog.GetAward(ctx, instance.AwardID)
	if err != nil && !errors.Is(err, catalogclient.ErrNotFound) {
		return fmt.Errorf("look up award for karma reversal: %w", err)
	}
	if award != nil {
		if award.AwarderKarma != 0 {
			if err := tx.AdjustKarma(ctx, instance.GiverID, domain.KarmaAwarder, -award.AwarderKarma); err != nil {
				return fmt.Errorf("reverse giver karma: %w", err)
			}
		}
		if award.AwardeeKarma != 0 {
			if err := tx.AdjustKarma(ctx, instance.RecipientID, domain.KarmaAwardee, -award.AwardeeKarma); err != nil {
				return fmt.Errorf("reverse recipient karma: %w", err)
			}
		}
	}

	// An entitlement the award granted is terminated immediately.
	entitlement, err := tx.FindEntitlementBySourceRef(ctx, domain.EntitlementSourceAward, instance.ID.String())
	if err != nil {
		if !errors.Is(err, store.ErrEntitlementNotFound) {
			return fmt.Errorf("find award entitlement: %w", err)
		}
	} else if err := tx.SetEntitlementInactive(ctx, entitlement.ID, true); err != nil {
		return fmt.Errorf("terminate award entitlement: %w", err)
	}

	refundEntry.RelatedAwardID = &instance.ID
	return nil
}

// reversePremium terminates the granted entitlement immediately and claws back
// any coin bonus the plan included. The beneficiary may be a different user
// than the payer (gifts), so the entitlement is resolved by its own id, then by
// source reference, then by the recipient's current entitlement (a deferred
// grant that stacked onto an existing one keeps the older source reference).
func (s *Service) reversePremium(ctx context.Context, tx store.Repository, original, refundEntry *domain.LedgerEntry) error {
	source := domain.EntitlementSourcePurchase
	if original.Kind == domain.KindPremiumGift {
		source = domain.EntitlementSourceGift
	}

	recipientID := original.UserID
	if raw, ok := original.Metadata[metaRecipientID]; ok {
		if id, parseErr := uuid.Parse(raw); parseErr == nil {
			recipientID = id
		}
	}

	var entitlement *domain.Entitlement
	var err error
	if original.RelatedEntitlementID != nil {
		entitlement, err = tx.FindEntitlementByID(ctx, *original.RelatedEntitlementID)
	} else {
		entitlement, err = tx.FindEntitlementBySourceRef(ctx, source, original.ID.String())
		if err != nil && errors.Is(err, store.ErrEntitlementNotFound) {
			entitlement, err = tx.FindCurrentEntitlement(ctx, recipientID)
		}
	}
	if err != nil {
		if !errors.Is(err, store.ErrEntitlementNotFound) {
			return fmt.Errorf("find premium entitlement: %w", err)
		}
		entitlement = nil
	}

	beneficiary := recipientID
	if entitlement != nil {
		beneficiary = entitlement.UserID
		if err := tx.SetEntitlementInactive(ctx, entitlement.ID, true); err != nil {
			return fmt.Errorf("terminate premium entitlement: %w", err)
		}
		refundEntry.RelatedEntitlementID = &entitlement.ID
	}

	bonus, err := metadataInt64(original, metaCoinBonus)
	if err == nil && bonus > 0 {
		clawback, err := s.clawBack(ctx, tx, beneficiary, bonus)
		if err != nil {
			return err
		}
		refundEntry.Metadata[metaClawback] = strconv.FormatInt(clawback, 10)
	}

	// The paired bonus entry in the recipient's ledger follows the original.
	if original.RelatedEntryID != nil {
		bonusEntry, err := tx.FindLedgerEntryByID(ctx, *original.RelatedEntryID)
		if err != nil {
			return fmt.Errorf("find paired bonus entry: %w", err)
		}
		if bonusEntry.Status == domain.StatusCompleted {
			if err := tx.SetLedgerEntryStatus(ctx, bonusEntry.ID, domain.StatusRefunded); err != nil {
				return fmt.Errorf("mark bonus entry refunded: %w", err)
			}
		}
	}

	// Coin-paid premium also returns the coins to the payer.
	if original.Currency == domain.CurrencyCoins {
		if err := tx.CreditBalance(ctx, original.UserID, original.Amount); err != nil {
			return fmt.Errorf("refund premium coins: %w", err)
		}
	}
	return nil
}

// clawBack debits up to amount from userID, capped at the current balance.
// It returns the amount actually recovered.
func (s *Service) clawBack(ctx context.Context, tx store.Repository, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	balance, err := tx.LockBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lock balance for clawback: %w", err)
	}
	clawback := amount
	if balance.CoinBalance < clawback {
		clawback = balance.CoinBalance
	}
	if clawback > 0 {
		if err := tx.DebitBalance(ctx, userID, clawback); err != nil {
			return 0, fmt.Errorf("claw back coins: %w", err)
		}
	}
	return clawback, nil
}

func metadataInt64(entry *domain.LedgerEntry, key string) (int64, error) {
	raw, ok := entry.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("entry %s missing metadata key %q", entry.ID, key)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry %s metadata %q is not numeric: %w", entry.ID, key, err)
	}
	return value, nil
}
