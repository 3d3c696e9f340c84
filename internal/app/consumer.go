/**
 * @description
 * This file implements reconciliation of asynchronous payment-gateway
 * callbacks. The same core logic serves two transports: the RabbitMQ consumer
 * (`GatewayEventConsumer.HandleMessage`) and the HTTP webhook handler, both of
 * which funnel into `ProcessGatewayEvent`.
 *
 * Idempotency: each (externalReference, eventType) pair is recorded inside the
 * same atomic unit as its effects, so a redelivered callback observes the
 * record and skips the effects entirely.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
	"github.com/threadline/economy-service/pkg/rabbitmq"
)

// GatewayEventConsumer adapts gateway callback processing to the RabbitMQ
// delivery contract: return true to ack, false to nack and requeue.
type GatewayEventConsumer struct {
	service *Service
}

// NewGatewayEventConsumer creates a consumer bound to the given service.
func NewGatewayEventConsumer(service *Service) *GatewayEventConsumer {
	return &GatewayEventConsumer{service: service}
}

// HandleMessage processes one broker delivery. Malformed payloads and
// business rejections are acked (redelivery cannot fix them); infrastructure
// failures are nacked so the broker redelivers.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=gateway_consumer msg=\"failed to unmarshal gateway event\" err=%v", err)
		return true
	}

	err := c.service.ProcessGatewayEvent(context.Background(), event)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrInvalidRefundTarget) || errors.Is(err, store.ErrInvalidStateTransition) {
		log.Printf("level=warn component=gateway_consumer msg=\"gateway event rejected\" event_type=%s external_reference=%s err=%v", event.EventType, event.ExternalReference, err)
		return true
	}
	log.Printf("level=error component=gateway_consumer msg=\"gateway event processing failed; requeueing\" event_type=%s external_reference=%s err=%v", event.EventType, event.ExternalReference, err)
	return false
}

// ProcessGatewayEvent reconciles one gateway callback against the ledger.
// Unknown references and unknown event types are logged and dropped: the
// gateway also notifies other services through the same fan-out.
func (s *Service) ProcessGatewayEvent(ctx context.Context, event domain.GatewayEvent) error {
	switch event.EventType {
	case domain.EventPaymentSucceeded, domain.EventPaymentFailed, domain.EventPaymentRefunded:
	default:
		log.Printf("level=info component=service flow=reconcile msg=\"ignoring unhandled gateway event type\" event_type=%s", event.EventType)
		return nil
	}
	if event.ExternalReference == "" {
		log.Printf("level=warn component=service flow=reconcile msg=\"gateway event missing external reference\" event_type=%s", event.EventType)
		return nil
	}

	entry, err := s.repo.FindLedgerEntryByExternalReference(ctx, event.ExternalReference)
	if err != nil {
		if errors.Is(err, store.ErrLedgerEntryNotFound) {
			log.Printf("level=info component=service flow=reconcile msg=\"no ledger entry for gateway reference\" external_reference=%s", event.ExternalReference)
			return nil
		}
		return fmt.Errorf("find entry by external reference: %w", err)
	}

	var settled *domain.LedgerEntry
	err = s.runAccountUnit(ctx, func(tx store.Repository) error {
		settled = nil
		inserted, err := tx.RecordGatewayEvent(ctx, event.ExternalReference, event.EventType)
		if err != nil {
			return fmt.Errorf("record gateway event: %w", err)
		}
		if !inserted {
			log.Printf("level=info component=service flow=reconcile msg=\"duplicate gateway event; skipping\" event_type=%s external_reference=%s", event.EventType, event.ExternalReference)
			return nil
		}

		locked, err := tx.LockLedgerEntry(ctx, entry.ID)
		if err != nil {
			return err
		}

		switch event.EventType {
		case domain.EventPaymentSucceeded:
			if err := s.applyPaymentSucceeded(ctx, tx, locked); err != nil {
				return err
			}
			if !domain.IsTerminalStatus(locked.Status) {
				settled = locked
			}
			return nil
		case domain.EventPaymentFailed:
			return s.applyPaymentFailed(ctx, tx, locked)
		case domain.EventPaymentRefunded:
			if locked.Status != domain.StatusCompleted {
				log.Printf("level=warn component=service flow=reconcile msg=\"refund callback for non-completed entry; skipping\" entry_id=%s status=%s", locked.ID, locked.Status)
				return nil
			}
			_, _, err := s.refundLocked(ctx, tx, locked.ID, "gateway refund")
			return err
		}
		return nil
	})
	if err != nil || settled == nil {
		return err
	}

	routingKey := "coins.credited"
	if settled.Kind == domain.KindPremiumPurchase || settled.Kind == domain.KindPremiumGift {
		routingKey = "premium.granted"
	}
	s.publishEvent(ctx, routingKey, rabbitmq.EconomyEvent{
		UserID:    settled.UserID,
		EntryID:   settled.ID,
		Kind:      settled.Kind,
		Amount:    settled.Amount,
		Currency:  settled.Currency,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// applyPaymentSucceeded marks the entry completed and applies the effects the
// purchase deferred until payment confirmation.
func (s *Service) applyPaymentSucceeded(ctx context.Context, tx store.Repository, entry *domain.LedgerEntry) error {
	if domain.IsTerminalStatus(entry.Status) {
		log.Printf("level=info component=service flow=reconcile msg=\"success callback for settled entry; no-op\" entry_id=%s status=%s", entry.ID, entry.Status)
		return nil
	}
	if err := tx.SetLedgerEntryStatus(ctx, entry.ID, domain.StatusCompleted); err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}

	switch entry.Kind {
	case domain.KindPurchase:
		coins, err := metadataInt64(entry, metaCoins)
		if err != nil {
			return err
		}
		if err := tx.CreditBalance(ctx, entry.UserID, coins); err != nil {
			return fmt.Errorf("credit purchased coins: %w", err)
		}

	case domain.KindPremiumPurchase, domain.KindPremiumGift:
		days, err := metadataInt64(entry, metaDays)
		if err != nil {
			return err
		}
		recipientID := entry.UserID
		if raw, ok := entry.Metadata[metaRecipientID]; ok {
			if id, parseErr := uuid.Parse(raw); parseErr == nil {
				recipientID = id
			}
		}
		source := domain.EntitlementSourcePurchase
		if entry.Kind == domain.KindPremiumGift {
			source = domain.EntitlementSourceGift
		}
		if _, err := s.grantEntitlement(ctx, tx, recipientID, int(days), source, entry.ID.String()); err != nil {
			return fmt.Errorf("grant deferred entitlement: %w", err)
		}
		if raw, ok := entry.Metadata[metaCoinBonus]; ok {
			bonus, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return fmt.Errorf("entry %s metadata %q is not numeric: %w", entry.ID, metaCoinBonus, parseErr)
			}
			if bonus > 0 {
				if err := s.creditPremiumBonus(ctx, tx, recipientID, bonus, entry); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyPaymentFailed marks the entry failed and removes any provisional state
// the purchase created.
func (s *Service) applyPaymentFailed(ctx context.Context, tx store.Repository, entry *domain.LedgerEntry) error {
	if domain.IsTerminalStatus(entry.Status) {
		log.Printf("level=info component=service flow=reconcile msg=\"failure callback for settled entry; no-op\" entry_id=%s status=%s", entry.ID, entry.Status)
		return nil
	}
	if err := tx.SetLedgerEntryStatus(ctx, entry.ID, domain.StatusFailed); err != nil {
		return fmt.Errorf("fail entry: %w", err)
	}

	// A provisional entitlement created before confirmation is cancelled
	// outright rather than terminated, since it never legitimately existed.
	if entry.Kind == domain.KindPremiumPurchase || entry.Kind == domain.KindPremiumGift {
		source := domain.EntitlementSourcePurchase
		if entry.Kind == domain.KindPremiumGift {
			source = domain.EntitlementSourceGift
		}
		entitlement, err := tx.FindEntitlementBySourceRef(ctx, source, entry.ID.String())
		if err != nil {
			if errors.Is(err, store.ErrEntitlementNotFound) {
				return nil
			}
			return fmt.Errorf("find provisional entitlement: %w", err)
		}
		if err := tx.DeleteEntitlement(ctx, entitlement.ID); err != nil {
			return fmt.Errorf("delete provisional entitlement: %w", err)
		}
	}
	return nil
}
