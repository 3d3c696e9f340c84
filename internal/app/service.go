/**
 * @description
 * This file contains the core business logic for the economy-service. The `Service`
 * struct orchestrates every balance-affecting operation, coordinating between the
 * database repository, the catalog and payment-gateway collaborators, and the
 * message broker.
 *
 * Key features:
 * - Implements the main use cases: giving awards, purchasing coins, and
 *   purchasing or gifting premium.
 * - Runs every multi-step effect inside one atomic unit of work so a failure
 *   partway through leaves no partial state.
 * - Retries write-write conflicts on the same account a bounded number of
 *   times before surfacing a retryable error.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
	"github.com/threadline/economy-service/pkg/catalogclient"
	"github.com/threadline/economy-service/pkg/gatewayclient"
	"github.com/threadline/economy-service/pkg/rabbitmq"
)

var (
	ErrAwardNotFound          = errors.New("award not found")
	ErrAwardInactive          = errors.New("award is not active")
	ErrSelfAward              = errors.New("cannot award your own content")
	ErrScopeMismatch          = errors.New("award is not available in the target's community")
	ErrTargetNotFound         = errors.New("award target not found")
	ErrInvalidRefundTarget    = errors.New("ledger entry is not refundable")
	ErrConflictRetryExhausted = errors.New("account conflict retries exhausted")
	ErrPlanNotPayableInCoins  = errors.New("premium plan cannot be paid with coins")
	ErrRateLimited            = errors.New("rate limit exceeded")
)

const (
	defaultConflictRetryAttempts = 3
	defaultConflictRetryBackoff  = 50 * time.Millisecond

	eventsExchange = "threadline.events"
)

// Metadata keys used on kind-specific ledger entries.
const (
	metaCoins       = "coins"
	metaCoinBonus   = "coin_bonus"
	metaDays        = "days"
	metaPackageID   = "package_id"
	metaPlanID      = "plan_id"
	metaAwardID     = "award_id"
	metaRecipientID = "recipient_id"
	metaClawback    = "clawback"
	metaReason      = "reason"
)

// Catalog supplies award definitions and pricing tables as read-only lookups.
type Catalog interface {
	GetAward(ctx context.Context, awardID string) (*catalogclient.AwardDefinition, error)
	GetCoinPackage(ctx context.Context, packageID string) (*catalogclient.CoinPackage, error)
	GetPremiumPlan(ctx context.Context, planID string) (*catalogclient.PremiumPlan, error)
}

// Gateway initiates charges and refunds with the external payment processor.
type Gateway interface {
	InitiateCharge(ctx context.Context, amount int64, currency, method string) (*gatewayclient.ChargeResponse, error)
	InitiateRefund(ctx context.Context, externalReference string, amount int64) (*gatewayclient.RefundResponse, error)
}

// Service provides the core business logic for the economy engine.
type Service struct {
	repo          store.Repository
	catalog       Catalog
	gateway       Gateway
	eventProducer rabbitmq.Publisher

	retryAttempts int
	retryBackoff  time.Duration

	rateLimiter        RateLimiter
	awardRatePerMinute int
}

// NewService creates a new economy service instance.
func NewService(repo store.Repository, catalog Catalog, gateway Gateway, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		catalog:       catalog,
		gateway:       gateway,
		eventProducer: producer,
		retryAttempts: defaultConflictRetryAttempts,
		retryBackoff:  defaultConflictRetryBackoff,
	}
}

// ConfigureConflictRetry overrides the bounded retry policy for write-write
// conflicts on the same account.
func (s *Service) ConfigureConflictRetry(attempts int, backoff time.Duration) {
	if attempts > 0 {
		s.retryAttempts = attempts
	}
	if backoff > 0 {
		s.retryBackoff = backoff
	}
}

// SetRateLimiter installs the distributed rate limiter for award giving.
func (s *Service) SetRateLimiter(limiter RateLimiter, awardPerMinute int) {
	s.rateLimiter = limiter
	s.awardRatePerMinute = awardPerMinute
}

// ResolveInternalUserID converts an auth-provider subject id into the internal
// UUID used by our database. This allows handlers to accept subject ids from
// validated JWTs while repositories continue to operate on UUIDs.
func (s *Service) ResolveInternalUserID(ctx context.Context, authSubject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, authSubject)
}

// GiveAward orchestrates the full effect of giving an award: debit the giver,
// record the award, credit the recipient, grant any entitlement, and adjust
// karma — all inside one atomic unit. Preconditions are checked before the
// unit opens and re-validated under the row lock to close the race window.
func (s *Service) GiveAward(ctx context.Context, giverID uuid.UUID, req domain.GiveAwardRequest) (*domain.AwardInstance, error) {
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("invalid target id: %w", err)
	}
	ref, err := domain.NewTargetRef(req.TargetType, targetID)
	if err != nil {
		return nil, err
	}

	if err := s.consumeRate(ctx, "give_award", giverID); err != nil {
		return nil, err
	}

	award, err := s.catalog.GetAward(ctx, req.AwardID)
	if err != nil {
		if errors.Is(err, catalogclient.ErrNotFound) {
			return nil, ErrAwardNotFound
		}
		return nil, fmt.Errorf("failed to look up award: %w", err)
	}
	if !award.IsActive {
		return nil, ErrAwardInactive
	}

	target, err := s.repo.FindTarget(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrTargetNotFound) {
			return nil, ErrTargetNotFound
		}
		return nil, fmt.Errorf("failed to resolve target: %w", err)
	}
	if target.Deleted {
		return nil, ErrTargetNotFound
	}
	if ref.Type != domain.TargetUser && target.RecipientID == giverID {
		return nil, ErrSelfAward
	}
	if award.CommunityID != nil {
		if target.CommunityID == nil || *target.CommunityID != *award.CommunityID {
			return nil, ErrScopeMismatch
		}
	}

	// Cheap read-only balance check; re-validated under the row lock below.
	balance, err := s.repo.GetBalance(ctx, giverID)
	if err != nil {
		return nil, fmt.Errorf("failed to read giver balance: %w", err)
	}
	if balance.CoinBalance < award.Cost {
		return nil, store.ErrInsufficientBalance
	}

	recipientID := target.RecipientID
	instance := &domain.AwardInstance{
		ID:          uuid.New(),
		AwardID:     award.ID,
		GiverID:     giverID,
		RecipientID: recipientID,
		TargetType:  ref.Type,
		TargetID:    ref.ID,
		Message:     req.Message,
		IsAnonymous: req.IsAnonymous,
	}

	var givenEntry *domain.LedgerEntry
	err = s.runAccountUnit(ctx, func(tx store.Repository) error {
		locked, err := tx.LockBalance(ctx, giverID)
		if err != nil {
			return err
		}
		if locked.CoinBalance < award.Cost {
			return store.ErrInsufficientBalance
		}
		if err := tx.DebitBalance(ctx, giverID, award.Cost); err != nil {
			return err
		}

		givenEntry = &domain.LedgerEntry{
			UserID:         giverID,
			Kind:           domain.KindAwardGiven,
			Amount:         award.Cost,
			Currency:       domain.CurrencyCoins,
			Status:         domain.StatusCompleted,
			RelatedAwardID: &instance.ID,
			Metadata:       map[string]string{metaAwardID: award.ID},
		}
		if err := tx.AppendLedgerEntry(ctx, givenEntry); err != nil {
			return fmt.Errorf("append award_given entry: %w", err)
		}

		if err := tx.CreateAwardInstance(ctx, instance); err != nil {
			return fmt.Errorf("create award instance: %w", err)
		}

		if award.CoinReward > 0 {
			if err := tx.CreditBalance(ctx, recipientID, award.CoinReward); err != nil {
				return fmt.Errorf("credit recipient: %w", err)
			}
			receivedEntry := &domain.LedgerEntry{
				UserID:         recipientID,
				Kind:           domain.KindAwardReceived,
				Amount:         award.CoinReward,
				Currency:       domain.CurrencyCoins,
				Status:         domain.StatusCompleted,
				RelatedEntryID: &givenEntry.ID,
				RelatedAwardID: &instance.ID,
				Metadata:       map[string]string{metaAwardID: award.ID},
			}
			if err := tx.AppendLedgerEntry(ctx, receivedEntry); err != nil {
				return fmt.Errorf("append award_received entry: %w", err)
			}
			if err := tx.LinkRelatedEntries(ctx, givenEntry.ID, receivedEntry.ID); err != nil {
				return fmt.Errorf("link award entries: %w", err)
			}
		}

		if award.EntitlementDays > 0 {
			if _, err := s.grantEntitlement(ctx, tx, recipientID, award.EntitlementDays, domain.EntitlementSourceAward, instance.ID.String()); err != nil {
				return fmt.Errorf("grant award entitlement: %w", err)
			}
		}

		if award.AwarderKarma != 0 {
			if err := tx.AdjustKarma(ctx, giverID, domain.KarmaAwarder, award.AwarderKarma); err != nil {
				return fmt.Errorf("adjust giver karma: %w", err)
			}
		}
		if award.AwardeeKarma != 0 {
			if err := tx.AdjustKarma(ctx, recipientID, domain.KarmaAwardee, award.AwardeeKarma); err != nil {
				return fmt.Errorf("adjust recipient karma: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "award.given", rabbitmq.EconomyEvent{
		UserID:    giverID,
		EntryID:   givenEntry.ID,
		Kind:      domain.KindAwardGiven,
		Amount:    award.Cost,
		Currency:  domain.CurrencyCoins,
		Timestamp: time.Now().UTC(),
	})

	return instance, nil
}

// PurchaseCoins starts a real-money coin top-up. The ledger entry is appended
// as pending before the gateway is contacted; coins are credited only when the
// success callback arrives. If the gateway is unreachable the entry simply
// stays pending.
func (s *Service) PurchaseCoins(ctx context.Context, userID uuid.UUID, req domain.PurchaseCoinsRequest) (*domain.LedgerEntry, string, error) {
	if err := s.consumeRate(ctx, "purchase", userID); err != nil {
		return nil, "", err
	}
	pkg, err := s.catalog.GetCoinPackage(ctx, req.PackageID)
	if err != nil {
		if errors.Is(err, catalogclient.ErrNotFound) {
			return nil, "", fmt.Errorf("unknown coin package %q", req.PackageID)
		}
		return nil, "", fmt.Errorf("failed to look up coin package: %w", err)
	}
	if _, err := s.repo.GetBalance(ctx, userID); err != nil {
		return nil, "", err
	}

	method := req.PaymentMethod
	entry := &domain.LedgerEntry{
		UserID:        userID,
		Kind:          domain.KindPurchase,
		Amount:        pkg.Price,
		Currency:      pkg.Currency,
		Status:        domain.StatusPending,
		PaymentMethod: &method,
		Metadata: map[string]string{
			metaCoins:     strconv.FormatInt(pkg.Coins, 10),
			metaPackageID: pkg.ID,
		},
	}
	if err := s.repo.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, "", fmt.Errorf("append purchase entry: %w", err)
	}

	ack, err := s.gateway.InitiateCharge(ctx, pkg.Price, pkg.Currency, method)
	if err != nil {
		// The entry stays pending; a reconciliation sweep expires stale ones.
		log.Printf("level=warn component=service flow=purchase_coins msg=\"charge initiation failed; entry left pending\" entry_id=%s err=%v", entry.ID, err)
		return entry, "", fmt.Errorf("gateway charge initiation failed: %w", err)
	}

	if err := s.repo.SetLedgerEntryExternalReference(ctx, entry.ID, ack.ExternalReference); err != nil {
		log.Printf("level=error component=service flow=purchase_coins msg=\"failed to persist external reference\" entry_id=%s external_reference=%s err=%v", entry.ID, ack.ExternalReference, err)
		return entry, ack.RedirectURL, fmt.Errorf("persist external reference: %w", err)
	}
	entry.ExternalReference = &ack.ExternalReference

	return entry, ack.RedirectURL, nil
}

// PurchasePremium buys (or gifts) a premium plan. Payment with coins settles
// immediately inside one atomic unit; real-money payment defers the
// entitlement grant until the gateway's success callback.
func (s *Service) PurchasePremium(ctx context.Context, userID uuid.UUID, req domain.PurchasePremiumRequest) (*domain.LedgerEntry, *domain.Entitlement, error) {
	if err := s.consumeRate(ctx, "purchase", userID); err != nil {
		return nil, nil, err
	}
	plan, err := s.catalog.GetPremiumPlan(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, catalogclient.ErrNotFound) {
			return nil, nil, fmt.Errorf("unknown premium plan %q", req.PlanID)
		}
		return nil, nil, fmt.Errorf("failed to look up premium plan: %w", err)
	}

	kind := domain.KindPremiumPurchase
	source := domain.EntitlementSourcePurchase
	recipientID := userID
	if req.GiftRecipient != nil && *req.GiftRecipient != "" {
		kind = domain.KindPremiumGift
		source = domain.EntitlementSourceGift
		recipientID, err = s.repo.FindUserIDByUsername(ctx, *req.GiftRecipient)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve gift recipient: %w", err)
		}
	}

	if req.PaymentMethod == domain.CurrencyCoins {
		return s.purchasePremiumWithCoins(ctx, userID, recipientID, kind, source, plan)
	}
	return s.purchasePremiumWithGateway(ctx, userID, recipientID, kind, source, plan, req.PaymentMethod)
}

func (s *Service) purchasePremiumWithCoins(ctx context.Context, payerID, recipientID uuid.UUID, kind, source string, plan *catalogclient.PremiumPlan) (*domain.LedgerEntry, *domain.Entitlement, error) {
	if plan.PriceCoins <= 0 {
		return nil, nil, ErrPlanNotPayableInCoins
	}

	var entry *domain.LedgerEntry
	var entitlement *domain.Entitlement
	err := s.runAccountUnit(ctx, func(tx store.Repository) error {
		locked, err := tx.LockBalance(ctx, payerID)
		if err != nil {
			return err
		}
		if locked.CoinBalance < plan.PriceCoins {
			return store.ErrInsufficientBalance
		}
		if err := tx.DebitBalance(ctx, payerID, plan.PriceCoins); err != nil {
			return err
		}

		entry = &domain.LedgerEntry{
			ID:       uuid.New(),
			UserID:   payerID,
			Kind:     kind,
			Amount:   plan.PriceCoins,
			Currency: domain.CurrencyCoins,
			Status:   domain.StatusCompleted,
			Metadata: map[string]string{
				metaPlanID:      plan.ID,
				metaDays:        strconv.Itoa(plan.Days),
				metaRecipientID: recipientID.String(),
			},
		}
		if plan.CoinBonus > 0 {
			entry.Metadata[metaCoinBonus] = strconv.FormatInt(plan.CoinBonus, 10)
		}

		entitlement, err = s.grantEntitlement(ctx, tx, recipientID, plan.Days, source, entry.ID.String())
		if err != nil {
			return fmt.Errorf("grant entitlement: %w", err)
		}
		entry.RelatedEntitlementID = &entitlement.ID

		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return fmt.Errorf("append premium entry: %w", err)
		}

		if plan.CoinBonus > 0 {
			if err := s.creditPremiumBonus(ctx, tx, recipientID, plan.CoinBonus, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.publishEvent(ctx, "premium.granted", rabbitmq.EconomyEvent{
		UserID:    recipientID,
		EntryID:   entry.ID,
		Kind:      kind,
		Amount:    plan.PriceCoins,
		Currency:  domain.CurrencyCoins,
		Timestamp: time.Now().UTC(),
	})

	return entry, entitlement, nil
}

func (s *Service) purchasePremiumWithGateway(ctx context.Context, payerID, recipientID uuid.UUID, kind, source string, plan *catalogclient.PremiumPlan, method string) (*domain.LedgerEntry, *domain.Entitlement, error) {
	entry := &domain.LedgerEntry{
		UserID:        payerID,
		Kind:          kind,
		Amount:        plan.Price,
		Currency:      plan.Currency,
		Status:        domain.StatusPending,
		PaymentMethod: &method,
		Metadata: map[string]string{
			metaPlanID:      plan.ID,
			metaDays:        strconv.Itoa(plan.Days),
			metaRecipientID: recipientID.String(),
		},
	}
	if plan.CoinBonus > 0 {
		entry.Metadata[metaCoinBonus] = strconv.FormatInt(plan.CoinBonus, 10)
	}
	if err := s.repo.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("append premium entry: %w", err)
	}

	ack, err := s.gateway.InitiateCharge(ctx, plan.Price, plan.Currency, method)
	if err != nil {
		log.Printf("level=warn component=service flow=purchase_premium msg=\"charge initiation failed; entry left pending\" entry_id=%s err=%v", entry.ID, err)
		return entry, nil, fmt.Errorf("gateway charge initiation failed: %w", err)
	}
	if err := s.repo.SetLedgerEntryExternalReference(ctx, entry.ID, ack.ExternalReference); err != nil {
		return entry, nil, fmt.Errorf("persist external reference: %w", err)
	}
	entry.ExternalReference = &ack.ExternalReference

	// The entitlement grant is deferred until the payment.succeeded callback.
	return entry, nil, nil
}

// creditPremiumBonus credits a plan's coin bonus to the recipient and records
// it in the recipient's own ledger, paired with the premium entry the same way
// award_received pairs with award_given.
func (s *Service) creditPremiumBonus(ctx context.Context, tx store.Repository, recipientID uuid.UUID, bonus int64, premiumEntry *domain.LedgerEntry) error {
	if err := tx.CreditBalance(ctx, recipientID, bonus); err != nil {
		return fmt.Errorf("credit coin bonus: %w", err)
	}
	bonusEntry := &domain.LedgerEntry{
		UserID:         recipientID,
		Kind:           domain.KindOther,
		Amount:         bonus,
		Currency:       domain.CurrencyCoins,
		Status:         domain.StatusCompleted,
		RelatedEntryID: &premiumEntry.ID,
		Metadata: map[string]string{
			metaReason: "premium coin bonus",
			metaPlanID: premiumEntry.Metadata[metaPlanID],
		},
	}
	if err := tx.AppendLedgerEntry(ctx, bonusEntry); err != nil {
		return fmt.Errorf("append coin bonus entry: %w", err)
	}
	if err := tx.LinkRelatedEntries(ctx, premiumEntry.ID, bonusEntry.ID); err != nil {
		return fmt.Errorf("link bonus entries: %w", err)
	}
	return nil
}

// GetBalance returns a user's coin balance and karma counters.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

// GetLedger returns a filtered, paginated view of a user's ledger.
func (s *Service) GetLedger(ctx context.Context, userID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, userID, opts)
}

// GetLedgerSummary returns per-currency spent/received totals for a user.
func (s *Service) GetLedgerSummary(ctx context.Context, userID uuid.UUID) (map[string]domain.CurrencyTotals, error) {
	return s.repo.SumLedgerByCurrency(ctx, userID)
}

// GetEntitlementStatus reports whether a user currently has premium.
func (s *Service) GetEntitlementStatus(ctx context.Context, userID uuid.UUID) (*domain.EntitlementStatus, error) {
	entitlement, err := s.repo.FindCurrentEntitlement(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrEntitlementNotFound) {
			return &domain.EntitlementStatus{}, nil
		}
		return nil, err
	}
	return &domain.EntitlementStatus{
		IsPremium: true,
		IsActive:  entitlement.IsActive,
		EndDate:   &entitlement.EndDate,
		Source:    entitlement.Source,
	}, nil
}

// runAccountUnit executes fn inside one atomic unit of work, retrying a
// bounded number of times when the store reports a write-write conflict on the
// affected accounts. Business errors abort immediately.
func (s *Service) runAccountUnit(ctx context.Context, fn func(store.Repository) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		lastErr = s.repo.WithinTx(ctx, fn)
		if lastErr == nil || !isRetryableConflict(lastErr) {
			return lastErr
		}
		if attempt == s.retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrConflictRetryExhausted, lastErr)
}

// isRetryableConflict reports whether err is a serialization failure or
// deadlock that a retry with the same inputs can resolve.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// consumeRate applies the per-minute limit for one scope. A limiter outage
// fails open: the request proceeds and the outage is logged.
func (s *Service) consumeRate(ctx context.Context, scope string, userID uuid.UUID) error {
	if s.rateLimiter == nil || s.awardRatePerMinute <= 0 {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, userID.String(), s.awardRatePerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service scope=%s msg=\"rate limiter unavailable; allowing request\" err=%v", scope, err)
		return nil
	}
	if count > s.awardRatePerMinute {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event rabbitmq.EconomyEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, eventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s entry_id=%s err=%v", routingKey, event.EntryID, err)
	}
}
