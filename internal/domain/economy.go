/**
 * @description
 * This file defines the core domain models for the economy-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Coin amounts are stored as `int64` in whole coins; real-money amounts are
 *   stored in the smallest currency unit (cents) to avoid floating-point
 *   inaccuracies with financial data.
 * - Ledger entries store an unsigned magnitude plus a kind; the sign of the
 *   effect is derived from the kind, never stored.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrencyCoins is the internal virtual currency code. Any other currency value
// on a ledger entry is a real-money ISO code (e.g. "usd") and requires a
// payment method.
const CurrencyCoins = "coins"

// Ledger entry kinds.
const (
	KindPurchase        = "purchase"
	KindAwardGiven      = "award_given"
	KindAwardReceived   = "award_received"
	KindPremiumPurchase = "premium_purchase"
	KindPremiumGift     = "premium_gift"
	KindRefund          = "refund"
	KindOther           = "other"
)

// Ledger entry statuses. Transitions only move forward:
// pending -> completed | failed, completed -> refunded.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

// CanTransitionStatus reports whether a ledger entry may move from one status
// to another. Backward moves and pending -> refunded are never allowed.
func CanTransitionStatus(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusRefunded
	default:
		return false
	}
}

// IsTerminalStatus reports whether a status admits no further transitions
// except the completed -> refunded reversal.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusRefunded
}

// LedgerEntry is the central immutable record for any balance-affecting event.
// Only `status` and the related-entry back-fill are ever updated in place.
type LedgerEntry struct {
	ID                   uuid.UUID         `json:"id"`
	UserID               uuid.UUID         `json:"user_id"`
	Kind                 string            `json:"kind"`
	Amount               int64             `json:"amount"` // unsigned magnitude in Currency
	Currency             string            `json:"currency"`
	Status               string            `json:"status"`
	PaymentMethod        *string           `json:"payment_method,omitempty"`
	ExternalReference    *string           `json:"external_reference,omitempty"`
	RelatedEntryID       *uuid.UUID        `json:"related_entry_id,omitempty"`
	RelatedAwardID       *uuid.UUID        `json:"related_award_id,omitempty"`
	RelatedEntitlementID *uuid.UUID        `json:"related_entitlement_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Validate enforces the construction invariants of a ledger entry: the kind
// and status must be known, the amount non-negative, and real-money entries
// must carry a payment method.
func (e *LedgerEntry) Validate() error {
	switch e.Kind {
	case KindPurchase, KindAwardGiven, KindAwardReceived, KindPremiumPurchase, KindPremiumGift, KindRefund, KindOther:
	default:
		return fmt.Errorf("unknown ledger entry kind %q", e.Kind)
	}
	switch e.Status {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
	default:
		return fmt.Errorf("unknown ledger entry status %q", e.Status)
	}
	if e.Amount < 0 {
		return fmt.Errorf("ledger entry amount must be non-negative, got %d", e.Amount)
	}
	if e.Currency == "" {
		return fmt.Errorf("ledger entry currency is required")
	}
	if e.Currency != CurrencyCoins && (e.PaymentMethod == nil || *e.PaymentMethod == "") {
		return fmt.Errorf("payment method is required for %s entries", e.Currency)
	}
	return nil
}

// MetadataValue returns the metadata value for key, or "" when absent.
func (e *LedgerEntry) MetadataValue(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// CurrencyTotals accumulates per-currency spend and receipt magnitudes for a
// user's ledger report.
type CurrencyTotals struct {
	Spent    int64 `json:"spent"`
	Received int64 `json:"received"`
}

// SpendKind reports whether the kind represents value leaving the entry's user.
func SpendKind(kind string) bool {
	switch kind {
	case KindPurchase, KindAwardGiven, KindPremiumPurchase, KindPremiumGift:
		return true
	default:
		return false
	}
}

// Target types an award can be attached to.
const (
	TargetPost    = "post"
	TargetComment = "comment"
	TargetUser    = "user"
)

// TargetRef is the tagged reference to the entity an award is given to. The
// type tag drives which companion data is required; it is checked once at
// construction rather than ad hoc at every call site.
type TargetRef struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// NewTargetRef validates and builds a target reference.
func NewTargetRef(targetType string, id uuid.UUID) (TargetRef, error) {
	switch targetType {
	case TargetPost, TargetComment, TargetUser:
	default:
		return TargetRef{}, fmt.Errorf("unknown award target type %q", targetType)
	}
	if id == uuid.Nil {
		return TargetRef{}, fmt.Errorf("target id is required")
	}
	return TargetRef{Type: targetType, ID: id}, nil
}

// Target is the read-only projection of an award target that the engine needs:
// who receives the award's effects, which community the content belongs to,
// and whether the content is still visible.
type Target struct {
	Ref         TargetRef
	RecipientID uuid.UUID
	CommunityID *uuid.UUID
	Deleted     bool
}

// AwardInstance represents one act of giving an award. Immutable after
// creation except for removal on refund.
type AwardInstance struct {
	ID          uuid.UUID `json:"id"`
	AwardID     string    `json:"award_id"`
	GiverID     uuid.UUID `json:"giver_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	TargetType  string    `json:"target_type"`
	TargetID    uuid.UUID `json:"target_id"`
	Message     *string   `json:"message,omitempty"`
	IsAnonymous bool      `json:"is_anonymous"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entitlement sources.
const (
	EntitlementSourcePurchase  = "purchase"
	EntitlementSourceAward     = "award"
	EntitlementSourceGift      = "gift"
	EntitlementSourcePromotion = "promotion"
)

// Entitlement is a time-bounded premium-status grant. IsActive=false means
// the grant will not renew (or was cancelled) but remains in effect until
// EndDate; refund is the only path that also terminates the interval.
type Entitlement struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	Source          string    `json:"source"`
	SourceReference *string   `json:"source_reference,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// InEffect reports whether the entitlement interval is still open at t.
func (e *Entitlement) InEffect(t time.Time) bool {
	return e.EndDate.After(t)
}

// Karma counter fields on a user.
const (
	KarmaAwardee = "awardee"
	KarmaAwarder = "awarder"
)

// Balance is the mutable projection of ledger effects onto a user.
type Balance struct {
	UserID       uuid.UUID `json:"user_id"`
	CoinBalance  int64     `json:"coin_balance"`
	KarmaAwardee int64     `json:"karma_awardee"`
	KarmaAwarder int64     `json:"karma_awarder"`
}

// GiveAwardRequest is the DTO for incoming award API requests.
type GiveAwardRequest struct {
	AwardID     string  `json:"award_id"`
	TargetType  string  `json:"target_type"`
	TargetID    string  `json:"target_id"`
	Message     *string `json:"message,omitempty"`
	IsAnonymous bool    `json:"is_anonymous"`
}

// PurchaseCoinsRequest is the DTO for coin top-up API requests.
type PurchaseCoinsRequest struct {
	PackageID     string `json:"package_id"`
	PaymentMethod string `json:"payment_method"`
}

// PurchasePremiumRequest is the DTO for premium purchase/gift API requests.
type PurchasePremiumRequest struct {
	PlanID        string  `json:"plan_id"`
	PaymentMethod string  `json:"payment_method"` // "coins" or a gateway method
	GiftRecipient *string `json:"gift_recipient,omitempty"`
}

// RefundRequest is the DTO for refund API requests.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// GatewayEvent is the payload of an asynchronous payment-gateway notification,
// whether delivered over the webhook endpoint or the broker queue.
type GatewayEvent struct {
	EventType         string            `json:"event_type"`
	ExternalReference string            `json:"external_reference"`
	Payload           map[string]string `json:"payload,omitempty"`
}

// Gateway event types the reconciliation service understands.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// LedgerListOptions controls filtering and pagination of ledger reads.
type LedgerListOptions struct {
	Kind     string
	Status   string
	Currency string
	Limit    int
	Offset   int
}

// EntitlementStatus is the API view of a user's premium state.
type EntitlementStatus struct {
	IsPremium bool       `json:"is_premium"`
	IsActive  bool       `json:"is_active"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Source    string     `json:"source,omitempty"`
}
