/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the economy-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * The same interface is implemented by both the pool-backed repository and the
 * transaction-backed repository handed to WithinTx callbacks, so a business
 * operation composes ledger, balance, and entitlement writes into one atomic
 * unit simply by running them against the transactional repository.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrTargetNotFound         = errors.New("award target not found")
	ErrLedgerEntryNotFound    = errors.New("ledger entry not found")
	ErrAwardInstanceNotFound  = errors.New("award instance not found")
	ErrEntitlementNotFound    = errors.New("entitlement not found")
	ErrInsufficientBalance    = errors.New("insufficient coin balance")
	ErrInvalidStateTransition = errors.New("invalid ledger entry state transition")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn against a repository whose operations all execute inside
	// one database transaction. fn returning an error rolls back every write.
	// Calling WithinTx on a repository that is already transactional reuses the
	// open transaction.
	WithinTx(ctx context.Context, fn func(Repository) error) error

	// User and balance methods. Lock variants take a row lock (FOR UPDATE) and
	// are meaningful only inside WithinTx.
	FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error)
	FindUserIDByUsername(ctx context.Context, username string) (uuid.UUID, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
	LockBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
	CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error
	DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) error
	AdjustKarma(ctx context.Context, userID uuid.UUID, field string, delta int64) error

	// Ledger methods.
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
	FindLedgerEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	LockLedgerEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	FindLedgerEntryByExternalReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)
	SetLedgerEntryStatus(ctx context.Context, id uuid.UUID, status string) error
	SetLedgerEntryExternalReference(ctx context.Context, id uuid.UUID, reference string) error
	LinkRelatedEntries(ctx context.Context, first, second uuid.UUID) error
	ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error)
	SumLedgerByCurrency(ctx context.Context, userID uuid.UUID) (map[string]domain.CurrencyTotals, error)

	// Award instance methods.
	CreateAwardInstance(ctx context.Context, award *domain.AwardInstance) error
	FindAwardInstanceByID(ctx context.Context, id uuid.UUID) (*domain.AwardInstance, error)
	DeleteAwardInstance(ctx context.Context, id uuid.UUID) error

	// Entitlement methods.
	FindEntitlementByID(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error)
	FindCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error)
	LockCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error)
	CreateEntitlement(ctx context.Context, entitlement *domain.Entitlement) error
	ExtendEntitlement(ctx context.Context, id uuid.UUID, newEndDate time.Time) error
	SetEntitlementInactive(ctx context.Context, id uuid.UUID, terminateNow bool) error
	DeleteEntitlement(ctx context.Context, id uuid.UUID) error
	FindEntitlementBySourceRef(ctx context.Context, source, sourceRef string) (*domain.Entitlement, error)

	// RecordGatewayEvent inserts the (externalReference, eventType) idempotency
	// pair. It returns false when the pair was already recorded, which callers
	// treat as "duplicate delivery, skip effects".
	RecordGatewayEvent(ctx context.Context, externalReference, eventType string) (bool, error)

	// FindTarget resolves an award target to its recipient and community.
	FindTarget(ctx context.Context, ref domain.TargetRef) (*domain.Target, error)
}
