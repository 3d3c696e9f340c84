/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to users, ledger entries, award instances, entitlements, and the
 * gateway-event idempotency table.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/threadline/economy-service/internal/domain"
)

// querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx,
// letting every repository method run against either the pool or an open
// transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, q: pool}
}

// WithinTx runs fn against a transaction-backed repository. fn returning an
// error rolls back every write; otherwise the transaction commits. A repository
// that is already transactional reuses its open transaction so nested business
// operations compose into one atomic unit.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txRepo := &PostgresRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindUserIDByAuthSubject resolves the internal UUID from an auth-provider
// subject id supplied by the authorization collaborator.
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	var id string
	err := r.q.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1 AND deleted_at IS NULL", subject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindUserIDByUsername resolves a username to the internal user UUID.
func (r *PostgresRepository) FindUserIDByUsername(ctx context.Context, username string) (uuid.UUID, error) {
	var id uuid.UUID
	query := `SELECT id FROM users WHERE lower(btrim(username)) = lower(btrim($1)) AND deleted_at IS NULL`
	err := r.q.QueryRow(ctx, query, username).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// GetBalance reads a user's coin balance and karma counters.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	return r.readBalance(ctx, userID, false)
}

// LockBalance reads a user's balance under FOR UPDATE, serializing concurrent
// writers on the same account for the duration of the enclosing transaction.
func (r *PostgresRepository) LockBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	return r.readBalance(ctx, userID, true)
}

func (r *PostgresRepository) readBalance(ctx context.Context, userID uuid.UUID, lock bool) (*domain.Balance, error) {
	query := `SELECT id, coin_balance, karma_awardee, karma_awarder FROM users WHERE id = $1 AND deleted_at IS NULL`
	if lock {
		query += " FOR UPDATE"
	}
	var balance domain.Balance
	err := r.q.QueryRow(ctx, query, userID).Scan(&balance.UserID, &balance.CoinBalance, &balance.KarmaAwardee, &balance.KarmaAwarder)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// CreditBalance adds coins to a user's balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	tag, err := r.q.Exec(ctx,
		"UPDATE users SET coin_balance = coin_balance + $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL",
		amount, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DebitBalance removes coins from a user's balance. The WHERE guard keeps the
// balance non-negative even if a caller skipped LockBalance.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	tag, err := r.q.Exec(ctx,
		"UPDATE users SET coin_balance = coin_balance - $1, updated_at = NOW() WHERE id = $2 AND coin_balance >= $1 AND deleted_at IS NULL",
		amount, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := r.q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND deleted_at IS NULL)", userID).Scan(&exists); checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}

// AdjustKarma applies a delta to one of a user's karma counters.
func (r *PostgresRepository) AdjustKarma(ctx context.Context, userID uuid.UUID, field string, delta int64) error {
	var column string
	switch field {
	case domain.KarmaAwardee:
		column = "karma_awardee"
	case domain.KarmaAwarder:
		column = "karma_awarder"
	default:
		return fmt.Errorf("unknown karma field %q", field)
	}
	query := fmt.Sprintf("UPDATE users SET %s = %s + $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL", column, column)
	tag, err := r.q.Exec(ctx, query, delta, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

const ledgerEntryColumns = `id, user_id, kind, amount, currency, status, payment_method,
	external_reference, related_entry_id, related_award_id, related_entitlement_id,
	metadata, created_at, updated_at`

// AppendLedgerEntry inserts a new immutable ledger record.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var metadata []byte
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode ledger metadata: %w", err)
		}
		metadata = encoded
	}

	query := `
		INSERT INTO ledger_entries (
			id, user_id, kind, amount, currency, status, payment_method,
			external_reference, related_entry_id, related_award_id, related_entitlement_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query,
		entry.ID, entry.UserID, entry.Kind, entry.Amount, entry.Currency, entry.Status,
		entry.PaymentMethod, entry.ExternalReference, entry.RelatedEntryID,
		entry.RelatedAwardID, entry.RelatedEntitlementID, metadata,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
}

// FindLedgerEntryByID retrieves a single ledger entry.
func (r *PostgresRepository) FindLedgerEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	query := "SELECT " + ledgerEntryColumns + " FROM ledger_entries WHERE id = $1"
	return r.scanLedgerEntry(r.q.QueryRow(ctx, query, id))
}

// LockLedgerEntry retrieves a ledger entry under FOR UPDATE so that concurrent
// reconciliation of the same entry serializes.
func (r *PostgresRepository) LockLedgerEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	query := "SELECT " + ledgerEntryColumns + " FROM ledger_entries WHERE id = $1 FOR UPDATE"
	return r.scanLedgerEntry(r.q.QueryRow(ctx, query, id))
}

// FindLedgerEntryByExternalReference looks up the entry that carries a
// payment-gateway idempotency key.
func (r *PostgresRepository) FindLedgerEntryByExternalReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	query := "SELECT " + ledgerEntryColumns + " FROM ledger_entries WHERE external_reference = $1"
	return r.scanLedgerEntry(r.q.QueryRow(ctx, query, reference))
}

// SetLedgerEntryStatus advances an entry's status, enforcing the forward-only
// invariant: pending -> completed|failed, completed -> refunded.
func (r *PostgresRepository) SetLedgerEntryStatus(ctx context.Context, id uuid.UUID, status string) error {
	var current string
	err := r.q.QueryRow(ctx, "SELECT status FROM ledger_entries WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrLedgerEntryNotFound
		}
		return err
	}
	if !domain.CanTransitionStatus(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, status)
	}
	_, err = r.q.Exec(ctx, "UPDATE ledger_entries SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	return err
}

// SetLedgerEntryExternalReference back-fills the gateway's reference onto a
// pending entry once charge initiation succeeds.
func (r *PostgresRepository) SetLedgerEntryExternalReference(ctx context.Context, id uuid.UUID, reference string) error {
	tag, err := r.q.Exec(ctx, "UPDATE ledger_entries SET external_reference = $1, updated_at = NOW() WHERE id = $2", reference, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLedgerEntryNotFound
	}
	return nil
}

// LinkRelatedEntries back-fills the mutual related_entry_id references between
// a giver-side and a recipient-side entry. This is the only non-status mutation
// a ledger entry ever receives.
func (r *PostgresRepository) LinkRelatedEntries(ctx context.Context, first, second uuid.UUID) error {
	if _, err := r.q.Exec(ctx, "UPDATE ledger_entries SET related_entry_id = $1, updated_at = NOW() WHERE id = $2", second, first); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, "UPDATE ledger_entries SET related_entry_id = $1, updated_at = NOW() WHERE id = $2", first, second)
	return err
}

// ListLedgerEntries returns a user's ledger entries, newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error) {
	query := "SELECT " + ledgerEntryColumns + " FROM ledger_entries WHERE user_id = $1"
	args := []any{userID}

	if opts.Kind != "" {
		args = append(args, opts.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.Currency != "" {
		args = append(args, opts.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := r.scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// SumLedgerByCurrency aggregates completed ledger magnitudes per currency into
// spent/received totals for reporting.
func (r *PostgresRepository) SumLedgerByCurrency(ctx context.Context, userID uuid.UUID) (map[string]domain.CurrencyTotals, error) {
	query := `
		SELECT currency, kind, COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND status = $2
		GROUP BY currency, kind
	`
	rows, err := r.q.Query(ctx, query, userID, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]domain.CurrencyTotals)
	for rows.Next() {
		var currency, kind string
		var sum int64
		if err := rows.Scan(&currency, &kind, &sum); err != nil {
			return nil, err
		}
		t := totals[currency]
		if domain.SpendKind(kind) {
			t.Spent += sum
		} else {
			t.Received += sum
		}
		totals[currency] = t
	}
	return totals, rows.Err()
}

// CreateAwardInstance inserts the record of one act of giving an award.
func (r *PostgresRepository) CreateAwardInstance(ctx context.Context, award *domain.AwardInstance) error {
	if award.ID == uuid.Nil {
		award.ID = uuid.New()
	}
	query := `
		INSERT INTO award_instances (id, award_id, giver_id, recipient_id, target_type, target_id, message, is_anonymous)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query,
		award.ID, award.AwardID, award.GiverID, award.RecipientID,
		award.TargetType, award.TargetID, award.Message, award.IsAnonymous,
	).Scan(&award.CreatedAt, &award.UpdatedAt)
}

// FindAwardInstanceByID retrieves an award instance.
func (r *PostgresRepository) FindAwardInstanceByID(ctx context.Context, id uuid.UUID) (*domain.AwardInstance, error) {
	var award domain.AwardInstance
	query := `
		SELECT id, award_id, giver_id, recipient_id, target_type, target_id, message, is_anonymous, created_at, updated_at
		FROM award_instances
		WHERE id = $1
	`
	err := r.q.QueryRow(ctx, query, id).Scan(
		&award.ID, &award.AwardID, &award.GiverID, &award.RecipientID,
		&award.TargetType, &award.TargetID, &award.Message, &award.IsAnonymous,
		&award.CreatedAt, &award.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAwardInstanceNotFound
		}
		return nil, err
	}
	return &award, nil
}

// DeleteAwardInstance removes an award from its target's award list. Used only
// by the refund path.
func (r *PostgresRepository) DeleteAwardInstance(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, "DELETE FROM award_instances WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAwardInstanceNotFound
	}
	return nil
}

const entitlementColumns = `id, user_id, start_date, end_date, source, source_reference, is_active, created_at, updated_at`

// FindCurrentEntitlement returns the user's entitlement whose interval is still
// open, if any. At most one such row exists per user.
func (r *PostgresRepository) FindCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error) {
	return r.readCurrentEntitlement(ctx, userID, false)
}

// LockCurrentEntitlement is FindCurrentEntitlement under FOR UPDATE, so that
// two concurrent grants to the same user serialize their stacking computation.
func (r *PostgresRepository) LockCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error) {
	return r.readCurrentEntitlement(ctx, userID, true)
}

func (r *PostgresRepository) readCurrentEntitlement(ctx context.Context, userID uuid.UUID, lock bool) (*domain.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = $1 AND end_date > NOW()
		ORDER BY end_date DESC
		LIMIT 1
	`
	if lock {
		query += " FOR UPDATE"
	}
	var e domain.Entitlement
	err := r.q.QueryRow(ctx, query, userID).Scan(
		&e.ID, &e.UserID, &e.StartDate, &e.EndDate, &e.Source, &e.SourceReference,
		&e.IsActive, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEntitlement inserts a new premium grant.
func (r *PostgresRepository) CreateEntitlement(ctx context.Context, entitlement *domain.Entitlement) error {
	if entitlement.ID == uuid.Nil {
		entitlement.ID = uuid.New()
	}
	query := `
		INSERT INTO entitlements (id, user_id, start_date, end_date, source, source_reference, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query,
		entitlement.ID, entitlement.UserID, entitlement.StartDate, entitlement.EndDate,
		entitlement.Source, entitlement.SourceReference, entitlement.IsActive,
	).Scan(&entitlement.CreatedAt, &entitlement.UpdatedAt)
}

// ExtendEntitlement pushes an entitlement's end date forward (stacking).
func (r *PostgresRepository) ExtendEntitlement(ctx context.Context, id uuid.UUID, newEndDate time.Time) error {
	tag, err := r.q.Exec(ctx, "UPDATE entitlements SET end_date = $1, updated_at = NOW() WHERE id = $2", newEndDate, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntitlementNotFound
	}
	return nil
}

// SetEntitlementInactive stops renewal. With terminateNow the interval is also
// closed (end_date = now); that variant is reserved for the refund path.
func (r *PostgresRepository) SetEntitlementInactive(ctx context.Context, id uuid.UUID, terminateNow bool) error {
	query := "UPDATE entitlements SET is_active = FALSE, updated_at = NOW() WHERE id = $1"
	if terminateNow {
		query = "UPDATE entitlements SET is_active = FALSE, end_date = NOW(), updated_at = NOW() WHERE id = $1"
	}
	tag, err := r.q.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntitlementNotFound
	}
	return nil
}

// DeleteEntitlement removes a provisional grant outright. Used when a payment
// fails before anything was actually paid for.
func (r *PostgresRepository) DeleteEntitlement(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, "DELETE FROM entitlements WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntitlementNotFound
	}
	return nil
}

// FindEntitlementByID fetches an entitlement row regardless of owner.
func (r *PostgresRepository) FindEntitlementByID(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE id = $1
	`
	var e domain.Entitlement
	err := r.q.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.UserID, &e.StartDate, &e.EndDate, &e.Source, &e.SourceReference,
		&e.IsActive, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	return &e, nil
}

// FindEntitlementBySourceRef locates the entitlement created by a specific
// purchase, gift, or award.
func (r *PostgresRepository) FindEntitlementBySourceRef(ctx context.Context, source, sourceRef string) (*domain.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE source = $1 AND source_reference = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var e domain.Entitlement
	err := r.q.QueryRow(ctx, query, source, sourceRef).Scan(
		&e.ID, &e.UserID, &e.StartDate, &e.EndDate, &e.Source, &e.SourceReference,
		&e.IsActive, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	return &e, nil
}

// RecordGatewayEvent inserts the idempotency pair for a gateway notification.
// A duplicate delivery hits the primary key and reports false.
func (r *PostgresRepository) RecordGatewayEvent(ctx context.Context, externalReference, eventType string) (bool, error) {
	tag, err := r.q.Exec(ctx,
		"INSERT INTO gateway_events (external_reference, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		externalReference, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindTarget resolves an award target to the user who receives the award's
// effects. Posts and comments resolve to their author; user targets resolve to
// themselves.
func (r *PostgresRepository) FindTarget(ctx context.Context, ref domain.TargetRef) (*domain.Target, error) {
	target := &domain.Target{Ref: ref}
	var deletedAt *time.Time

	var err error
	switch ref.Type {
	case domain.TargetPost:
		err = r.q.QueryRow(ctx,
			"SELECT author_id, community_id, deleted_at FROM posts WHERE id = $1", ref.ID,
		).Scan(&target.RecipientID, &target.CommunityID, &deletedAt)
	case domain.TargetComment:
		err = r.q.QueryRow(ctx,
			"SELECT author_id, community_id, deleted_at FROM comments WHERE id = $1", ref.ID,
		).Scan(&target.RecipientID, &target.CommunityID, &deletedAt)
	case domain.TargetUser:
		err = r.q.QueryRow(ctx,
			"SELECT id, deleted_at FROM users WHERE id = $1", ref.ID,
		).Scan(&target.RecipientID, &deletedAt)
	default:
		return nil, fmt.Errorf("unknown award target type %q", ref.Type)
	}
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}

	target.Deleted = deletedAt != nil
	return target, nil
}

// rowScanner lets scanLedgerEntry work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanLedgerEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var metadata []byte
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.Kind, &entry.Amount, &entry.Currency, &entry.Status,
		&entry.PaymentMethod, &entry.ExternalReference, &entry.RelatedEntryID,
		&entry.RelatedAwardID, &entry.RelatedEntitlementID, &metadata,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode ledger metadata: %w", err)
		}
	}
	return &entry, nil
}
