package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
	"github.com/threadline/economy-service/pkg/catalogclient"
	"github.com/threadline/economy-service/pkg/gatewayclient"
)

// memStore is an in-memory store.Repository used by the service tests. Its
// WithinTx snapshots all state before running the callback and restores the
// snapshot on error, mirroring the commit/rollback behavior of the real
// transactional repository.
type memStore struct {
	authSubjects  map[string]string
	usernames     map[string]uuid.UUID
	balances      map[uuid.UUID]*domain.Balance
	entries       map[uuid.UUID]*domain.LedgerEntry
	entryOrder    []uuid.UUID
	awards        map[uuid.UUID]*domain.AwardInstance
	entitlements  map[uuid.UUID]*domain.Entitlement
	gatewayEvents map[string]bool
	targets       map[uuid.UUID]*domain.Target

	// failOn forces the named operation to fail, for atomicity tests.
	failOn  string
	failErr error

	inTx bool
}

func newMemStore() *memStore {
	return &memStore{
		authSubjects:  make(map[string]string),
		usernames:     make(map[string]uuid.UUID),
		balances:      make(map[uuid.UUID]*domain.Balance),
		entries:       make(map[uuid.UUID]*domain.LedgerEntry),
		awards:        make(map[uuid.UUID]*domain.AwardInstance),
		entitlements:  make(map[uuid.UUID]*domain.Entitlement),
		gatewayEvents: make(map[string]bool),
		targets:       make(map[uuid.UUID]*domain.Target),
	}
}

func (m *memStore) addUser(balance int64) uuid.UUID {
	id := uuid.New()
	m.balances[id] = &domain.Balance{UserID: id, CoinBalance: balance}
	return id
}

func (m *memStore) addTarget(targetType string, recipientID uuid.UUID, communityID *uuid.UUID) domain.TargetRef {
	ref := domain.TargetRef{Type: targetType, ID: uuid.New()}
	m.targets[ref.ID] = &domain.Target{Ref: ref, RecipientID: recipientID, CommunityID: communityID}
	return ref
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		if m.failErr != nil {
			return m.failErr
		}
		return fmt.Errorf("forced failure at %s", op)
	}
	return nil
}

func (m *memStore) snapshot() *memStore {
	snap := newMemStore()
	for k, v := range m.authSubjects {
		snap.authSubjects[k] = v
	}
	for k, v := range m.usernames {
		snap.usernames[k] = v
	}
	for k, v := range m.balances {
		b := *v
		snap.balances[k] = &b
	}
	for k, v := range m.entries {
		e := *v
		e.Metadata = copyMeta(v.Metadata)
		snap.entries[k] = &e
	}
	snap.entryOrder = append([]uuid.UUID(nil), m.entryOrder...)
	for k, v := range m.awards {
		a := *v
		snap.awards[k] = &a
	}
	for k, v := range m.entitlements {
		e := *v
		snap.entitlements[k] = &e
	}
	for k, v := range m.gatewayEvents {
		snap.gatewayEvents[k] = v
	}
	for k, v := range m.targets {
		t := *v
		snap.targets[k] = &t
	}
	return snap
}

func (m *memStore) restore(snap *memStore) {
	m.authSubjects = snap.authSubjects
	m.usernames = snap.usernames
	m.balances = snap.balances
	m.entries = snap.entries
	m.entryOrder = snap.entryOrder
	m.awards = snap.awards
	m.entitlements = snap.entitlements
	m.gatewayEvents = snap.gatewayEvents
	m.targets = snap.targets
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func (m *memStore) WithinTx(ctx context.Context, fn func(store.Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	snap := m.snapshot()
	m.inTx = true
	err := fn(m)
	m.inTx = false
	if err != nil {
		m.restore(snap)
	}
	return err
}

func (m *memStore) FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	id, ok := m.authSubjects[subject]
	if !ok {
		return "", store.ErrUserNotFound
	}
	return id, nil
}

func (m *memStore) FindUserIDByUsername(ctx context.Context, username string) (uuid.UUID, error) {
	id, ok := m.usernames[username]
	if !ok {
		return uuid.Nil, store.ErrUserNotFound
	}
	return id, nil
}

func (m *memStore) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	b, ok := m.balances[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *b
	return &copied, nil
}

func (m *memStore) LockBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	if err := m.fail("LockBalance"); err != nil {
		return nil, err
	}
	return m.GetBalance(ctx, userID)
}

func (m *memStore) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	if err := m.fail("CreditBalance"); err != nil {
		return err
	}
	b, ok := m.balances[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	b.CoinBalance += amount
	return nil
}

func (m *memStore) DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	if err := m.fail("DebitBalance"); err != nil {
		return err
	}
	b, ok := m.balances[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	if b.CoinBalance < amount {
		return store.ErrInsufficientBalance
	}
	b.CoinBalance -= amount
	return nil
}

func (m *memStore) AdjustKarma(ctx context.Context, userID uuid.UUID, field string, delta int64) error {
	if err := m.fail("AdjustKarma"); err != nil {
		return err
	}
	b, ok := m.balances[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	switch field {
	case domain.KarmaAwardee:
		b.KarmaAwardee += delta
	case domain.KarmaAwarder:
		b.KarmaAwarder += delta
	default:
		return fmt.Errorf("unknown karma field %q", field)
	}
	return nil
}

func (m *memStore) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := m.fail("AppendLedgerEntry"); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	copied := *entry
	copied.Metadata = copyMeta(entry.Metadata)
	m.entries[entry.ID] = &copied
	m.entryOrder = append(m.entryOrder, entry.ID)
	return nil
}

func (m *memStore) FindLedgerEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, store.ErrLedgerEntryNotFound
	}
	copied := *e
	copied.Metadata = copyMeta(e.Metadata)
	return &copied, nil
}

func (m *memStore) LockLedgerEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	if err := m.fail("LockLedgerEntry"); err != nil {
		return nil, err
	}
	return m.FindLedgerEntryByID(ctx, id)
}

func (m *memStore) FindLedgerEntryByExternalReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	for _, e := range m.entries {
		if e.ExternalReference != nil && *e.ExternalReference == reference {
			copied := *e
			copied.Metadata = copyMeta(e.Metadata)
			return &copied, nil
		}
	}
	return nil, store.ErrLedgerEntryNotFound
}

func (m *memStore) SetLedgerEntryStatus(ctx context.Context, id uuid.UUID, status string) error {
	if err := m.fail("SetLedgerEntryStatus"); err != nil {
		return err
	}
	e, ok := m.entries[id]
	if !ok {
		return store.ErrLedgerEntryNotFound
	}
	if !domain.CanTransitionStatus(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidStateTransition, e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) SetLedgerEntryExternalReference(ctx context.Context, id uuid.UUID, reference string) error {
	e, ok := m.entries[id]
	if !ok {
		return store.ErrLedgerEntryNotFound
	}
	e.ExternalReference = &reference
	return nil
}

func (m *memStore) LinkRelatedEntries(ctx context.Context, first, second uuid.UUID) error {
	a, ok := m.entries[first]
	if !ok {
		return store.ErrLedgerEntryNotFound
	}
	b, ok := m.entries[second]
	if !ok {
		return store.ErrLedgerEntryNotFound
	}
	a.RelatedEntryID = &b.ID
	b.RelatedEntryID = &a.ID
	return nil
}

func (m *memStore) ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, id := range m.entryOrder {
		e := m.entries[id]
		if e.UserID != userID {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.Currency != "" && e.Currency != opts.Currency {
			continue
		}
		out = append(out, *e)
	}
	// Newest first, like the SQL implementation.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memStore) SumLedgerByCurrency(ctx context.Context, userID uuid.UUID) (map[string]domain.CurrencyTotals, error) {
	totals := make(map[string]domain.CurrencyTotals)
	for _, e := range m.entries {
		if e.UserID != userID || e.Status != domain.StatusCompleted {
			continue
		}
		t := totals[e.Currency]
		if domain.SpendKind(e.Kind) {
			t.Spent += e.Amount
		} else {
			t.Received += e.Amount
		}
		totals[e.Currency] = t
	}
	return totals, nil
}

func (m *memStore) CreateAwardInstance(ctx context.Context, award *domain.AwardInstance) error {
	if err := m.fail("CreateAwardInstance"); err != nil {
		return err
	}
	if award.ID == uuid.Nil {
		award.ID = uuid.New()
	}
	copied := *award
	m.awards[award.ID] = &copied
	return nil
}

func (m *memStore) FindAwardInstanceByID(ctx context.Context, id uuid.UUID) (*domain.AwardInstance, error) {
	a, ok := m.awards[id]
	if !ok {
		return nil, store.ErrAwardInstanceNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *memStore) DeleteAwardInstance(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.awards[id]; !ok {
		return store.ErrAwardInstanceNotFound
	}
	delete(m.awards, id)
	return nil
}

func (m *memStore) currentEntitlement(userID uuid.UUID) (*domain.Entitlement, error) {
	now := time.Now().UTC()
	var current *domain.Entitlement
	for _, e := range m.entitlements {
		if e.UserID != userID || !e.EndDate.After(now) {
			continue
		}
		if current == nil || e.EndDate.After(current.EndDate) {
			current = e
		}
	}
	if current == nil {
		return nil, store.ErrEntitlementNotFound
	}
	copied := *current
	return &copied, nil
}

func (m *memStore) FindEntitlementByID(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error) {
	e, ok := m.entitlements[id]
	if !ok {
		return nil, store.ErrEntitlementNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *memStore) FindCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error) {
	return m.currentEntitlement(userID)
}

func (m *memStore) LockCurrentEntitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error) {
	if err := m.fail("LockCurrentEntitlement"); err != nil {
		return nil, err
	}
	return m.currentEntitlement(userID)
}

func (m *memStore) CreateEntitlement(ctx context.Context, entitlement *domain.Entitlement) error {
	if err := m.fail("CreateEntitlement"); err != nil {
		return err
	}
	if entitlement.ID == uuid.Nil {
		entitlement.ID = uuid.New()
	}
	copied := *entitlement
	m.entitlements[entitlement.ID] = &copied
	return nil
}

func (m *memStore) ExtendEntitlement(ctx context.Context, id uuid.UUID, newEndDate time.Time) error {
	e, ok := m.entitlements[id]
	if !ok {
		return store.ErrEntitlementNotFound
	}
	e.EndDate = newEndDate
	return nil
}

func (m *memStore) SetEntitlementInactive(ctx context.Context, id uuid.UUID, terminateNow bool) error {
	e, ok := m.entitlements[id]
	if !ok {
		return store.ErrEntitlementNotFound
	}
	e.IsActive = false
	if terminateNow {
		e.EndDate = time.Now().UTC()
	}
	return nil
}

func (m *memStore) DeleteEntitlement(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.entitlements[id]; !ok {
		return store.ErrEntitlementNotFound
	}
	delete(m.entitlements, id)
	return nil
}

func (m *memStore) FindEntitlementBySourceRef(ctx context.Context, source, sourceRef string) (*domain.Entitlement, error) {
	for _, e := range m.entitlements {
		if e.Source == source && e.SourceReference != nil && *e.SourceReference == sourceRef {
			copied := *e
			return &copied, nil
		}
	}
	return nil, store.ErrEntitlementNotFound
}

func (m *memStore) RecordGatewayEvent(ctx context.Context, externalReference, eventType string) (bool, error) {
	if err := m.fail("RecordGatewayEvent"); err != nil {
		return false, err
	}
	key := externalReference + "|" + eventType
	if m.gatewayEvents[key] {
		return false, nil
	}
	m.gatewayEvents[key] = true
	return true, nil
}

func (m *memStore) FindTarget(ctx context.Context, ref domain.TargetRef) (*domain.Target, error) {
	t, ok := m.targets[ref.ID]
	if !ok {
		return nil, store.ErrTargetNotFound
	}
	copied := *t
	return &copied, nil
}

var _ store.Repository = (*memStore)(nil)

// Shared test doubles for the catalog and gateway collaborators.

type catalogStub struct {
	awards   map[string]*catalogclient.AwardDefinition
	packages map[string]*catalogclient.CoinPackage
	plans    map[string]*catalogclient.PremiumPlan
}

func newCatalogStub() *catalogStub {
	return &catalogStub{
		awards:   make(map[string]*catalogclient.AwardDefinition),
		packages: make(map[string]*catalogclient.CoinPackage),
		plans:    make(map[string]*catalogclient.PremiumPlan),
	}
}

func (c *catalogStub) GetAward(ctx context.Context, awardID string) (*catalogclient.AwardDefinition, error) {
	a, ok := c.awards[awardID]
	if !ok {
		return nil, catalogclient.ErrNotFound
	}
	return a, nil
}

func (c *catalogStub) GetCoinPackage(ctx context.Context, packageID string) (*catalogclient.CoinPackage, error) {
	p, ok := c.packages[packageID]
	if !ok {
		return nil, catalogclient.ErrNotFound
	}
	return p, nil
}

func (c *catalogStub) GetPremiumPlan(ctx context.Context, planID string) (*catalogclient.PremiumPlan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return nil, catalogclient.ErrNotFound
	}
	return p, nil
}

type gatewayStub struct {
	chargeCalls  int
	refundCalls  int
	refundedRefs []string
	chargeErr    error
	nextRef      string
}

func (g *gatewayStub) InitiateCharge(ctx context.Context, amount int64, currency, method string) (*gatewayclient.ChargeResponse, error) {
	g.chargeCalls++
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	ref := g.nextRef
	if ref == "" {
		ref = "chg_" + uuid.NewString()
	}
	return &gatewayclient.ChargeResponse{ExternalReference: ref, Status: "pending"}, nil
}

func (g *gatewayStub) InitiateRefund(ctx context.Context, externalReference string, amount int64) (*gatewayclient.RefundResponse, error) {
	g.refundCalls++
	g.refundedRefs = append(g.refundedRefs, externalReference)
	return &gatewayclient.RefundResponse{RefundReference: "rfd_" + externalReference, Status: "pending"}, nil
}

func newTestService(repo store.Repository, catalog Catalog, gateway Gateway) *Service {
	return NewService(repo, catalog, gateway, nil)
}
