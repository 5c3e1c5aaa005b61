package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/pkg/models"
)

type mockBillingRepo struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	entries   []*models.CreditEntry
	failWrite bool // next account write fails after fn runs, like a lost commit
}

func newMockBillingRepo() *mockBillingRepo {
	return &mockBillingRepo{accounts: make(map[string]*models.Account)}
}

func (m *mockBillingRepo) WithAccountLock(ctx context.Context, accountID string, fn func(account *models.Account) ([]*models.CreditEntry, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return models.ErrNotFound
	}
	staged := *account
	entries, err := fn(&staged)
	if err != nil {
		return err
	}
	if m.failWrite {
		m.failWrite = false
		return errors.New("connection reset by peer")
	}
	*account = staged
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockBillingRepo) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *mockBillingRepo) AppendCreditEntry(ctx context.Context, entry *models.CreditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func newTestSynchronizer(t *testing.T, repo Repository) *Synchronizer {
	t.Helper()
	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return New(repo, nil, "webhook-secret", logger)
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt-1"}`)

	assert.True(t, VerifySignature(payload, Sign(payload, "secret"), "secret"))
	assert.False(t, VerifySignature(payload, Sign(payload, "wrong"), "secret"))
	assert.False(t, VerifySignature(payload, "no-prefix", "secret"))
	assert.False(t, VerifySignature(payload, Sign(payload, ""), ""))
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{ID: "acct-1", PlanTier: models.PlanFree}
	sync := newTestSynchronizer(t, repo)

	payload, _ := json.Marshal(models.BillingEvent{
		ID:        "evt-1",
		Type:      models.BillingEventSubscriptionCreated,
		AccountID: "acct-1",
		PriceID:   "price_starter_monthly",
	})

	err := sync.HandleWebhook(context.Background(), payload, "sha256=deadbeef")

	assert.ErrorIs(t, err, models.ErrBadSignature)
	assert.Equal(t, models.PlanFree, repo.accounts["acct-1"].PlanTier, "no mutation on bad signature")
	assert.Empty(t, repo.entries)
}

func TestSubscriptionCreatedUpgradesAccount(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{
		ID:             "acct-1",
		PlanTier:       models.PlanFree,
		CreditsAllowed: 10,
		CreditsUsed:    3,
	}
	sync := newTestSynchronizer(t, repo)

	periodStart := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	event := &models.BillingEvent{
		ID:             "evt-1",
		Type:           models.BillingEventSubscriptionCreated,
		AccountID:      "acct-1",
		SubscriptionID: "sub-1",
		PriceID:        "price_starter_monthly",
		PeriodStart:    ptrTime(periodStart),
		PeriodEnd:      ptrTime(periodStart.AddDate(0, 1, 0)),
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-1"]
	assert.Equal(t, models.PlanStarter, account.PlanTier)
	assert.Equal(t, 100, account.CreditsAllowed)
	assert.Equal(t, 0, account.CreditsUsed)
	assert.Equal(t, 0, account.Carryover, "brand-new subscription starts clean")
	assert.True(t, account.SubscriptionActive)
	assert.Equal(t, "sub-1", account.SubscriptionID)
	assert.Equal(t, 10, account.CreditResetDay)
	require.NotNil(t, account.NextCreditReset)
	require.Len(t, repo.entries, 1)
}

func TestCheckoutForUnknownAccountProvisions(t *testing.T) {
	repo := newMockBillingRepo()
	sync := newTestSynchronizer(t, repo)

	periodStart := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	event := &models.BillingEvent{
		ID:             "evt-1",
		Type:           models.BillingEventCheckoutCompleted,
		AccountID:      "acct-new",
		SubscriptionID: "sub-1",
		PriceID:        "price_pro_monthly",
		PeriodStart:    ptrTime(periodStart),
		PeriodEnd:      ptrTime(periodStart.AddDate(0, 1, 0)),
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-new"]
	require.NotNil(t, account, "checkout for an unseen account creates it")
	assert.Equal(t, models.PlanPro, account.PlanTier)
	assert.Equal(t, 400, account.CreditsAllowed)
	assert.Equal(t, 0, account.CreditsUsed)
	assert.True(t, account.SubscriptionActive)
	assert.Equal(t, "sub-1", account.SubscriptionID)
	assert.Equal(t, 10, account.CreditResetDay)
	require.NotNil(t, account.NextCreditReset)
	require.Len(t, repo.entries, 1)
	assert.Equal(t, models.CreditEntryReset, repo.entries[0].EntryType)
}

func TestFailedAccountWriteRecordsNoEntry(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{ID: "acct-1", PlanTier: models.PlanFree, CreditsAllowed: 10}
	sync := newTestSynchronizer(t, repo)

	periodStart := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	event := &models.BillingEvent{
		ID:             "evt-1",
		Type:           models.BillingEventSubscriptionCreated,
		AccountID:      "acct-1",
		SubscriptionID: "sub-1",
		PriceID:        "price_starter_monthly",
		PeriodStart:    ptrTime(periodStart),
	}

	repo.failWrite = true
	require.Error(t, sync.Apply(context.Background(), event))

	assert.Equal(t, models.PlanFree, repo.accounts["acct-1"].PlanTier)
	assert.Empty(t, repo.entries, "rolled-back mutation leaves no history")

	// The provider redelivers the event
	require.NoError(t, sync.Apply(context.Background(), event))
	assert.Equal(t, models.PlanStarter, repo.accounts["acct-1"].PlanTier)
	assert.Len(t, repo.entries, 1)
}

func TestDuplicateSubscriptionEventIsNoOp(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{ID: "acct-1", PlanTier: models.PlanFree, CreditsAllowed: 10}
	sync := newTestSynchronizer(t, repo)

	periodStart := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	event := &models.BillingEvent{
		ID:             "evt-1",
		Type:           models.BillingEventSubscriptionCreated,
		AccountID:      "acct-1",
		SubscriptionID: "sub-1",
		PriceID:        "price_starter_monthly",
		PeriodStart:    ptrTime(periodStart),
	}

	require.NoError(t, sync.Apply(context.Background(), event))
	first := *repo.accounts["acct-1"]

	// Redelivery of the same event
	require.NoError(t, sync.Apply(context.Background(), event))

	assert.Equal(t, first, *repo.accounts["acct-1"])
	assert.Len(t, repo.entries, 1, "duplicate must not append another entry")
}

func TestPlanChangeComputesCarryover(t *testing.T) {
	nextReset := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{
		ID:              "acct-1",
		PlanTier:        models.PlanStarter,
		CreditsAllowed:  100,
		CreditsUsed:     40,
		SubscriptionID:  "sub-1",
		NextCreditReset: ptrTime(nextReset),
	}
	sync := newTestSynchronizer(t, repo)

	event := &models.BillingEvent{
		ID:             "evt-2",
		Type:           models.BillingEventCheckoutCompleted,
		AccountID:      "acct-1",
		SubscriptionID: "sub-2",
		PriceID:        "price_pro_monthly",
		PeriodStart:    ptrTime(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)),
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-1"]
	assert.Equal(t, models.PlanPro, account.PlanTier)
	assert.Equal(t, 400, account.CreditsAllowed)
	assert.Equal(t, 0, account.CreditsUsed)
	assert.Equal(t, 60, account.Carryover, "unused credits carry over on plan change")
	require.NotNil(t, account.CarryoverExpiry)
	assert.True(t, account.CarryoverExpiry.Equal(nextReset))
}

func TestRenewalResetsUsageAndClearsCarryover(t *testing.T) {
	oldPeriod := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{
		ID:              "acct-1",
		PlanTier:        models.PlanStarter,
		CreditsAllowed:  100,
		CreditsUsed:     72,
		Carryover:       15,
		CreditResetDay:  10,
		PeriodStart:     ptrTime(oldPeriod),
		SubscriptionID:  "sub-1",
		CarryoverExpiry: ptrTime(oldPeriod.AddDate(0, 1, 0)),
	}
	sync := newTestSynchronizer(t, repo)

	newPeriod := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	event := &models.BillingEvent{
		ID:          "evt-3",
		Type:        models.BillingEventInvoicePaid,
		AccountID:   "acct-1",
		PeriodStart: ptrTime(newPeriod),
		PeriodEnd:   ptrTime(newPeriod.AddDate(0, 1, 0)),
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-1"]
	assert.Equal(t, 0, account.CreditsUsed)
	assert.Equal(t, 0, account.Carryover)
	assert.Nil(t, account.CarryoverExpiry)
	assert.True(t, account.PeriodStart.Equal(newPeriod))

	// Redelivery for the same period is a no-op
	require.NoError(t, sync.Apply(context.Background(), event))
	assert.Len(t, repo.entries, 1)
}

func TestSubscriptionDeletedDowngradesToFree(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{
		ID:                 "acct-1",
		PlanTier:           models.PlanPro,
		CreditsAllowed:     400,
		CreditsUsed:        50,
		Carryover:          20,
		SubscriptionActive: true,
		SubscriptionID:     "sub-1",
		PeriodStart:        ptrTime(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)),
	}
	sync := newTestSynchronizer(t, repo)

	event := &models.BillingEvent{
		ID:        "evt-4",
		Type:      models.BillingEventSubscriptionDeleted,
		AccountID: "acct-1",
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-1"]
	assert.Equal(t, models.PlanFree, account.PlanTier)
	assert.Equal(t, 10, account.CreditsAllowed)
	assert.Equal(t, 0, account.CreditsUsed)
	assert.Equal(t, 0, account.Carryover)
	assert.False(t, account.SubscriptionActive)
	assert.Empty(t, account.SubscriptionID)
	assert.Nil(t, account.PeriodStart)

	// Redelivery is a no-op
	require.NoError(t, sync.Apply(context.Background(), event))
	assert.Len(t, repo.entries, 1)
}

func TestPaymentFailedFlagsSubscription(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{
		ID:                 "acct-1",
		PlanTier:           models.PlanStarter,
		SubscriptionActive: true,
	}
	sync := newTestSynchronizer(t, repo)

	event := &models.BillingEvent{
		ID:        "evt-5",
		Type:      models.BillingEventPaymentFailed,
		AccountID: "acct-1",
	}

	require.NoError(t, sync.Apply(context.Background(), event))

	account := repo.accounts["acct-1"]
	assert.False(t, account.SubscriptionActive)
	assert.Equal(t, models.PlanStarter, account.PlanTier, "plan kept until period end")
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	repo := newMockBillingRepo()
	repo.accounts["acct-1"] = &models.Account{ID: "acct-1", PlanTier: models.PlanFree}
	sync := newTestSynchronizer(t, repo)

	event := &models.BillingEvent{ID: "evt-6", Type: "refund.created", AccountID: "acct-1"}

	require.NoError(t, sync.Apply(context.Background(), event))
	assert.Equal(t, models.PlanFree, repo.accounts["acct-1"].PlanTier)
	assert.Empty(t, repo.entries)
}
