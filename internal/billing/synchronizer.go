// Package billing applies payment-provider events to account plan and credit
// state. Delivery is at least once, so every apply path is written to detect
// an already-applied transition and no-op.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promoforge/promoforge/internal/ledger"
	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/internal/tracing"
	"github.com/promoforge/promoforge/pkg/models"
)

// Repository defines the persistence operations the synchronizer needs.
// WithAccountLock must serialize the callback per account against live
// deduction, and must commit returned ledger entries atomically with the
// account write so a rolled-back mutation leaves no history.
type Repository interface {
	WithAccountLock(ctx context.Context, accountID string, fn func(account *models.Account) ([]*models.CreditEntry, error)) error
	CreateAccount(ctx context.Context, account *models.Account) error
	AppendCreditEntry(ctx context.Context, entry *models.CreditEntry) error
}

// Invalidator drops cached availability after a ledger change
type Invalidator interface {
	InvalidateAvailability(ctx context.Context, accountID string) error
}

// Synchronizer applies billing events to accounts
type Synchronizer struct {
	repo   Repository
	cache  Invalidator
	secret string
	logger *logging.Logger
	now    func() time.Time
}

// New creates a synchronizer. cache may be nil.
func New(repo Repository, cache Invalidator, secret string, logger *logging.Logger) *Synchronizer {
	return &Synchronizer{
		repo:   repo,
		cache:  cache,
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

// HandleWebhook verifies and applies one delivery. Verification precedes any
// mutation; a bad signature is rejected with no side effects.
func (s *Synchronizer) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !VerifySignature(payload, signature, s.secret) {
		metrics.RecordBillingEvent("unknown", "bad_signature")
		return models.ErrBadSignature
	}

	var event models.BillingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.RecordBillingEvent("unknown", "malformed")
		return fmt.Errorf("failed to decode billing event: %w", err)
	}

	return s.Apply(ctx, &event)
}

// Apply routes a verified event to its handler
func (s *Synchronizer) Apply(ctx context.Context, event *models.BillingEvent) error {
	span, ctx := tracing.StartSpan(ctx, "billing."+event.Type)
	defer span.Finish()
	tracing.SetTag(span, "account_id", event.AccountID)

	var err error
	result := "applied"

	switch event.Type {
	case models.BillingEventSubscriptionCreated, models.BillingEventCheckoutCompleted:
		err = s.applySubscription(ctx, event, &result)
	case models.BillingEventInvoicePaid:
		err = s.applyRenewal(ctx, event, &result)
	case models.BillingEventSubscriptionDeleted:
		err = s.applyCancellation(ctx, event, &result)
	case models.BillingEventPaymentFailed:
		err = s.applyPaymentFailure(ctx, event, &result)
	default:
		// Unknown transitions are logged and ignored, never destructively
		// applied.
		result = "ignored"
		s.logger.Warnf("ignoring billing event %s of unknown type %s", event.ID, event.Type)
	}

	if err != nil {
		result = "error"
		tracing.LogError(span, err)
	}
	metrics.RecordBillingEvent(event.Type, result)
	s.logger.LogBillingEvent(event.ID, event.Type, event.AccountID, result)
	return err
}

// applySubscription handles a new or changed plan. A plan change with an
// existing reset cycle converts unused credits into carryover rather than
// discarding them; a brand-new subscription starts clean.
func (s *Synchronizer) applySubscription(ctx context.Context, event *models.BillingEvent, result *string) error {
	plan, ok := models.PlanByPriceID(event.PriceID)
	if !ok {
		*result = "ignored"
		s.logger.Warnf("billing event %s references unknown price %q", event.ID, event.PriceID)
		return nil
	}

	now := s.now()
	var applied *models.CreditEntry
	err := s.repo.WithAccountLock(ctx, event.AccountID, func(account *models.Account) ([]*models.CreditEntry, error) {
		if account.PlanTier == plan.Tier &&
			account.SubscriptionID == event.SubscriptionID &&
			samePeriod(account.PeriodStart, event.PeriodStart) {
			*result = "duplicate"
			return nil, nil
		}

		planChanged := account.PlanTier != plan.Tier && account.NextCreditReset != nil

		snap := account.Snapshot()
		if planChanged {
			carryover, expiry := ledger.CalculateCarryover(
				snap.Allowed, snap.Used, snap.NextReset,
				snap.Carryover, snap.CarryoverExpiry, now)
			snap.Carryover = carryover
			snap.CarryoverExpiry = expiry
		} else {
			snap.Carryover = 0
			snap.CarryoverExpiry = nil
		}

		snap.Allowed = plan.CreditsAllowed
		snap.Used = 0
		snap.ResetDay = resetDay(event.PeriodStart, now)
		next := ledger.NextResetDate(snap.ResetDay, now)
		snap.NextReset = &next

		account.ApplySnapshot(snap)
		account.PlanTier = plan.Tier
		account.SubscriptionActive = true
		account.SubscriptionID = event.SubscriptionID
		account.PeriodStart = event.PeriodStart
		account.PeriodEnd = event.PeriodEnd

		entryType := models.CreditEntryPlanChange
		if !planChanged {
			entryType = models.CreditEntryReset
		}
		applied = s.newEntry(account, entryType, plan.CreditsAllowed)
		return []*models.CreditEntry{applied}, nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return s.provisionAccount(ctx, event, plan, result)
	}
	if err != nil {
		return err
	}
	s.noteApplied(ctx, applied)
	return nil
}

// provisionAccount creates the account row on the first checkout event for an
// account the service has never seen.
func (s *Synchronizer) provisionAccount(ctx context.Context, event *models.BillingEvent, plan models.Plan, result *string) error {
	now := s.now()
	day := resetDay(event.PeriodStart, now)
	next := ledger.NextResetDate(day, now)

	account := &models.Account{
		ID:                 event.AccountID,
		PlanTier:           plan.Tier,
		CreditsAllowed:     plan.CreditsAllowed,
		CreditResetDay:     day,
		NextCreditReset:    &next,
		SubscriptionActive: true,
		SubscriptionID:     event.SubscriptionID,
		PeriodStart:        event.PeriodStart,
		PeriodEnd:          event.PeriodEnd,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to provision account: %w", err)
	}
	*result = "provisioned"

	entry := s.newEntry(account, models.CreditEntryReset, plan.CreditsAllowed)
	if err := s.repo.AppendCreditEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to append credit entry: %w", err)
	}
	s.noteApplied(ctx, entry)
	return nil
}

// applyRenewal handles invoice-paid for an unchanged plan: zero usage, clear
// carryover, advance the period.
func (s *Synchronizer) applyRenewal(ctx context.Context, event *models.BillingEvent, result *string) error {
	now := s.now()
	var applied *models.CreditEntry
	err := s.repo.WithAccountLock(ctx, event.AccountID, func(account *models.Account) ([]*models.CreditEntry, error) {
		if samePeriod(account.PeriodStart, event.PeriodStart) {
			*result = "duplicate"
			return nil, nil
		}

		snap := account.Snapshot()
		snap.Used = 0
		snap.Carryover = 0
		snap.CarryoverExpiry = nil
		next := ledger.NextResetDate(snap.ResetDay, now)
		snap.NextReset = &next

		account.ApplySnapshot(snap)
		account.SubscriptionActive = true
		account.PeriodStart = event.PeriodStart
		account.PeriodEnd = event.PeriodEnd

		applied = s.newEntry(account, models.CreditEntryReset, snap.Allowed)
		return []*models.CreditEntry{applied}, nil
	})
	if err != nil {
		return err
	}
	s.noteApplied(ctx, applied)
	return nil
}

// applyCancellation downgrades to the free tier, clearing all plan-scoped
// fields. Unused paid credits are forfeited on cancellation.
func (s *Synchronizer) applyCancellation(ctx context.Context, event *models.BillingEvent, result *string) error {
	free := models.Plans[models.PlanFree]
	now := s.now()
	var applied *models.CreditEntry
	err := s.repo.WithAccountLock(ctx, event.AccountID, func(account *models.Account) ([]*models.CreditEntry, error) {
		if account.PlanTier == models.PlanFree && !account.SubscriptionActive {
			*result = "duplicate"
			return nil, nil
		}

		snap := account.Snapshot()
		snap.Allowed = free.CreditsAllowed
		snap.Used = 0
		snap.Carryover = 0
		snap.CarryoverExpiry = nil
		next := ledger.NextResetDate(snap.ResetDay, now)
		snap.NextReset = &next

		account.ApplySnapshot(snap)
		account.PlanTier = models.PlanFree
		account.SubscriptionActive = false
		account.SubscriptionID = ""
		account.PeriodStart = nil
		account.PeriodEnd = nil

		applied = s.newEntry(account, models.CreditEntryPlanChange, free.CreditsAllowed)
		return []*models.CreditEntry{applied}, nil
	})
	if err != nil {
		return err
	}
	s.noteApplied(ctx, applied)
	return nil
}

// applyPaymentFailure flags the subscription; the account keeps its plan
// until the period ends, at which point the sweep downgrades it.
func (s *Synchronizer) applyPaymentFailure(ctx context.Context, event *models.BillingEvent, result *string) error {
	return s.repo.WithAccountLock(ctx, event.AccountID, func(account *models.Account) ([]*models.CreditEntry, error) {
		if !account.SubscriptionActive {
			*result = "duplicate"
			return nil, nil
		}
		account.SubscriptionActive = false
		return nil, nil
	})
}

// newEntry builds the ledger entry for a mutation already applied to account
func (s *Synchronizer) newEntry(account *models.Account, entryType string, amount int) *models.CreditEntry {
	available, _ := ledger.Availability(account.Snapshot(), s.now())
	return &models.CreditEntry{
		AccountID:    account.ID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: available,
	}
}

// noteApplied runs the post-commit side effects for a recorded entry. A nil
// entry means the event was a duplicate and nothing changed.
func (s *Synchronizer) noteApplied(ctx context.Context, entry *models.CreditEntry) {
	if entry == nil {
		return
	}
	if s.cache != nil {
		_ = s.cache.InvalidateAvailability(ctx, entry.AccountID)
	}
	s.logger.LogCreditEvent(entry.AccountID, entry.EntryType, entry.Amount, entry.BalanceAfter)
}

func samePeriod(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// resetDay anchors the monthly reset to the paid period's start day, falling
// back to today for events without period info.
func resetDay(periodStart *time.Time, now time.Time) int {
	if periodStart != nil {
		return periodStart.Day()
	}
	return now.Day()
}
