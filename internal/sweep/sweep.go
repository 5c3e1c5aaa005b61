// Package sweep reconciles account credit state on a schedule. It is the
// safety net for billing events that never arrived: overdue downgrades,
// missed monthly resets, and stale carryover.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/promoforge/promoforge/internal/ledger"
	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/pkg/models"
)

const batchSize = 500

// Repository defines the persistence operations the sweeper needs.
// WithAccountLock commits ledger entries returned by fn atomically with the
// account write.
type Repository interface {
	ListAccountsPastPeriodEnd(ctx context.Context, now time.Time, limit int) ([]*models.Account, error)
	ListAccountsDueForReset(ctx context.Context, now time.Time, limit int) ([]*models.Account, error)
	ListAccountsWithExpiredCarryover(ctx context.Context, now time.Time, limit int) ([]*models.Account, error)
	WithAccountLock(ctx context.Context, accountID string, fn func(account *models.Account) ([]*models.CreditEntry, error)) error
}

// Invalidator drops cached availability after a ledger change
type Invalidator interface {
	InvalidateAvailability(ctx context.Context, accountID string) error
}

// Locker is a cross-process lock, used to single-flight sweep runs when the
// ticker and the operator endpoint race.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

const (
	sweepLockName = "sweep"
	sweepLockTTL  = 10 * time.Minute
)

// Summary reports what one sweep run changed
type Summary struct {
	Downgraded       int           `json:"downgraded"`
	Reset            int           `json:"reset"`
	CarryoverCleared int           `json:"carryover_cleared"`
	Duration         time.Duration `json:"duration"`
}

// Sweeper runs reconciliation passes over account credit state
type Sweeper struct {
	repo     Repository
	cache    Invalidator
	logger   *logging.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a sweeper. cache may be nil.
func New(repo Repository, cache Invalidator, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		repo:     repo,
		cache:    cache,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs sweeps on a ticker until the context is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("reconciliation sweep started, interval %v", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweep stopped")
			return
		case <-ticker.C:
			if summary, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorWithErr("sweep run failed", err)
			} else if summary.Downgraded+summary.Reset+summary.CarryoverCleared > 0 {
				s.logger.Infof("sweep: %d downgraded, %d reset, %d carryover cleared",
					summary.Downgraded, summary.Reset, summary.CarryoverCleared)
			}
		}
	}
}

// RunOnce performs a single reconciliation pass. Every mutation re-checks its
// condition under the account lock, so re-running on unchanged state is a
// no-op and concurrent runs are safe.
func (s *Sweeper) RunOnce(ctx context.Context) (*Summary, error) {
	start := s.now()
	summary := &Summary{}

	// Single-flight across processes when the cache supports it; lock errors
	// fall through to the run since every mutation is safe to repeat.
	if locker, ok := s.cache.(Locker); ok {
		acquired, err := locker.AcquireLock(ctx, sweepLockName, sweepLockTTL)
		if err == nil {
			if !acquired {
				s.logger.Info("sweep already running elsewhere, skipping")
				return summary, nil
			}
			defer locker.ReleaseLock(ctx, sweepLockName)
		}
	}

	if err := s.downgradeLapsed(ctx, summary); err != nil {
		return summary, err
	}
	if err := s.applyDueResets(ctx, summary); err != nil {
		return summary, err
	}
	if err := s.clearExpiredCarryover(ctx, summary); err != nil {
		return summary, err
	}

	summary.Duration = time.Since(start)
	metrics.SweepDuration.Observe(summary.Duration.Seconds())
	metrics.RecordSweepAction("downgrade", summary.Downgraded)
	metrics.RecordSweepAction("reset", summary.Reset)
	metrics.RecordSweepAction("carryover_clear", summary.CarryoverCleared)
	return summary, nil
}

// downgradeLapsed moves accounts whose paid period ended, but that are still
// flagged active, down to the free tier.
func (s *Sweeper) downgradeLapsed(ctx context.Context, summary *Summary) error {
	now := s.now()
	accounts, err := s.repo.ListAccountsPastPeriodEnd(ctx, now, batchSize)
	if err != nil {
		return fmt.Errorf("failed to list lapsed accounts: %w", err)
	}

	free := models.Plans[models.PlanFree]
	for _, candidate := range accounts {
		err := s.repo.WithAccountLock(ctx, candidate.ID, func(account *models.Account) ([]*models.CreditEntry, error) {
			if account.PeriodEnd == nil || !now.After(*account.PeriodEnd) || !account.SubscriptionActive {
				return nil, nil // changed since listing
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

			summary.Downgraded++
			s.invalidate(ctx, account.ID)
			return []*models.CreditEntry{{
				AccountID: account.ID,
				EntryType: models.CreditEntryPlanChange,
				Amount:    free.CreditsAllowed,
			}}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to downgrade account %s: %w", candidate.ID, err)
		}
	}
	return nil
}

// applyDueResets applies the monthly reset to accounts whose reset date has
// passed without an invoice event.
func (s *Sweeper) applyDueResets(ctx context.Context, summary *Summary) error {
	now := s.now()
	accounts, err := s.repo.ListAccountsDueForReset(ctx, now, batchSize)
	if err != nil {
		return fmt.Errorf("failed to list accounts due for reset: %w", err)
	}

	for _, candidate := range accounts {
		err := s.repo.WithAccountLock(ctx, candidate.ID, func(account *models.Account) ([]*models.CreditEntry, error) {
			snap := account.Snapshot()
			if !ledger.ShouldReset(snap, now) {
				return nil, nil // changed since listing
			}

			account.ApplySnapshot(ledger.ResetMonthly(snap, now))

			summary.Reset++
			s.invalidate(ctx, account.ID)
			return []*models.CreditEntry{{
				AccountID: account.ID,
				EntryType: models.CreditEntryReset,
				Amount:    account.CreditsAllowed,
			}}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to reset account %s: %w", candidate.ID, err)
		}
	}
	return nil
}

// clearExpiredCarryover drops carryover past its expiry. Live deduction
// already treats expired carryover as unavailable; this just tidies the
// stored fields.
func (s *Sweeper) clearExpiredCarryover(ctx context.Context, summary *Summary) error {
	now := s.now()
	accounts, err := s.repo.ListAccountsWithExpiredCarryover(ctx, now, batchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired carryover: %w", err)
	}

	for _, candidate := range accounts {
		err := s.repo.WithAccountLock(ctx, candidate.ID, func(account *models.Account) ([]*models.CreditEntry, error) {
			if account.Carryover == 0 || account.CarryoverExpiry == nil || now.Before(*account.CarryoverExpiry) {
				return nil, nil // changed since listing
			}

			account.Carryover = 0
			account.CarryoverExpiry = nil

			summary.CarryoverCleared++
			s.invalidate(ctx, account.ID)
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("failed to clear carryover for account %s: %w", candidate.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) invalidate(ctx context.Context, accountID string) {
	if s.cache != nil {
		_ = s.cache.InvalidateAvailability(ctx, accountID)
	}
}
