package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/promoforge/promoforge/internal/ledger"
	"github.com/promoforge/promoforge/pkg/models"
)

// Credit ledger persistence. Every mutation of an account's credit fields
// goes through a transaction holding a row lock on the account, so the
// availability check and the write are one critical section per account.

// DeductForJob spends amount credits for a completed job, exactly once.
// The deduction is recorded as an append-only credit entry unique per
// (account_id, job_id); a concurrent or repeated completion observes the
// conflict and leaves the balance untouched. Returns whether this call
// performed the deduction.
func (r *Repository) DeductForJob(ctx context.Context, accountID, jobID string, amount int, now time.Time) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin deduction tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return false, err
	}

	snap, err := ledger.Deduct(account.Snapshot(), amount, now)
	if err != nil {
		return false, err
	}
	available, _ := ledger.Availability(snap, now)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_entries (id, account_id, job_id, entry_type, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, job_id) WHERE entry_type = 'deduction' DO NOTHING
	`, uuid.New().String(), accountID, jobID, models.CreditEntryDeduction, amount, available)
	if err != nil {
		return false, fmt.Errorf("failed to insert credit entry: %w", err)
	}

	// Already deducted for this job on an earlier completion.
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	account.ApplySnapshot(snap)
	if err := writeAccountCredits(ctx, tx, account); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit deduction: %w", err)
	}
	return true, nil
}

// WithAccountLock runs fn against the account under a row lock and persists
// the mutated account on success. Ledger entries returned by fn are inserted
// in the same transaction, so an account mutation and its history commit or
// roll back together. The synchronizer and the sweep use this for their
// read-modify-write cycles.
func (r *Repository) WithAccountLock(ctx context.Context, accountID string, fn func(account *models.Account) ([]*models.CreditEntry, error)) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin account tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}

	entries, err := fn(account)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_entries (id, account_id, job_id, entry_type, amount, balance_after)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.ID, entry.AccountID, entry.JobID, entry.EntryType, entry.Amount, entry.BalanceAfter)
		if err != nil {
			return fmt.Errorf("failed to append credit entry: %w", err)
		}
	}

	if err := writeAccountCredits(ctx, tx, account); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AppendCreditEntry records a ledger entry outside any account transaction.
// Entries tied to an account mutation travel through WithAccountLock instead.
func (r *Repository) AppendCreditEntry(ctx context.Context, entry *models.CreditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO credit_entries (id, account_id, job_id, entry_type, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		entry.ID, entry.AccountID, entry.JobID, entry.EntryType, entry.Amount, entry.BalanceAfter,
	).Scan(&entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append credit entry: %w", err)
	}

	return nil
}

// GetCreditEntries retrieves an account's ledger entries, newest first
func (r *Repository) GetCreditEntries(ctx context.Context, accountID string, limit int) ([]*models.CreditEntry, error) {
	query := `
		SELECT id, account_id, job_id, entry_type, amount, balance_after, created_at
		FROM credit_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CreditEntry
	for rows.Next() {
		var entry models.CreditEntry
		err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.JobID, &entry.EntryType,
			&entry.Amount, &entry.BalanceAfter, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// Sweep queries

// ListAccountsPastPeriodEnd finds accounts still flagged active whose paid
// period has ended
func (r *Repository) ListAccountsPastPeriodEnd(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE subscription_active = TRUE AND period_end IS NOT NULL AND period_end < $1
		LIMIT $2`
	return r.listAccounts(ctx, query, now, limit)
}

// ListAccountsDueForReset finds accounts whose next credit reset date has
// arrived (day-granular, time of day ignored)
func (r *Repository) ListAccountsDueForReset(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE next_credit_reset IS NOT NULL AND next_credit_reset::date <= $1::date
		LIMIT $2`
	return r.listAccounts(ctx, query, now, limit)
}

// ListAccountsWithExpiredCarryover finds accounts carrying credits past
// their expiry
func (r *Repository) ListAccountsWithExpiredCarryover(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE carryover > 0 AND carryover_expiry IS NOT NULL AND carryover_expiry < $1
		LIMIT $2`
	return r.listAccounts(ctx, query, now, limit)
}

func (r *Repository) listAccounts(ctx context.Context, query string, now time.Time, limit int) ([]*models.Account, error) {
	rows, err := r.db.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRow(ctx, query, accountID))
}

func writeAccountCredits(ctx context.Context, tx pgx.Tx, account *models.Account) error {
	query := `
		UPDATE accounts
		SET plan_tier = $2, credits_allowed = $3, credits_used = $4, carryover = $5,
		    carryover_expiry = $6, credit_reset_day = $7, next_credit_reset = $8,
		    subscription_active = $9, subscription_id = $10, period_start = $11,
		    period_end = $12, updated_at = NOW()
		WHERE id = $1
	`

	_, err := tx.Exec(ctx, query,
		account.ID, account.PlanTier, account.CreditsAllowed, account.CreditsUsed,
		account.Carryover, account.CarryoverExpiry, account.CreditResetDay,
		account.NextCreditReset, account.SubscriptionActive, account.SubscriptionID,
		account.PeriodStart, account.PeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to write account credits: %w", err)
	}

	return nil
}
