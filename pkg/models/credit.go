package models

import "time"

// Credit ledger entry types. Entries are append-only; a deduction entry is
// unique per (account_id, job_id), which is what makes job billing
// exactly-once.
const (
	CreditEntryDeduction  = "deduction"
	CreditEntryReset      = "monthly_reset"
	CreditEntryCarryover  = "carryover"
	CreditEntryPlanChange = "plan_change"
)

// CreditEntry is a single row in the append-only credit ledger.
type CreditEntry struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	JobID        *string   `json:"job_id,omitempty" db:"job_id"`
	EntryType    string    `json:"entry_type" db:"entry_type"`
	Amount       int       `json:"amount" db:"amount"`
	BalanceAfter int       `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
