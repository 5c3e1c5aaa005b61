package models

import "time"

// Account holds a customer's plan and credit state. The credit fields form
// one atomic unit for read-modify-write; see CreditSnapshot.
type Account struct {
	ID                 string     `json:"id" db:"id"`
	Email              string     `json:"email" db:"email"`
	PlanTier           string     `json:"plan_tier" db:"plan_tier"`
	CreditsAllowed     int        `json:"credits_allowed" db:"credits_allowed"`
	CreditsUsed        int        `json:"credits_used" db:"credits_used"`
	Carryover          int        `json:"carryover" db:"carryover"`
	CarryoverExpiry    *time.Time `json:"carryover_expiry,omitempty" db:"carryover_expiry"`
	CreditResetDay     int        `json:"credit_reset_day" db:"credit_reset_day"`
	NextCreditReset    *time.Time `json:"next_credit_reset,omitempty" db:"next_credit_reset"`
	SubscriptionActive bool       `json:"subscription_active" db:"subscription_active"`
	SubscriptionID     string     `json:"subscription_id,omitempty" db:"subscription_id"`
	PeriodStart        *time.Time `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd          *time.Time `json:"period_end,omitempty" db:"period_end"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// CreditSnapshot is the account's credit fields viewed as one unit.
// Never write back a partially-updated snapshot.
type CreditSnapshot struct {
	Allowed         int
	Used            int
	Carryover       int
	CarryoverExpiry *time.Time
	ResetDay        int
	NextReset       *time.Time
}

// Snapshot extracts the credit fields from the account.
func (a *Account) Snapshot() CreditSnapshot {
	return CreditSnapshot{
		Allowed:         a.CreditsAllowed,
		Used:            a.CreditsUsed,
		Carryover:       a.Carryover,
		CarryoverExpiry: a.CarryoverExpiry,
		ResetDay:        a.CreditResetDay,
		NextReset:       a.NextCreditReset,
	}
}

// ApplySnapshot writes the credit fields back onto the account.
func (a *Account) ApplySnapshot(s CreditSnapshot) {
	a.CreditsAllowed = s.Allowed
	a.CreditsUsed = s.Used
	a.Carryover = s.Carryover
	a.CarryoverExpiry = s.CarryoverExpiry
	a.CreditResetDay = s.ResetDay
	a.NextCreditReset = s.NextReset
}
