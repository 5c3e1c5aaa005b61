package ledger

import (
	"time"

	"github.com/promoforge/promoforge/pkg/models"
)

// Package ledger holds the pure credit accounting. All functions take a
// snapshot and return a new one; persistence and locking live in the
// database layer. Callers must treat check-then-write as a per-account
// critical section.

// validCarryover returns the carryover that still counts toward
// availability. Expired carryover reads as zero without being cleared;
// the reconciliation sweep clears it eventually (lazy expiry).
func validCarryover(s models.CreditSnapshot, now time.Time) int {
	if s.Carryover <= 0 || s.CarryoverExpiry == nil {
		return 0
	}
	if !now.Before(*s.CarryoverExpiry) {
		return 0
	}
	return s.Carryover
}

// Availability returns the credits currently spendable and the total shown
// to clients.
func Availability(s models.CreditSnapshot, now time.Time) (available, total int) {
	base := s.Allowed - s.Used
	if base < 0 {
		base = 0
	}
	available = base + validCarryover(s, now)
	return available, available
}

// Deduct spends amount credits from the snapshot, drawing down valid
// carryover before the monthly allowance. Returns InsufficientCreditsError
// and the snapshot unchanged when the balance does not cover amount.
func Deduct(s models.CreditSnapshot, amount int, now time.Time) (models.CreditSnapshot, error) {
	available, _ := Availability(s, now)
	if amount > available {
		return s, &models.InsufficientCreditsError{Required: amount, Available: available}
	}

	remaining := amount
	if carry := validCarryover(s, now); carry > 0 {
		take := remaining
		if take > carry {
			take = carry
		}
		s.Carryover -= take
		remaining -= take
	}
	s.Used += remaining

	return s, nil
}

// ResetMonthly zeroes usage for a new billing cycle, drops carryover whose
// expiry has passed, and advances the next reset one month from the anchor
// day, clamped to the last valid day of the target month.
func ResetMonthly(s models.CreditSnapshot, now time.Time) models.CreditSnapshot {
	s.Used = 0

	if s.CarryoverExpiry != nil && !now.Before(*s.CarryoverExpiry) {
		s.Carryover = 0
		s.CarryoverExpiry = nil
	}

	next := NextResetDate(s.ResetDay, now)
	s.NextReset = &next

	return s
}

// ShouldReset reports whether the snapshot's reset is due. The comparison is
// day-granular on purpose: the sweep's scheduling jitter must not postpone a
// reset to the following day.
func ShouldReset(s models.CreditSnapshot, now time.Time) bool {
	if s.NextReset == nil {
		return false
	}
	nowDate := dateOnly(now)
	resetDate := dateOnly(*s.NextReset)
	return !nowDate.Before(resetDate)
}

// CalculateCarryover computes the credits preserved across a plan change:
// the unused old-plan allowance plus any still-valid existing carryover.
// The expiry never shrinks an existing grace window.
func CalculateCarryover(oldAllowed, oldUsed int, oldNextReset *time.Time, existingCarryover int, existingExpiry *time.Time, now time.Time) (int, *time.Time) {
	unused := oldAllowed - oldUsed
	if unused < 0 {
		unused = 0
	}

	amount := unused
	if existingCarryover > 0 && existingExpiry != nil && now.Before(*existingExpiry) {
		amount += existingCarryover
	}

	expiry := oldNextReset
	if existingExpiry != nil && (expiry == nil || existingExpiry.After(*expiry)) {
		expiry = existingExpiry
	}

	return amount, expiry
}

// NextResetDate advances one month from now, landing on the anchor day
// clamped to the target month's length (anchor 31 in April gives the 30th).
func NextResetDate(anchorDay int, now time.Time) time.Time {
	if anchorDay < 1 {
		anchorDay = 1
	}

	year, month, _ := now.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}

	day := anchorDay
	if last := daysIn(year, month); day > last {
		day = last
	}

	return time.Date(year, month, day, 0, 0, 0, 0, now.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
