package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("caller does not own the resource")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBadSignature      = errors.New("invalid signature")
)

// InsufficientCreditsError reports a credit shortfall. Returned before any
// external spend; the ledger is never mutated on this path.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is a credit shortfall.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// UpstreamError is a stage adapter failure. Transient errors are retried a
// bounded number of times; terminal ones fail the stage immediately.
type UpstreamError struct {
	Stage     string
	Transient bool
	Reason    string
}

func (e *UpstreamError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("upstream %s error in %s stage: %s", kind, e.Stage, e.Reason)
}

// IsUpstream reports whether err originated in a stage adapter.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Transient
}
