package models

import "time"

// Billing event types, delivered at-least-once by the payment provider.
const (
	BillingEventSubscriptionCreated = "subscription.created"
	BillingEventCheckoutCompleted   = "checkout.completed"
	BillingEventInvoicePaid         = "invoice.paid"
	BillingEventSubscriptionDeleted = "subscription.deleted"
	BillingEventPaymentFailed       = "payment.failed"
)

// BillingEvent is the verified payload of a billing webhook delivery.
type BillingEvent struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	AccountID      string     `json:"account_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	PriceID        string     `json:"price_id,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
