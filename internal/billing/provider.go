// Package billing talks to the payment provider: checkout sessions, webhook
// signature verification, and event backfill for reconciliation.
package billing

import "context"

// CheckoutParams describes one checkout session to create.
type CheckoutParams struct {
	CustomerEmail string
	PlanName      string
	AmountCents   int64
	Currency      string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// Event is a payment event, either delivered by webhook or pulled during
// reconciliation.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	InvoiceID      string            `json:"invoice_id"`
	CustomerID     string            `json:"customer_id"`
	SubscriptionID string            `json:"subscription_id"`
	Email          string            `json:"email"`
	PlanName       string            `json:"plan_name"`
	AmountDue      int64             `json:"amount_due"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata"`
}

// Provider is the payment backend port.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	VerifySignature(payload []byte, sigHeader string) error
	ListEventsSince(ctx context.Context, cursor string) ([]Event, string, error)
}
