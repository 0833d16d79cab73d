// Package webhook turns signed payment-provider deliveries into invoice and
// dunning state changes, exactly once per event id.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"echopilot/internal/billing"
	"echopilot/internal/dunning"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

// ProviderName keys webhook dedup rows.
const ProviderName = "stripe"

// Result reports what one delivery did.
type Result struct {
	EventID   string
	EventType string
	Duplicate bool
}

// Ingestor validates, dedups, and dispatches payment events.
type Ingestor struct {
	store       store.Store
	provider    billing.Provider
	dunning     *dunning.Scheduler
	clock       clock.Clock
	logger      *slog.Logger
	planCredits map[string]int64
}

// NewIngestor builds an Ingestor. planCredits maps plan names to the job
// credits granted on successful payment; nil disables granting.
func NewIngestor(st store.Store, provider billing.Provider, sched *dunning.Scheduler,
	clk clock.Clock, logger *slog.Logger, planCredits map[string]int64) *Ingestor {
	return &Ingestor{
		store:       st,
		provider:    provider,
		dunning:     sched,
		clock:       clk,
		logger:      logger,
		planCredits: planCredits,
	}
}

// Ingest verifies the signature, records the event id, and dispatches by
// type. Returning billing.ErrInvalidSignature means nothing was persisted.
// A duplicate delivery reports Duplicate=true and changes nothing.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	if err := i.provider.VerifySignature(payload, sigHeader); err != nil {
		return Result{}, err
	}
	event, err := billing.ParseEvent(payload)
	if err != nil {
		return Result{}, fmt.Errorf("malformed event: %w", err)
	}
	res := Result{EventID: event.ID, EventType: event.Type}

	inserted, err := i.store.RecordWebhook(ProviderName, event.ID, i.clock.Now())
	if err != nil {
		return res, fmt.Errorf("record webhook: %w", err)
	}
	if !inserted {
		res.Duplicate = true
		i.logger.Info("duplicate webhook ignored", "event_id", event.ID, "type", event.Type)
		return res, nil
	}
	if err := i.Dispatch(ctx, event); err != nil {
		return res, err
	}
	return res, nil
}

// Dispatch routes one verified, deduplicated event.
func (i *Ingestor) Dispatch(ctx context.Context, event billing.Event) error {
	switch event.Type {
	case "checkout.session.completed", "invoice.paid", "payment_intent.succeeded":
		return i.OnPaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return i.OnPaymentFailed(ctx, event)
	case "customer.subscription.updated":
		if event.Status == "active" {
			return i.cancelDunning(event)
		}
		return nil
	default:
		i.logger.Debug("webhook event acknowledged without action", "type", event.Type)
		return nil
	}
}

// OnPaymentSucceeded marks the invoice paid, cancels pending reminders for
// the subscription, and grants plan credits. Safe to call repeatedly.
func (i *Ingestor) OnPaymentSucceeded(ctx context.Context, event billing.Event) error {
	logger := i.logger.With("event_id", event.ID, "invoice_id", event.InvoiceID)
	if event.InvoiceID != "" {
		if err := i.ensureInvoice(event); err != nil {
			return err
		}
		changed, err := i.store.MarkInvoicePaid(event.InvoiceID, i.clock.Now())
		if err != nil {
			return fmt.Errorf("mark invoice paid: %w", err)
		}
		if changed {
			logger.Info("invoice paid")
			if err := i.grantCredits(event, logger); err != nil {
				logger.Error("credit grant failed", "error", err)
			}
		}
	}
	return i.cancelDunning(event)
}

// OnPaymentFailed marks the invoice failed and lays out the reminder
// schedule, once per invoice.
func (i *Ingestor) OnPaymentFailed(ctx context.Context, event billing.Event) error {
	if event.InvoiceID == "" {
		return fmt.Errorf("payment_failed event %s has no invoice", event.ID)
	}
	logger := i.logger.With("event_id", event.ID, "invoice_id", event.InvoiceID)
	if err := i.ensureInvoice(event); err != nil {
		return err
	}
	now := i.clock.Now()
	if err := i.store.MarkInvoiceFailed(event.InvoiceID, now); err != nil {
		return fmt.Errorf("mark invoice failed: %w", err)
	}
	inv, ok, err := i.store.GetInvoice(event.InvoiceID)
	if err != nil || !ok {
		return fmt.Errorf("load invoice %s: %w", event.InvoiceID, err)
	}
	created, err := i.dunning.ScheduleForFailure(inv, now)
	if err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	if created {
		logger.Info("payment failed, reminders scheduled", "email", inv.Email)
	}
	return nil
}

func (i *Ingestor) cancelDunning(event billing.Event) error {
	if event.SubscriptionID == "" {
		return nil
	}
	n, err := i.store.CancelPendingDunning(event.SubscriptionID)
	if err != nil {
		return fmt.Errorf("cancel reminders: %w", err)
	}
	if n > 0 {
		i.logger.Info("pending reminders cancelled", "subscription_id", event.SubscriptionID, "count", n)
	}
	return nil
}

// ensureInvoice creates the invoice row from the event when we have not seen
// it before; an existing row keeps its status.
func (i *Ingestor) ensureInvoice(event billing.Event) error {
	_, ok, err := i.store.GetInvoice(event.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	if ok {
		return nil
	}
	return i.store.UpsertInvoice(domain.Invoice{
		ID:             event.InvoiceID,
		CustomerID:     event.CustomerID,
		SubscriptionID: event.SubscriptionID,
		Email:          event.Email,
		PlanName:       event.PlanName,
		AmountDue:      event.AmountDue,
		Currency:       event.Currency,
		Status:         domain.InvoiceOpen,
		CreatedAt:      i.clock.Now().UTC(),
	})
}

func (i *Ingestor) grantCredits(event billing.Event, logger *slog.Logger) error {
	if len(i.planCredits) == 0 || event.Email == "" {
		return nil
	}
	credits, ok := i.planCredits[strings.ToLower(event.PlanName)]
	if !ok || credits <= 0 {
		return nil
	}
	user, found, err := i.store.GetUserByEmail(event.Email)
	if err != nil {
		return err
	}
	if !found {
		logger.Info("no user for paid invoice, credits not granted", "email", event.Email)
		return nil
	}
	if err := i.store.AddCredits(user.ID, credits); err != nil {
		return err
	}
	logger.Info("credits granted", "user_id", user.ID, "credits", credits)
	return nil
}
