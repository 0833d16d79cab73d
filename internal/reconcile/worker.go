// Package reconcile backfills payment events the webhook endpoint missed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"

	"echopilot/internal/billing"
	"echopilot/internal/webhook"
	"echopilot/pkg/clock"
	"echopilot/pkg/store"
)

const lockKey = "echopilot:reconcile:tick"

// Worker periodically compares open invoices against the provider's event
// feed and replays success events that never arrived by webhook.
type Worker struct {
	store    store.Store
	provider billing.Provider
	ingestor *webhook.Ingestor
	locker   *redislock.Client
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	minAge   time.Duration
	cursor   string
}

type Config struct {
	Interval time.Duration
	MinAge   time.Duration
}

func New(st store.Store, provider billing.Provider, ing *webhook.Ingestor,
	locker *redislock.Client, clk clock.Clock, logger *slog.Logger, cfg Config) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = 10 * time.Minute
	}
	return &Worker{
		store:    st,
		provider: provider,
		ingestor: ing,
		locker:   locker,
		clock:    clk,
		logger:   logger,
		interval: interval,
		minAge:   minAge,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tickLocked(ctx); err != nil {
				w.logger.Error("reconcile tick failed", "error", err)
			}
		}
	}
}

func (w *Worker) tickLocked(ctx context.Context) error {
	if w.locker == nil {
		return w.ReconcileOnce(ctx)
	}
	lock, err := w.locker.Obtain(ctx, lockKey, w.interval, nil)
	if err == redislock.ErrNotObtained {
		return nil
	}
	if err != nil {
		return fmt.Errorf("obtain reconcile lock: %w", err)
	}
	defer func() { _ = lock.Release(ctx) }()
	return w.ReconcileOnce(ctx)
}

// ReconcileOnce runs a single pass. With no stale open invoices it does not
// touch the provider at all.
func (w *Worker) ReconcileOnce(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.minAge)
	stale, err := w.store.ListOpenInvoicesOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("list open invoices: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	open := make(map[string]bool, len(stale))
	for _, inv := range stale {
		open[inv.ID] = true
	}

	events, next, err := w.provider.ListEventsSince(ctx, w.cursor)
	if err != nil {
		return fmt.Errorf("list provider events: %w", err)
	}
	replayed := 0
	for _, event := range events {
		if !isSuccessType(event.Type) {
			continue
		}
		if !open[event.InvoiceID] && !open[event.Metadata["invoice_id"]] {
			continue
		}
		if err := w.ingestor.OnPaymentSucceeded(ctx, event); err != nil {
			w.logger.Error("reconcile replay failed", "event_id", event.ID, "error", err)
			continue
		}
		replayed++
	}
	w.cursor = next
	if replayed > 0 {
		w.logger.Info("reconciled missed payments", "events", replayed, "open_invoices", len(stale))
	}
	return nil
}

func isSuccessType(eventType string) bool {
	switch eventType {
	case "checkout.session.completed", "invoice.paid", "payment_intent.succeeded":
		return true
	}
	return false
}
