// Package dunning schedules and sends payment failure reminders.
package dunning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"

	"echopilot/internal/notify"
	"echopilot/internal/util"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

const (
	lockKey      = "echopilot:dunning:tick"
	maxErrorLen  = 500
	defaultBatch = 100
)

// DefaultScheduleDays are the reminder offsets, in days after the payment
// failure.
var DefaultScheduleDays = []int{1, 7, 14}

// Scheduler creates reminder schedules on payment failure and sends due
// reminders on a periodic tick.
type Scheduler struct {
	store        store.Store
	notifier     notify.Notifier
	templates    *Templates
	clock        clock.Clock
	locker       *redislock.Client
	logger       *slog.Logger
	enabled      bool
	scheduleDays []int
	pollInterval time.Duration
	batch        int
	onError      func(ctx context.Context, detail string)
	onSuccess    func()
}

type Config struct {
	Enabled      bool
	ScheduleDays []int
	PollInterval time.Duration
	Batch        int
}

// New builds a Scheduler. locker may be nil for single-process deployments;
// onError/onSuccess feed the failure alerter and may be nil.
func New(st store.Store, notifier notify.Notifier, templates *Templates, clk clock.Clock,
	locker *redislock.Client, logger *slog.Logger, cfg Config,
	onError func(ctx context.Context, detail string), onSuccess func()) *Scheduler {
	days := cfg.ScheduleDays
	if len(days) == 0 {
		days = DefaultScheduleDays
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Minute
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	if onError == nil {
		onError = func(context.Context, string) {}
	}
	if onSuccess == nil {
		onSuccess = func() {}
	}
	return &Scheduler{
		store:        st,
		notifier:     notifier,
		templates:    templates,
		clock:        clk,
		locker:       locker,
		logger:       logger,
		enabled:      cfg.Enabled,
		scheduleDays: days,
		pollInterval: poll,
		batch:        batch,
		onError:      onError,
		onSuccess:    onSuccess,
	}
}

// ScheduleForFailure creates the pending reminder rows for a failed invoice.
// Calling it again for the same invoice is a no-op.
func (s *Scheduler) ScheduleForFailure(inv domain.Invoice, failedAt time.Time) (bool, error) {
	failedAt = failedAt.UTC()
	events := make([]domain.DunningEvent, 0, len(s.scheduleDays))
	for i, day := range s.scheduleDays {
		events = append(events, domain.DunningEvent{
			ID:             util.NewID(),
			InvoiceID:      inv.ID,
			Attempt:        i + 1,
			CustomerID:     inv.CustomerID,
			SubscriptionID: inv.SubscriptionID,
			Email:          inv.Email,
			PlanName:       inv.PlanName,
			AmountDue:      inv.AmountDue,
			Currency:       inv.Currency,
			ScheduledFor:   failedAt.AddDate(0, 0, day),
			Status:         domain.DunningPending,
			CreatedAt:      failedAt,
			UpdatedAt:      failedAt,
		})
	}
	return s.store.CreateDunningSchedule(events)
}

// CancelForSubscription skips every pending, unsent reminder for the
// subscription. Called when payment recovers.
func (s *Scheduler) CancelForSubscription(subscriptionID string) (int64, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return 0, nil
	}
	return s.store.CancelPendingDunning(subscriptionID)
}

// Run ticks until ctx is done. When a locker is configured, only the replica
// holding the leader lock processes a tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tickLocked(ctx); err != nil {
				s.logger.Error("dunning tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tickLocked(ctx context.Context) error {
	if s.locker == nil {
		return s.Tick(ctx)
	}
	lock, err := s.locker.Obtain(ctx, lockKey, s.pollInterval, nil)
	if err == redislock.ErrNotObtained {
		return nil
	}
	if err != nil {
		return fmt.Errorf("obtain dunning lock: %w", err)
	}
	defer func() { _ = lock.Release(ctx) }()
	return s.Tick(ctx)
}

// Tick processes due pending reminders, each in isolation: one bad event
// never blocks the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.store.PendingDunningDue(now, s.batch)
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}
	for _, event := range due {
		s.processEvent(ctx, event, now)
	}
	return nil
}

func (s *Scheduler) processEvent(ctx context.Context, event domain.DunningEvent, now time.Time) {
	logger := s.logger.With("dunning_id", event.ID, "invoice_id", event.InvoiceID, "attempt", event.Attempt)

	if !s.enabled {
		if err := s.store.MarkDunningSkipped(event.ID); err != nil {
			logger.Error("mark skipped failed", "error", err)
		}
		logger.Info("dunning disabled, reminder skipped")
		return
	}

	subject, body, err := s.templates.Render(event.Attempt, TemplateData{
		PlanName:  event.PlanName,
		Amount:    formatAmount(event),
		PauseDate: s.pauseDate(event).Format("January 2, 2006"),
	})
	if err != nil {
		s.markError(ctx, event, logger, err)
		return
	}

	// claim before send: at-most-once beats at-least-once for customer email
	claimed, err := s.store.MarkDunningSent(event.ID, now)
	if err != nil {
		logger.Error("mark sent failed", "error", err)
		return
	}
	if !claimed {
		return
	}
	if err := s.notifier.SendEmail(ctx, notify.EmailMessage{To: event.Email, Subject: subject, Body: body}); err != nil {
		s.markError(ctx, event, logger, err)
		return
	}
	s.onSuccess()
	logger.Info("payment reminder sent", "email", event.Email)
}

func (s *Scheduler) markError(ctx context.Context, event domain.DunningEvent, logger *slog.Logger, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	if err := s.store.MarkDunningError(event.ID, msg); err != nil {
		logger.Error("mark error failed", "error", err)
	}
	logger.Error("reminder delivery failed", "error", cause)
	s.onError(ctx, msg)
}

// pauseDate is when service pauses if the invoice stays unpaid: the day
// after the final scheduled reminder.
func (s *Scheduler) pauseDate(event domain.DunningEvent) time.Time {
	last := s.scheduleDays[len(s.scheduleDays)-1]
	return event.CreatedAt.AddDate(0, 0, last+1)
}

func formatAmount(event domain.DunningEvent) string {
	currency := strings.ToUpper(event.Currency)
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%d.%02d %s", event.AmountDue/100, event.AmountDue%100, currency)
}
