package dunning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"echopilot/internal/notify"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	emails []notify.EmailMessage
	fail   bool
}

func (r *recordingNotifier) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp relay unavailable")
	}
	r.emails = append(r.emails, msg)
	return nil
}

func (r *recordingNotifier) SendChat(ctx context.Context, text string) error { return nil }

func (r *recordingNotifier) sent() []notify.EmailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.EmailMessage(nil), r.emails...)
}

func testInvoice() domain.Invoice {
	return domain.Invoice{
		ID:             "in_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Email:          "bob@example.com",
		PlanName:       "Pro Plan",
		AmountDue:      2900,
		Currency:       "usd",
		Status:         domain.InvoiceFailed,
	}
}

func newTestScheduler(t *testing.T, st store.Store, n notify.Notifier, clk clock.Clock, enabled bool) *Scheduler {
	t.Helper()
	templates, err := LoadTemplates("")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, n, templates, clk, nil, logger, Config{Enabled: enabled}, nil, nil)
}

func TestScheduleForFailure(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, st, &recordingNotifier{}, clk, true)

	created, err := s.ScheduleForFailure(testInvoice(), clk.Now())
	if err != nil || !created {
		t.Fatalf("schedule = %v, %v", created, err)
	}
	events, _ := st.ListDunningByInvoice("in_1")
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, day := range DefaultScheduleDays {
		want := clk.Now().AddDate(0, 0, day)
		if !events[i].ScheduledFor.Equal(want) {
			t.Fatalf("attempt %d scheduled for %v, want %v", i+1, events[i].ScheduledFor, want)
		}
		if events[i].Status != domain.DunningPending {
			t.Fatalf("attempt %d status = %s", i+1, events[i].Status)
		}
	}

	// second failure webhook for the same invoice is a no-op
	created, err = s.ScheduleForFailure(testInvoice(), clk.Now().Add(time.Hour))
	if err != nil || created {
		t.Fatalf("second schedule = %v, %v; want no-op", created, err)
	}
	events, _ = st.ListDunningByInvoice("in_1")
	if len(events) != 3 {
		t.Fatalf("events after duplicate = %d, want 3", len(events))
	}
}

func TestTickSendsDueReminders(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	n := &recordingNotifier{}
	s := newTestScheduler(t, st, n, clk, true)
	_, _ = s.ScheduleForFailure(testInvoice(), clk.Now())

	// nothing due yet
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.sent()) != 0 {
		t.Fatalf("sent = %d before due", len(n.sent()))
	}

	clk.Advance(25 * time.Hour)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	emails := n.sent()
	if len(emails) != 1 {
		t.Fatalf("sent = %d, want 1", len(emails))
	}
	if emails[0].To != "bob@example.com" {
		t.Fatalf("to = %s", emails[0].To)
	}
	if !strings.Contains(emails[0].Subject, "Pro Plan") {
		t.Fatalf("subject = %q", emails[0].Subject)
	}
	if !strings.Contains(emails[0].Body, "29.00 USD") {
		t.Fatalf("body missing amount: %q", emails[0].Body)
	}

	// same tick again: the sent event is no longer pending
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.sent()) != 1 {
		t.Fatalf("sent = %d, want still 1", len(n.sent()))
	}

	events, _ := st.ListDunningByInvoice("in_1")
	if events[0].Status != domain.DunningSent || events[0].SentAt == nil {
		t.Fatalf("attempt 1 = %+v", events[0])
	}
	if events[1].Status != domain.DunningPending {
		t.Fatalf("attempt 2 = %+v", events[1])
	}
}

func TestDisabledTickSkips(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Now().UTC())
	n := &recordingNotifier{}
	s := newTestScheduler(t, st, n, clk, false)
	_, _ = s.ScheduleForFailure(testInvoice(), clk.Now())

	clk.Advance(48 * time.Hour)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.sent()) != 0 {
		t.Fatalf("sent = %d in dry-run", len(n.sent()))
	}
	events, _ := st.ListDunningByInvoice("in_1")
	if events[0].Status != domain.DunningSkipped {
		t.Fatalf("attempt 1 status = %s, want skipped", events[0].Status)
	}
}

func TestRecoveryCancelsOnlyUnsent(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	n := &recordingNotifier{}
	s := newTestScheduler(t, st, n, clk, true)
	_, _ = s.ScheduleForFailure(testInvoice(), clk.Now())

	clk.Advance(25 * time.Hour)
	_ = s.Tick(context.Background()) // sends attempt 1

	cancelled, err := s.CancelForSubscription("sub_1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", cancelled)
	}
	events, _ := st.ListDunningByInvoice("in_1")
	if events[0].Status != domain.DunningSent {
		t.Fatalf("attempt 1 = %s, must stay sent", events[0].Status)
	}
	for _, e := range events[1:] {
		if e.Status != domain.DunningSkipped {
			t.Fatalf("attempt %d = %s, want skipped", e.Attempt, e.Status)
		}
	}

	// far-future tick sends nothing more
	clk.Advance(30 * 24 * time.Hour)
	_ = s.Tick(context.Background())
	if len(n.sent()) != 1 {
		t.Fatalf("sent = %d after cancellation", len(n.sent()))
	}
}

func TestDeliveryFailureMarksError(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	n := &recordingNotifier{fail: true}

	var alerted []string
	templates, _ := LoadTemplates("")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, n, templates, clk, nil, logger, Config{Enabled: true},
		func(ctx context.Context, detail string) { alerted = append(alerted, detail) }, nil)

	_, _ = s.ScheduleForFailure(testInvoice(), clk.Now())
	clk.Advance(25 * time.Hour)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	events, _ := st.ListDunningByInvoice("in_1")
	if events[0].Status != domain.DunningError {
		t.Fatalf("attempt 1 = %s, want error", events[0].Status)
	}
	if events[0].ErrorMessage == "" {
		t.Fatal("error message empty")
	}
	if len(alerted) != 1 {
		t.Fatalf("alert callbacks = %d, want 1", len(alerted))
	}
	// remaining attempts untouched
	if events[1].Status != domain.DunningPending || events[2].Status != domain.DunningPending {
		t.Fatalf("later attempts = %s/%s", events[1].Status, events[2].Status)
	}
}

func TestCustomScheduleDays(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	templates, _ := LoadTemplates("")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, &recordingNotifier{}, templates, clk, nil, logger,
		Config{Enabled: true, ScheduleDays: []int{2, 5}}, nil, nil)

	_, _ = s.ScheduleForFailure(testInvoice(), clk.Now())
	events, _ := st.ListDunningByInvoice("in_1")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[1].ScheduledFor.Equal(clk.Now().AddDate(0, 0, 5)) {
		t.Fatalf("attempt 2 scheduled for %v", events[1].ScheduledFor)
	}
}
