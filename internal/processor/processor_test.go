package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"echopilot/internal/alert"
	"echopilot/internal/cost"
	"echopilot/pkg/ai"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/queue"
	"echopilot/pkg/store"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	prios    []domain.Priority
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, jobID string, p domain.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	f.prios = append(f.prios, p)
	return nil
}

func (f *fakeDispatcher) Start(ctx context.Context, concurrency int, handler queue.Handler) {}

func (f *fakeDispatcher) Depths(ctx context.Context) (map[domain.Priority]int64, error) {
	return nil, nil
}

func (f *fakeDispatcher) Close() error { return nil }

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type scriptedAI struct {
	mu      sync.Mutex
	results []ai.CompletionResult
	errs    []error
	calls   int
	prompts []string
}

func (s *scriptedAI) Complete(ctx context.Context, req ai.CompletionRequest) (ai.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return ai.CompletionResult{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return ai.CompletionResult{Text: "98", PromptTokens: 5, CompletionTokens: 1}, nil
}

func (s *scriptedAI) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// constAI answers every completion, primary and QA alike, with the same text.
type constAI struct{ text string }

func (c constAI) Complete(ctx context.Context, req ai.CompletionRequest) (ai.CompletionResult, error) {
	return ai.CompletionResult{Text: c.text, PromptTokens: 1, CompletionTokens: 1}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *recordingSink) Alert(ctx context.Context, subsystem, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, subsystem)
	return nil
}

func (s *recordingSink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

var testPricing = cost.Pricing{InRateMicros: 1000, OutRateMicros: 2000}

func newTestProcessor(t *testing.T, st store.Store, disp queue.Dispatcher, client ai.Client, clk clock.Clock) *Processor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, disp, client, testPricing, clk, logger, Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, nil, nil)
}

func submitted(t *testing.T, p *Processor, req SubmitRequest) domain.Job {
	t.Helper()
	job, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func TestSubmitValidation(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st, &fakeDispatcher{}, &scriptedAI{}, clock.NewFake(time.Now()))

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing workflow", SubmitRequest{Payload: map[string]any{"a": 1}}},
		{"workflow too long", SubmitRequest{Workflow: strings.Repeat("x", 129), Payload: map[string]any{"a": 1}}},
		{"missing payload", SubmitRequest{Workflow: "summarize"}},
		{"bad priority", SubmitRequest{Workflow: "summarize", Payload: map[string]any{"a": 1}, Priority: "urgent"}},
		{"bad callback", SubmitRequest{Workflow: "summarize", Payload: map[string]any{"a": 1}, CallbackURL: "ftp://files"}},
		{"bad task type", SubmitRequest{Workflow: "summarize", Payload: map[string]any{"a": 1}, TaskType: "Poetry"}},
	}
	for _, tc := range cases {
		_, err := p.Submit(context.Background(), tc.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestSubmitPayloadTooLarge(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st, &fakeDispatcher{}, &scriptedAI{}, clock.NewFake(time.Now()))
	_, err := p.Submit(context.Background(), SubmitRequest{
		Workflow: "summarize",
		Payload:  map[string]any{"blob": strings.Repeat("x", MaxPayloadBytes)},
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	st := store.NewMemoryStore()
	disp := &fakeDispatcher{}
	p := newTestProcessor(t, st, disp, &scriptedAI{}, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{
		Workflow: "summarize",
		Payload:  map[string]any{"prompt": "hello"},
		Priority: "high",
	})
	if job.State != domain.JobQueued || job.Priority != domain.PriorityHigh {
		t.Fatalf("job = %+v", job)
	}
	if job.TaskType != domain.TaskOther {
		t.Fatalf("default task type = %s", job.TaskType)
	}
	stored, ok, _ := st.GetJob(job.ID)
	if !ok || stored.State != domain.JobQueued {
		t.Fatalf("stored = %+v ok=%v", stored, ok)
	}
	if disp.count() != 1 || disp.prios[0] != domain.PriorityHigh {
		t.Fatalf("dispatch = %v %v", disp.enqueued, disp.prios)
	}
}

func TestProcessSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Now().UTC())
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "the summary", PromptTokens: 100, CompletionTokens: 50},
		{Text: "97", PromptTokens: 60, CompletionTokens: 1},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clk)

	job := submitted(t, p, SubmitRequest{Workflow: "summarize", Payload: map[string]any{"prompt": "hi"}})
	if err := p.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobSucceeded {
		t.Fatalf("state = %s", done.State)
	}
	if done.Result != "the summary" || done.QAScore == nil || *done.QAScore != 97 {
		t.Fatalf("job = %+v", done)
	}
	// billed usage is the primary completion's; the QA call does not count
	if done.TokensIn != 100 || done.TokensOut != 50 {
		t.Fatalf("tokens = %d/%d", done.TokensIn, done.TokensOut)
	}
	wantMicros, _ := testPricing.Estimate(cost.Usage{PromptTokens: 100, CompletionTokens: 50}, 0)
	if done.CostMicros != wantMicros {
		t.Fatalf("cost = %d, want %d", done.CostMicros, wantMicros)
	}
	if done.Attempts != 1 || done.FinishedAt == nil {
		t.Fatalf("bookkeeping = %+v", done)
	}
}

func TestProcessRetriesTransientThenSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{
		errs: []error{
			fmt.Errorf("%w: 503", ai.ErrTransient),
			fmt.Errorf("%w: timeout", ai.ErrTransient),
		},
		results: []ai.CompletionResult{
			{}, {},
			{Text: "recovered output", PromptTokens: 10, CompletionTokens: 5},
			{Text: "99"},
		},
	}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	if err := p.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobSucceeded || done.Result != "recovered output" {
		t.Fatalf("job = %+v", done)
	}
	// two failed attempts + success + qa call
	if client.callCount() != 4 {
		t.Fatalf("ai calls = %d, want 4", client.callCount())
	}
}

func TestProcessPermanentErrorFailsImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{errs: []error{errors.New("api error: bad prompt")}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	if err := p.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobFailed || !strings.Contains(done.Error, "bad prompt") {
		t.Fatalf("job = %+v", done)
	}
	if client.callCount() != 1 {
		t.Fatalf("ai calls = %d, want 1", client.callCount())
	}
}

func TestProcessExhaustsRetries(t *testing.T) {
	st := store.NewMemoryStore()
	transient := fmt.Errorf("%w: 502", ai.ErrTransient)
	client := &scriptedAI{errs: []error{transient, transient, transient}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobFailed {
		t.Fatalf("state = %s", done.State)
	}
	if client.callCount() != 3 {
		t.Fatalf("ai calls = %d, want 3", client.callCount())
	}
}

func TestScoreBelowThresholdNeedsReview(t *testing.T) {
	st := store.NewMemoryStore()
	// Drafting threshold is 90; 85 lands in the review band
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "draft text", PromptTokens: 10, CompletionTokens: 10},
		{Text: "85"},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}, TaskType: "Drafting"})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobNeedsReview || *done.QAScore != 85 {
		t.Fatalf("job = %+v", done)
	}
}

func TestScoreBelowFloorCountsFailure(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "poor output"},
		{Text: "40"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var failures []string
	p := New(st, &fakeDispatcher{}, client, testPricing, clock.NewFake(time.Now()), logger,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond},
		func(ctx context.Context, subsystem, detail string) { failures = append(failures, subsystem) },
		nil)

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobNeedsReview {
		t.Fatalf("state = %s", done.State)
	}
	want := []string{"qa:workflow:w", "qa:task:Other"}
	if len(failures) != 2 || failures[0] != want[0] || failures[1] != want[1] {
		t.Fatalf("failures = %v, want %v", failures, want)
	}
}

func TestFailureStreaksKeyedPerWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Now().UTC())
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := alert.New(sink, clk, logger)
	p := New(st, &fakeDispatcher{}, constAI{text: "40"}, testPricing, clk, logger,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond},
		alerter.Failure, alerter.Success)

	// one low score on each of three workflows is three streaks of one,
	// not one streak of three
	fail := func(workflow, taskType string) {
		job := submitted(t, p, SubmitRequest{
			Workflow: workflow,
			Payload:  map[string]any{"prompt": "x"},
			TaskType: taskType,
		})
		if err := p.Process(context.Background(), job.ID); err != nil {
			t.Fatalf("process %s: %v", workflow, err)
		}
	}
	fail("summarize", "Research")
	fail("translate", "Drafting")
	fail("classify", "Transcription")
	if got := sink.recorded(); len(got) != 0 {
		t.Fatalf("alerts after one failure per workflow = %v", got)
	}

	// two more on the same workflow complete its streak
	fail("summarize", "Drafting")
	fail("summarize", "Transcription")
	got := sink.recorded()
	if len(got) != 1 || got[0] != "qa:workflow:summarize" {
		t.Fatalf("alerts = %v, want [qa:workflow:summarize]", got)
	}
}

func TestFailureStreakResetOnSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Now().UTC())
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := alert.New(sink, clk, logger)
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "out"}, {Text: "40"},
		{Text: "out"}, {Text: "40"},
		{Text: "out"}, {Text: "97"},
		{Text: "out"}, {Text: "40"},
		{Text: "out"}, {Text: "40"},
		{Text: "out"}, {Text: "40"},
	}}
	p := New(st, &fakeDispatcher{}, client, testPricing, clk, logger,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond},
		alerter.Failure, alerter.Success)

	run := func(taskType string) {
		job := submitted(t, p, SubmitRequest{
			Workflow: "w",
			Payload:  map[string]any{"prompt": "x"},
			TaskType: taskType,
		})
		if err := p.Process(context.Background(), job.ID); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	run("Research")
	run("Drafting")
	run("Data-transform") // scores 97, resets the workflow streak
	run("Transcription")
	run("Research")
	if got := sink.recorded(); len(got) != 0 {
		t.Fatalf("alerts = %v, want none before a fresh streak of three", got)
	}
	run("Drafting")
	got := sink.recorded()
	if len(got) != 1 || got[0] != "qa:workflow:w" {
		t.Fatalf("alerts = %v, want [qa:workflow:w]", got)
	}
}

func TestConfiguredPassFloor(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "draft text"},
		{Text: "85"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var failures []string
	p := New(st, &fakeDispatcher{}, client, testPricing, clock.NewFake(time.Now()), logger,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond, PassFloor: 90},
		func(ctx context.Context, subsystem, detail string) { failures = append(failures, subsystem) },
		nil)

	// with the floor raised to 90, an 85 is a counted failure, not just a
	// review-band result
	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}, TaskType: "Drafting"})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobNeedsReview {
		t.Fatalf("state = %s", done.State)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v", failures)
	}
}

func TestDefaultPassFloorSparesReviewBand(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "draft text"},
		{Text: "85"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var failures []string
	p := New(st, &fakeDispatcher{}, client, testPricing, clock.NewFake(time.Now()), logger,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond},
		func(ctx context.Context, subsystem, detail string) { failures = append(failures, subsystem) },
		nil)

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}, TaskType: "Drafting"})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobNeedsReview {
		t.Fatalf("state = %s", done.State)
	}
	if len(failures) != 0 {
		t.Fatalf("failures = %v, want none at the default floor", failures)
	}
}

func TestUnparseableScoreDefaultsToZero(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "output"},
		{Text: "excellent work!"},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobNeedsReview || *done.QAScore != 0 {
		t.Fatalf("job = %+v", done)
	}
}

func TestPerJobThresholdOverride(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "output"},
		{Text: "85"},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	threshold := 84
	job := submitted(t, p, SubmitRequest{
		Workflow:    "w",
		Payload:     map[string]any{"prompt": "x"},
		QAThreshold: &threshold,
	})
	_ = p.Process(context.Background(), job.ID)
	done, _, _ := st.GetJob(job.ID)
	if done.State != domain.JobSucceeded {
		t.Fatalf("state = %s, want succeeded with lowered bar", done.State)
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "output"},
		{Text: "99"},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}})
	if err := p.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("first process: %v", err)
	}
	calls := client.callCount()
	if err := p.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if client.callCount() != calls {
		t.Fatal("duplicate delivery must not reach the model")
	}
}

func TestCallbackDelivery(t *testing.T) {
	var got domain.Job
	received := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		close(received)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	client := &scriptedAI{results: []ai.CompletionResult{
		{Text: "done"},
		{Text: "99"},
	}}
	p := newTestProcessor(t, st, &fakeDispatcher{}, client, clock.NewFake(time.Now()))

	job := submitted(t, p, SubmitRequest{
		Workflow:    "w",
		Payload:     map[string]any{"prompt": "x"},
		CallbackURL: srv.URL,
	})
	_ = p.Process(context.Background(), job.ID)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
	}
	if got.ID != job.ID || got.State != domain.JobSucceeded {
		t.Fatalf("callback body = %+v", got)
	}
}

func TestSweepStuckRequeues(t *testing.T) {
	st := store.NewMemoryStore()
	disp := &fakeDispatcher{}
	clk := clock.NewFake(time.Now().UTC())
	p := newTestProcessor(t, st, disp, &scriptedAI{}, clk)

	job := submitted(t, p, SubmitRequest{Workflow: "w", Payload: map[string]any{"prompt": "x"}, Priority: "high"})
	if _, err := st.ClaimJob(job.ID, clk.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before := disp.count()

	clk.Advance(31 * time.Minute)
	p.SweepStuck(context.Background())

	stuck, _, _ := st.GetJob(job.ID)
	if stuck.State != domain.JobQueued {
		t.Fatalf("state = %s", stuck.State)
	}
	if disp.count() != before+1 {
		t.Fatalf("enqueues = %d, want %d", disp.count(), before+1)
	}
	disp.mu.Lock()
	lastPrio := disp.prios[len(disp.prios)-1]
	disp.mu.Unlock()
	if lastPrio != domain.PriorityHigh {
		t.Fatalf("re-enqueue priority = %s", lastPrio)
	}
}

func TestParseScore(t *testing.T) {
	cases := map[string]int{
		"97":                97,
		"  88  ":            88,
		"Score: 91":         91,
		"150":               100,
		"no digits at all":  0,
		"":                  0,
		"7 out of attempts": 7,
	}
	for in, want := range cases {
		if got := parseScore(in); got != want {
			t.Errorf("parseScore(%q) = %d, want %d", in, got, want)
		}
	}
}
