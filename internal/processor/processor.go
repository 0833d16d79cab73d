// Package processor runs the job pipeline: intake validation, AI execution
// with retries, QA scoring, cost accounting, and completion callbacks.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"echopilot/internal/cost"
	"echopilot/internal/util"
	"echopilot/pkg/ai"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/queue"
	"echopilot/pkg/store"
)

const (
	// MaxPayloadBytes caps the serialized job payload.
	MaxPayloadBytes = 200 * 1024
	// DefaultPassFloor is the score below which output is never accepted
	// outright.
	DefaultPassFloor = 80
	callbackTimeout  = 10 * time.Second
	qaMaxTokens      = 10
	qaTemperature    = 0.3
)

// defaultThresholds is the per-task QA acceptance bar.
var defaultThresholds = map[domain.TaskType]int{
	domain.TaskResearch:      95,
	domain.TaskDrafting:      90,
	domain.TaskDataTransform: 92,
	domain.TaskTranscription: 88,
	domain.TaskOther:         95,
}

// ErrPayloadTooLarge rejects oversized submissions.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)

// ValidationError wraps intake validation failures for the API layer.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// SubmitRequest is one job intake.
type SubmitRequest struct {
	Workflow    string         `json:"workflow" validate:"required,min=1,max=128"`
	Payload     map[string]any `json:"payload" validate:"required"`
	Priority    string         `json:"priority" validate:"omitempty,oneof=low normal high"`
	CallbackURL string         `json:"callback_url" validate:"omitempty,http_url"`
	TaskType    string         `json:"task_type" validate:"omitempty,oneof=Research Drafting Data-transform Transcription Other"`
	QAThreshold *int           `json:"qa_threshold" validate:"omitempty,min=0,max=100"`
	OwnerUserID string         `json:"-"`
}

type Config struct {
	WorkerCount   int
	MaxRetries    int
	RetryDelay    time.Duration
	RetryBackoff  float64
	AITimeout     time.Duration
	StuckTimeout  time.Duration
	SweepInterval time.Duration
	Model         string
	QAModel       string
	PassFloor     int
	Thresholds    map[domain.TaskType]int
}

func (c *Config) fillDefaults() {
	if c.WorkerCount < 1 {
		c.WorkerCount = 2
	}
	if c.WorkerCount > 4 {
		c.WorkerCount = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RetryBackoff < 1 {
		c.RetryBackoff = 2
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 60 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.PassFloor <= 0 {
		c.PassFloor = DefaultPassFloor
	}
}

// Processor accepts, executes, and finishes jobs.
type Processor struct {
	store      store.Store
	dispatcher queue.Dispatcher
	aiClient   ai.Client
	pricing    cost.Pricing
	validate   *validator.Validate
	clock      clock.Clock
	logger     *slog.Logger
	cfg        Config
	httpClient *http.Client
	onFailure  func(ctx context.Context, subsystem, detail string)
	onSuccess  func(subsystem string)
}

func New(st store.Store, dispatcher queue.Dispatcher, aiClient ai.Client, pricing cost.Pricing,
	clk clock.Clock, logger *slog.Logger, cfg Config,
	onFailure func(ctx context.Context, subsystem, detail string), onSuccess func(subsystem string)) *Processor {
	cfg.fillDefaults()
	if onFailure == nil {
		onFailure = func(context.Context, string, string) {}
	}
	if onSuccess == nil {
		onSuccess = func(string) {}
	}
	return &Processor{
		store:      st,
		dispatcher: dispatcher,
		aiClient:   aiClient,
		pricing:    pricing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: callbackTimeout},
		onFailure:  onFailure,
		onSuccess:  onSuccess,
	}
}

// Submit validates the request, persists the job queued, and enqueues its id
// for dispatch. It never blocks on workers.
func (p *Processor) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := p.validate.Struct(req); err != nil {
		return domain.Job{}, &ValidationError{Detail: validationDetail(err)}
	}
	serialized, err := json.Marshal(req.Payload)
	if err != nil {
		return domain.Job{}, &ValidationError{Detail: "payload is not serializable"}
	}
	if len(serialized) > MaxPayloadBytes {
		return domain.Job{}, ErrPayloadTooLarge
	}

	priority := domain.Priority(req.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	taskType := domain.TaskType(req.TaskType)
	if taskType == "" {
		taskType = domain.TaskOther
	}
	job := domain.Job{
		ID:          util.NewID(),
		OwnerUserID: req.OwnerUserID,
		Workflow:    strings.TrimSpace(req.Workflow),
		Payload:     req.Payload,
		Priority:    priority,
		CallbackURL: req.CallbackURL,
		State:       domain.JobQueued,
		TaskType:    taskType,
		QAThreshold: req.QAThreshold,
		CreatedAt:   p.clock.Now().UTC(),
	}
	if err := p.store.CreateJob(job); err != nil {
		return domain.Job{}, fmt.Errorf("persist job: %w", err)
	}
	if err := p.dispatcher.Enqueue(ctx, job.ID, job.Priority); err != nil {
		return domain.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	p.logger.Info("job accepted", "job_id", job.ID, "workflow", job.Workflow, "priority", job.Priority)
	return job, nil
}

// Run starts the worker pool and the stuck-job sweeper and blocks until ctx
// is done.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.dispatcher.Start(ctx, p.cfg.WorkerCount, p.Process)
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		p.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Process executes one dispatched job id. Claiming is the single-ownership
// point: a duplicate delivery finds the job no longer queued and is a no-op.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.store.ClaimJob(jobID, p.clock.Now())
	if errors.Is(err, store.ErrNotQueued) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	logger := p.logger.With("job_id", job.ID, "workflow", job.Workflow)

	result, err := p.completeWithRetry(ctx, buildPrompt(job))
	if err != nil {
		p.finishFailed(job, err, logger)
		return nil
	}

	// cost reflects the primary completion only; the QA call is overhead,
	// not billable work
	usage := cost.Usage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}
	micros, _ := p.pricing.Estimate(usage, audioSeconds(job))

	score := p.scoreOutput(ctx, job, result.Text, logger)
	state := domain.JobNeedsReview
	threshold := p.threshold(job)
	switch {
	case score >= threshold:
		state = domain.JobSucceeded
	case score < p.cfg.PassFloor:
		detail := fmt.Sprintf("job %s scored %d", job.ID, score)
		p.onFailure(ctx, qaWorkflowKey(job), detail)
		p.onFailure(ctx, qaTaskKey(job), detail)
	}

	fin := store.JobFinish{
		State:      state,
		Result:     result.Text,
		QAScore:    &score,
		CostMicros: micros,
		TokensIn:   usage.PromptTokens,
		TokensOut:  usage.CompletionTokens,
		FinishedAt: p.clock.Now(),
	}
	if err := p.store.FinishJob(job.ID, fin); err != nil {
		logger.Error("finish job failed", "error", err)
		return nil
	}
	if state == domain.JobSucceeded {
		p.onSuccess(qaWorkflowKey(job))
		p.onSuccess(qaTaskKey(job))
	}
	logger.Info("job finished", "state", state, "qa_score", score, "cost_micros", micros)

	p.deliverCallback(ctx, job, logger)
	return nil
}

func (p *Processor) finishFailed(job domain.Job, cause error, logger *slog.Logger) {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	fin := store.JobFinish{
		State:      domain.JobFailed,
		Error:      msg,
		FinishedAt: p.clock.Now(),
	}
	if err := p.store.FinishJob(job.ID, fin); err != nil {
		logger.Error("finish job failed", "error", err)
		return
	}
	logger.Error("job failed", "error", cause, "attempts", job.Attempts)
	p.onFailure(context.Background(), "ai", msg)
}

// completeWithRetry calls the model up to MaxRetries times with exponential
// backoff, retrying transient failures only. Each attempt runs under the
// hard AI timeout.
func (p *Processor) completeWithRetry(ctx context.Context, prompt string) (ai.CompletionResult, error) {
	delay := p.cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AITimeout)
		result, err := p.aiClient.Complete(attemptCtx, ai.CompletionRequest{
			Prompt: prompt,
			Model:  p.cfg.Model,
		})
		cancel()
		if err == nil {
			p.onSuccess("ai")
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ai.ErrTransient) || attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ai.CompletionResult{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.cfg.RetryBackoff)
	}
	return ai.CompletionResult{}, lastErr
}

// qaWorkflowKey and qaTaskKey name the consecutive-failure counters; each
// workflow and each task type keeps an independent streak.
func qaWorkflowKey(job domain.Job) string { return "qa:workflow:" + job.Workflow }

func qaTaskKey(job domain.Job) string { return "qa:task:" + string(job.TaskType) }

// scoreOutput asks the model to grade its own output. Any failure to get or
// parse a score degrades to 0, which routes the job to review.
func (p *Processor) scoreOutput(ctx context.Context, job domain.Job, output string, logger *slog.Logger) int {
	prompt := fmt.Sprintf(
		"Rate the quality of the following %s output on a scale of 0 to 100. Respond with a single integer and nothing else.\n\n%s",
		job.TaskType, output)
	qaCtx, cancel := context.WithTimeout(ctx, p.cfg.AITimeout)
	defer cancel()
	model := p.cfg.QAModel
	if model == "" {
		model = p.cfg.Model
	}
	result, err := p.aiClient.Complete(qaCtx, ai.CompletionRequest{
		Prompt:      prompt,
		Model:       model,
		MaxTokens:   qaMaxTokens,
		Temperature: qaTemperature,
	})
	if err != nil {
		logger.Warn("qa scoring failed", "error", err)
		return 0
	}
	return parseScore(result.Text)
}

func parseScore(text string) int {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool {
		return r < '0' || r > '9'
	})
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func (p *Processor) threshold(job domain.Job) int {
	if job.QAThreshold != nil {
		return *job.QAThreshold
	}
	if t, ok := p.cfg.Thresholds[job.TaskType]; ok {
		return t
	}
	if t, ok := defaultThresholds[job.TaskType]; ok {
		return t
	}
	return defaultThresholds[domain.TaskOther]
}

// deliverCallback POSTs the finished job to the caller's URL: one attempt,
// best-effort, never affects the job's terminal state.
func (p *Processor) deliverCallback(ctx context.Context, job domain.Job, logger *slog.Logger) {
	if job.CallbackURL == "" {
		return
	}
	finished, ok, err := p.store.GetJob(job.ID)
	if err != nil || !ok {
		logger.Error("callback skipped, job reload failed", "error", err)
		return
	}
	body, err := json.Marshal(finished)
	if err != nil {
		logger.Error("callback payload marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		logger.Error("callback request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Warn("callback delivery failed", "url", job.CallbackURL, "error", err)
		p.onFailure(ctx, "callbacks", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		logger.Warn("callback rejected", "url", job.CallbackURL, "status", resp.StatusCode)
		p.onFailure(ctx, "callbacks", fmt.Sprintf("status %d", resp.StatusCode))
		return
	}
	p.onSuccess("callbacks")
}

func buildPrompt(job domain.Job) string {
	if prompt, ok := job.Payload["prompt"].(string); ok && strings.TrimSpace(prompt) != "" {
		return prompt
	}
	serialized, _ := json.Marshal(job.Payload)
	return fmt.Sprintf("Execute the %q workflow (%s task) with this input:\n%s",
		job.Workflow, job.TaskType, serialized)
}

func audioSeconds(job domain.Job) float64 {
	if v, ok := job.Payload["audio_seconds"].(float64); ok && v > 0 {
		return v
	}
	return 0
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return strings.Join(fields, "; ")
	}
	return err.Error()
}
