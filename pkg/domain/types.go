package domain

import "time"

type JobState string

const (
	JobQueued      JobState = "queued"
	JobRunning     JobState = "running"
	JobNeedsReview JobState = "needs_review"
	JobSucceeded   JobState = "succeeded"
	JobFailed      JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobNeedsReview
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type TaskType string

const (
	TaskResearch      TaskType = "Research"
	TaskDrafting      TaskType = "Drafting"
	TaskDataTransform TaskType = "Data-transform"
	TaskTranscription TaskType = "Transcription"
	TaskOther         TaskType = "Other"
)

type MarketingConsent string

const (
	ConsentNone      MarketingConsent = "none"
	ConsentPending   MarketingConsent = "pending"
	ConsentConfirmed MarketingConsent = "confirmed"
)

type User struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	DisplayName      string            `json:"display_name,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	CreditsRemaining int64             `json:"credits_remaining"`
	ReferralCode     string            `json:"referral_code,omitempty"`
	TermsAcceptedAt  *time.Time        `json:"terms_accepted_at,omitempty"`
	TermsVersion     string            `json:"terms_version,omitempty"`
	MarketingConsent MarketingConsent  `json:"marketing_consent"`
	Meta             map[string]string `json:"meta,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type Job struct {
	ID          string         `json:"id"`
	OwnerUserID string         `json:"owner_user_id,omitempty"`
	Workflow    string         `json:"workflow"`
	Payload     map[string]any `json:"payload"`
	Priority    Priority       `json:"priority"`
	CallbackURL string         `json:"callback_url,omitempty"`
	State       JobState       `json:"status"`
	TaskType    TaskType       `json:"task_type"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	QAScore     *int           `json:"qa_score,omitempty"`
	QAThreshold *int           `json:"-"`
	CostMicros  int64          `json:"cost_micros"`
	TokensIn    int            `json:"tokens_in"`
	TokensOut   int            `json:"tokens_out"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

type KeyTier string

const (
	TierSandbox    KeyTier = "sandbox"
	TierProduction KeyTier = "production"
)

type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Tier       KeyTier    `json:"tier"`
	CallsUsed  int64      `json:"calls_used"`
	CallsLimit int64      `json:"calls_limit"`
	ResetAt    time.Time  `json:"reset_at"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type InvoiceStatus string

const (
	InvoiceOpen   InvoiceStatus = "open"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceFailed InvoiceStatus = "failed"
	InvoiceVoid   InvoiceStatus = "void"
)

type Invoice struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customer_id"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Email          string        `json:"email"`
	PlanName       string        `json:"plan_name"`
	AmountDue      int64         `json:"amount_due"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	FailureTime    *time.Time    `json:"failure_time,omitempty"`
	RecoveredAt    *time.Time    `json:"recovered_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type DunningStatus string

const (
	DunningPending DunningStatus = "pending"
	DunningSent    DunningStatus = "sent"
	DunningSkipped DunningStatus = "skipped"
	DunningError   DunningStatus = "error"
)

type DunningEvent struct {
	ID             string        `json:"id"`
	InvoiceID      string        `json:"invoice_id"`
	CustomerID     string        `json:"customer_id"`
	SubscriptionID string        `json:"subscription_id"`
	Email          string        `json:"email"`
	PlanName       string        `json:"plan_name"`
	AmountDue      int64         `json:"amount_due"`
	Currency       string        `json:"currency"`
	Attempt        int           `json:"attempt"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	Status         DunningStatus `json:"status"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type Referral struct {
	ID            string    `json:"id"`
	ReferrerID    string    `json:"referrer_id"`
	ReferredEmail string    `json:"referred_email"`
	Code          string    `json:"code"`
	CreatedAt     time.Time `json:"created_at"`
}
