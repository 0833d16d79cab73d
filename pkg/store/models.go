package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID               string `gorm:"primaryKey"`
	Email            string `gorm:"uniqueIndex;not null"`
	DisplayName      string
	Locale           string
	Currency         string
	CreditsRemaining int64 `gorm:"not null;default:0"`
	ReferralCode     string
	TermsAcceptedAt  *time.Time
	TermsVersion     string
	MarketingConsent string         `gorm:"not null;default:none"`
	Meta             datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time
}

type JobModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerUserID string `gorm:"index"`
	Workflow    string `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	Priority    string         `gorm:"not null;index"`
	CallbackURL string
	State       string `gorm:"not null;index"`
	TaskType    string `gorm:"not null"`
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	QAScore     *int
	QAThreshold *int
	CostMicros  int64
	TokensIn    int
	TokensOut   int
	Attempts    int
	CreatedAt   time.Time `gorm:"not null;index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

type APIKeyModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	KeyHash    string `gorm:"uniqueIndex;not null"`
	KeyPrefix  string `gorm:"not null"`
	Tier       string `gorm:"not null"`
	CallsUsed  int64  `gorm:"not null;default:0"`
	CallsLimit int64  `gorm:"not null"`
	ResetAt    time.Time `gorm:"not null"`
	IsActive   bool      `gorm:"not null;default:true"`
	CreatedAt  time.Time `gorm:"not null"`
	LastUsedAt *time.Time
}

type InvoiceModel struct {
	ID             string `gorm:"primaryKey"`
	CustomerID     string `gorm:"index"`
	SubscriptionID string `gorm:"index"`
	Email          string
	PlanName       string
	AmountDue      int64
	Currency       string
	Status         string `gorm:"not null;index"`
	FailureTime    *time.Time
	RecoveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type DunningEventModel struct {
	ID             string `gorm:"primaryKey"`
	InvoiceID      string `gorm:"not null;uniqueIndex:ux_dunning_invoice_attempt,priority:1"`
	Attempt        int    `gorm:"not null;uniqueIndex:ux_dunning_invoice_attempt,priority:2"`
	CustomerID     string
	SubscriptionID string `gorm:"index"`
	Email          string
	PlanName       string
	AmountDue      int64
	Currency       string
	ScheduledFor   time.Time `gorm:"not null;index"`
	Status         string    `gorm:"not null;index"`
	SentAt         *time.Time
	ErrorMessage   string
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type WebhookSeenModel struct {
	Provider   string    `gorm:"not null;uniqueIndex:ux_webhooks_provider_event,priority:1"`
	EventID    string    `gorm:"not null;uniqueIndex:ux_webhooks_provider_event,priority:2"`
	ReceivedAt time.Time `gorm:"not null"`
}

type ReferralModel struct {
	ID            string `gorm:"primaryKey"`
	ReferrerID    string `gorm:"not null;index"`
	ReferredEmail string `gorm:"not null"`
	Code          string `gorm:"not null"`
	CreatedAt     time.Time
}
