package store

import (
	"errors"
	"fmt"
	"time"

	"echopilot/pkg/domain"
)

var (
	// ErrKeyNotFound means no API key matches the presented hash.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyRevoked means the key exists but is no longer active.
	ErrKeyRevoked = errors.New("api key revoked")
	// ErrNotQueued means a claim raced with another worker or the job is
	// already past queued.
	ErrNotQueued = errors.New("job not in queued state")
)

// QuotaExceededError reports that a key's monthly allowance is exhausted.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// UserUpdate carries partial user mutations; nil fields are left untouched.
type UserUpdate struct {
	DisplayName      *string
	Locale           *string
	Currency         *string
	TermsAcceptedAt  *time.Time
	TermsVersion     *string
	MarketingConsent *domain.MarketingConsent
	Meta             map[string]string
}

// JobFinish is the atomic terminal write for one job.
type JobFinish struct {
	State      domain.JobState
	Result     string
	Error      string
	QAScore    *int
	CostMicros int64
	TokensIn   int
	TokensOut  int
	FinishedAt time.Time
}

// Store owns all persistent entities. Implementations must make the claim,
// finish, consume, and dunning transitions single transactions.
type Store interface {
	// users
	UpsertUserByEmail(u domain.User) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	UpdateUser(id string, upd UserUpdate) (domain.User, bool, error)
	AddCredits(userID string, delta int64) error

	// jobs
	CreateJob(j domain.Job) error
	GetJob(id string) (domain.Job, bool, error)
	ClaimJob(id string, now time.Time) (domain.Job, error)
	FinishJob(id string, fin JobFinish) error
	RequeueStuck(olderThan time.Time) ([]string, error)
	CountJobsByState() (map[domain.JobState]int64, error)

	// api keys
	CreateAPIKey(k domain.APIKey) error
	GetAPIKeyByHash(hash string) (domain.APIKey, bool, error)
	ConsumeAPIKey(hash string, now time.Time) (domain.APIKey, error)
	RevokeAPIKey(id string) error
	ListAPIKeysByUser(userID string) ([]domain.APIKey, error)

	// invoices
	UpsertInvoice(inv domain.Invoice) error
	GetInvoice(id string) (domain.Invoice, bool, error)
	MarkInvoicePaid(id string, at time.Time) (bool, error)
	MarkInvoiceFailed(id string, at time.Time) error
	ListOpenInvoicesOlderThan(cutoff time.Time) ([]domain.Invoice, error)

	// dunning
	CreateDunningSchedule(events []domain.DunningEvent) (bool, error)
	PendingDunningDue(now time.Time, limit int) ([]domain.DunningEvent, error)
	MarkDunningSent(id string, at time.Time) (bool, error)
	MarkDunningSkipped(id string) error
	MarkDunningError(id string, message string) error
	CancelPendingDunning(subscriptionID string) (int64, error)
	ListDunningByInvoice(invoiceID string) ([]domain.DunningEvent, error)

	// webhook idempotency
	RecordWebhook(provider, eventID string, at time.Time) (bool, error)

	// referrals
	CreateReferral(r domain.Referral) error
	ListReferralsByUser(userID string) ([]domain.Referral, error)
}

// NextMonthStart returns the first instant of the next calendar month in UTC,
// the boundary at which API key counters reset.
func NextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
