package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"echopilot/pkg/domain"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for single-process deployments and tests.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	users     map[string]domain.User
	byEmail   map[string]string
	jobs      map[string]domain.Job
	keys      map[string]domain.APIKey // keyed by hash
	keysByID  map[string]string
	invoices  map[string]domain.Invoice
	dunning   map[string]domain.DunningEvent
	webhooks  map[string]time.Time // provider + "\x00" + event id
	referrals map[string]domain.Referral
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		byEmail:   make(map[string]string),
		jobs:      make(map[string]domain.Job),
		keys:      make(map[string]domain.APIKey),
		keysByID:  make(map[string]string),
		invoices:  make(map[string]domain.Invoice),
		dunning:   make(map[string]domain.DunningEvent),
		webhooks:  make(map[string]time.Time),
		referrals: make(map[string]domain.Referral),
	}
}

func (s *MemoryStore) UpsertUserByEmail(u domain.User) (domain.User, bool, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[u.Email]; ok {
		existing := s.users[id]
		if u.DisplayName != "" {
			existing.DisplayName = u.DisplayName
		}
		if u.Locale != "" {
			existing.Locale = u.Locale
		}
		if u.Currency != "" {
			existing.Currency = u.Currency
		}
		if u.Meta != nil {
			existing.Meta = u.Meta
		}
		if u.MarketingConsent != "" {
			existing.MarketingConsent = u.MarketingConsent
		}
		existing.UpdatedAt = u.UpdatedAt
		s.users[id] = existing
		return existing, false, nil
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return u, true, nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return domain.User{}, false, nil
	}
	return s.users[id], true, nil
}

func (s *MemoryStore) UpdateUser(id string, upd UserUpdate) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.Locale != nil {
		u.Locale = *upd.Locale
	}
	if upd.Currency != nil {
		u.Currency = *upd.Currency
	}
	if upd.TermsAcceptedAt != nil {
		u.TermsAcceptedAt = upd.TermsAcceptedAt
	}
	if upd.TermsVersion != nil {
		u.TermsVersion = *upd.TermsVersion
	}
	if upd.MarketingConsent != nil {
		u.MarketingConsent = *upd.MarketingConsent
	}
	if upd.Meta != nil {
		u.Meta = upd.Meta
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return u, true, nil
}

func (s *MemoryStore) AddCredits(userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.CreditsRemaining += delta
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) CreateJob(j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) GetJob(id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *MemoryStore) ClaimJob(id string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != domain.JobQueued {
		return domain.Job{}, ErrNotQueued
	}
	started := now.UTC()
	j.State = domain.JobRunning
	j.StartedAt = &started
	j.Attempts++
	s.jobs[id] = j
	return j, nil
}

func (s *MemoryStore) FinishJob(id string, fin JobFinish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != domain.JobRunning {
		return fmt.Errorf("finish job %s: not running", id)
	}
	finished := fin.FinishedAt.UTC()
	j.State = fin.State
	j.Result = fin.Result
	j.Error = fin.Error
	j.QAScore = fin.QAScore
	j.CostMicros = fin.CostMicros
	j.TokensIn = fin.TokensIn
	j.TokensOut = fin.TokensOut
	j.FinishedAt = &finished
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) RequeueStuck(olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if j.State == domain.JobRunning && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			j.State = domain.JobQueued
			j.StartedAt = nil
			s.jobs[id] = j
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CountJobsByState() (map[domain.JobState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.JobState]int64)
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *MemoryStore) CreateAPIKey(k domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.KeyHash]; ok {
		return fmt.Errorf("key hash already exists")
	}
	s.keys[k.KeyHash] = k
	s.keysByID[k.ID] = k.KeyHash
	return nil
}

func (s *MemoryStore) GetAPIKeyByHash(hash string) (domain.APIKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	return k, ok, nil
}

func (s *MemoryStore) ConsumeAPIKey(hash string, now time.Time) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hash]
	if !ok {
		return domain.APIKey{}, ErrKeyNotFound
	}
	if !k.IsActive {
		return domain.APIKey{}, ErrKeyRevoked
	}
	now = now.UTC()
	if !now.Before(k.ResetAt) {
		k.CallsUsed = 0
		k.ResetAt = NextMonthStart(now)
	}
	if k.CallsUsed >= k.CallsLimit {
		s.keys[hash] = k
		return domain.APIKey{}, &QuotaExceededError{ResetAt: k.ResetAt}
	}
	k.CallsUsed++
	k.LastUsedAt = &now
	s.keys[hash] = k
	return k, nil
}

func (s *MemoryStore) RevokeAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.keysByID[id]
	if !ok {
		return ErrKeyNotFound
	}
	k := s.keys[hash]
	k.IsActive = false
	s.keys[hash] = k
	return nil
}

func (s *MemoryStore) ListAPIKeysByUser(userID string) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertInvoice(inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.invoices[inv.ID]; ok {
		// keep recovery bookkeeping written by MarkInvoicePaid
		if inv.RecoveredAt == nil {
			inv.RecoveredAt = existing.RecoveredAt
		}
	}
	s.invoices[inv.ID] = inv
	return nil
}

func (s *MemoryStore) GetInvoice(id string) (domain.Invoice, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	return inv, ok, nil
}

func (s *MemoryStore) MarkInvoicePaid(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status == domain.InvoicePaid {
		return false, nil
	}
	at = at.UTC()
	inv.Status = domain.InvoicePaid
	if inv.FailureTime != nil {
		inv.RecoveredAt = &at
	}
	s.invoices[id] = inv
	return true, nil
}

func (s *MemoryStore) MarkInvoiceFailed(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status == domain.InvoicePaid {
		return nil
	}
	at = at.UTC()
	inv.Status = domain.InvoiceFailed
	inv.FailureTime = &at
	s.invoices[id] = inv
	return nil
}

func (s *MemoryStore) ListOpenInvoicesOlderThan(cutoff time.Time) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Invoice
	for _, inv := range s.invoices {
		if inv.Status == domain.InvoiceOpen && inv.CreatedAt.Before(cutoff.UTC()) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateDunningSchedule(events []domain.DunningEvent) (bool, error) {
	if len(events) == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.dunning {
		if e.InvoiceID == events[0].InvoiceID {
			return false, nil
		}
	}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		s.dunning[e.ID] = e
	}
	return true, nil
}

func (s *MemoryStore) PendingDunningDue(now time.Time, limit int) ([]domain.DunningEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DunningEvent
	for _, e := range s.dunning {
		if e.Status == domain.DunningPending && !e.ScheduledFor.After(now.UTC()) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDunningSent(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dunning[id]
	if !ok || e.Status != domain.DunningPending {
		return false, nil
	}
	at = at.UTC()
	e.Status = domain.DunningSent
	e.SentAt = &at
	e.UpdatedAt = at
	s.dunning[id] = e
	return true, nil
}

func (s *MemoryStore) MarkDunningSkipped(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dunning[id]
	if !ok || e.Status != domain.DunningPending {
		return nil
	}
	e.Status = domain.DunningSkipped
	e.UpdatedAt = time.Now().UTC()
	s.dunning[id] = e
	return nil
}

func (s *MemoryStore) MarkDunningError(id string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dunning[id]
	if !ok || (e.Status != domain.DunningPending && e.Status != domain.DunningSent) {
		return nil
	}
	if len(message) > 500 {
		message = message[:500]
	}
	e.Status = domain.DunningError
	e.SentAt = nil
	e.ErrorMessage = message
	e.UpdatedAt = time.Now().UTC()
	s.dunning[id] = e
	return nil
}

func (s *MemoryStore) CancelPendingDunning(subscriptionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.dunning {
		if e.SubscriptionID == subscriptionID && e.Status == domain.DunningPending && e.SentAt == nil {
			e.Status = domain.DunningSkipped
			e.UpdatedAt = time.Now().UTC()
			s.dunning[id] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListDunningByInvoice(invoiceID string) ([]domain.DunningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DunningEvent
	for _, e := range s.dunning {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *MemoryStore) RecordWebhook(provider, eventID string, at time.Time) (bool, error) {
	key := provider + "\x00" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[key]; ok {
		return false, nil
	}
	s.webhooks[key] = at.UTC()
	return true, nil
}

func (s *MemoryStore) CreateReferral(r domain.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.referrals[r.ID] = r
	return nil
}

func (s *MemoryStore) ListReferralsByUser(userID string) ([]domain.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Referral
	for _, r := range s.referrals {
		if r.ReferrerID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
