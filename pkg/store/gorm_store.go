package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"echopilot/pkg/domain"
)

const migrateLockID int64 = 84118411

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&UserModel{},
			&JobModel{},
			&APIKeyModel{},
			&InvoiceModel{},
			&DunningEventModel{},
			&WebhookSeenModel{},
			&ReferralModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// users

// UpsertUserByEmail creates or updates the user keyed by case-insensitive
// email. It never creates two users for the same address.
func (s *GormStore) UpsertUserByEmail(u domain.User) (domain.User, bool, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	var out domain.User
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing UserModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", u.Email).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			model := userToModel(u)
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			out = userFromModel(model)
			created = true
			return nil
		}
		if err != nil {
			return err
		}
		merged := mergeUser(existing, u)
		merged.UpdatedAt = u.UpdatedAt
		if err := tx.Save(&merged).Error; err != nil {
			return err
		}
		out = userFromModel(merged)
		return nil
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return out, created, nil
}

func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateUser applies a partial mutation and returns the updated record.
func (s *GormStore) UpdateUser(id string, upd UserUpdate) (domain.User, bool, error) {
	var out domain.User
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model UserModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		applyUserUpdate(&model, upd)
		model.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		out = userFromModel(model)
		return nil
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return out, found, nil
}

func (s *GormStore) AddCredits(userID string, delta int64) error {
	return s.db.Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"credits_remaining": gorm.Expr("credits_remaining + ?", delta),
			"updated_at":        time.Now().UTC(),
		}).Error
}

// jobs

func (s *GormStore) CreateJob(j domain.Job) error {
	model, err := jobToModel(j)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

func (s *GormStore) GetJob(id string) (domain.Job, bool, error) {
	var model JobModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	job, err := jobFromModel(model)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// ClaimJob transitions queued -> running in a single transaction so no job is
// ever visible in two states and no two workers own the same id.
func (s *GormStore) ClaimJob(id string, now time.Time) (domain.Job, error) {
	var claimed domain.Job
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model JobModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNotQueued
		}
		if err != nil {
			return err
		}
		if model.State != string(domain.JobQueued) {
			return ErrNotQueued
		}
		started := now.UTC()
		model.State = string(domain.JobRunning)
		model.StartedAt = &started
		model.Attempts++
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		claimed, err = jobFromModel(model)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	return claimed, nil
}

// FinishJob writes the terminal state atomically with result, tokens, and
// cost. Only running jobs transition; terminal states are monotonic.
func (s *GormStore) FinishJob(id string, fin JobFinish) error {
	finished := fin.FinishedAt.UTC()
	res := s.db.Model(&JobModel{}).
		Where("id = ? AND state = ?", id, string(domain.JobRunning)).
		Updates(map[string]any{
			"state":       string(fin.State),
			"result":      fin.Result,
			"error":       fin.Error,
			"qa_score":    fin.QAScore,
			"cost_micros": fin.CostMicros,
			"tokens_in":   fin.TokensIn,
			"tokens_out":  fin.TokensOut,
			"finished_at": &finished,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish job %s: not running", id)
	}
	return nil
}

// RequeueStuck returns jobs stuck in running since before olderThan to the
// queue, incrementing attempts, and reports their ids for re-dispatch.
func (s *GormStore) RequeueStuck(olderThan time.Time) ([]string, error) {
	var ids []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var models []JobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("state = ? AND started_at < ?", string(domain.JobRunning), olderThan.UTC()).
			Find(&models).Error; err != nil {
			return err
		}
		for _, model := range models {
			if err := tx.Model(&JobModel{}).
				Where("id = ?", model.ID).
				Updates(map[string]any{
					"state":      string(domain.JobQueued),
					"started_at": nil,
				}).Error; err != nil {
				return err
			}
			ids = append(ids, model.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) CountJobsByState() (map[domain.JobState]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	if err := s.db.Model(&JobModel{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.JobState]int64, len(rows))
	for _, r := range rows {
		out[domain.JobState(r.State)] = r.N
	}
	return out, nil
}

// api keys

func (s *GormStore) CreateAPIKey(k domain.APIKey) error {
	model := apiKeyToModel(k)
	return s.db.Create(&model).Error
}

func (s *GormStore) GetAPIKeyByHash(hash string) (domain.APIKey, bool, error) {
	var model APIKeyModel
	if err := s.db.Where("key_hash = ?", hash).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.APIKey{}, false, nil
		}
		return domain.APIKey{}, false, err
	}
	return apiKeyFromModel(model), true, nil
}

// ConsumeAPIKey performs the whole quota check-and-increment under one row
// lock: revocation check, monthly reset, limit check, increment. Concurrent
// requests crossing the limit boundary see exactly one winner.
func (s *GormStore) ConsumeAPIKey(hash string, now time.Time) (domain.APIKey, error) {
	var out domain.APIKey
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model APIKeyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key_hash = ?", hash).First(&model).Error
		if err == gorm.ErrRecordNotFound {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		if !model.IsActive {
			return ErrKeyRevoked
		}
		now = now.UTC()
		if !now.Before(model.ResetAt) {
			model.CallsUsed = 0
			model.ResetAt = NextMonthStart(now)
		}
		if model.CallsUsed >= model.CallsLimit {
			return &QuotaExceededError{ResetAt: model.ResetAt}
		}
		model.CallsUsed++
		model.LastUsedAt = &now
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		out = apiKeyFromModel(model)
		return nil
	})
	if err != nil {
		return domain.APIKey{}, err
	}
	return out, nil
}

func (s *GormStore) RevokeAPIKey(id string) error {
	return s.db.Model(&APIKeyModel{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

func (s *GormStore) ListAPIKeysByUser(userID string) ([]domain.APIKey, error) {
	var models []APIKeyModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.APIKey, 0, len(models))
	for _, m := range models {
		out = append(out, apiKeyFromModel(m))
	}
	return out, nil
}

// invoices

func (s *GormStore) UpsertInvoice(inv domain.Invoice) error {
	model := invoiceToModel(inv)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "subscription_id", "email", "plan_name", "amount_due", "currency", "status", "failure_time", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetInvoice(id string) (domain.Invoice, bool, error) {
	var model InvoiceModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Invoice{}, false, nil
		}
		return domain.Invoice{}, false, err
	}
	return invoiceFromModel(model), true, nil
}

// MarkInvoicePaid flips the invoice to paid and reports whether anything
// changed; duplicate deliveries are no-ops.
func (s *GormStore) MarkInvoicePaid(id string, at time.Time) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model InvoiceModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if model.Status == string(domain.InvoicePaid) {
			return nil
		}
		at := at.UTC()
		model.Status = string(domain.InvoicePaid)
		if model.FailureTime != nil {
			model.RecoveredAt = &at
		}
		model.UpdatedAt = at
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *GormStore) MarkInvoiceFailed(id string, at time.Time) error {
	at = at.UTC()
	return s.db.Model(&InvoiceModel{}).
		Where("id = ? AND status <> ?", id, string(domain.InvoicePaid)).
		Updates(map[string]any{
			"status":       string(domain.InvoiceFailed),
			"failure_time": &at,
			"updated_at":   at,
		}).Error
}

func (s *GormStore) ListOpenInvoicesOlderThan(cutoff time.Time) ([]domain.Invoice, error) {
	var models []InvoiceModel
	if err := s.db.Where("status = ? AND created_at < ?", string(domain.InvoiceOpen), cutoff.UTC()).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Invoice, 0, len(models))
	for _, m := range models {
		out = append(out, invoiceFromModel(m))
	}
	return out, nil
}

// dunning

// CreateDunningSchedule inserts the attempt rows unless any row already
// exists for the invoice. Existence, not count, guards against partial prior
// writes.
func (s *GormStore) CreateDunningSchedule(events []domain.DunningEvent) (bool, error) {
	if len(events) == 0 {
		return false, nil
	}
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&DunningEventModel{}).
			Where("invoice_id = ?", events[0].InvoiceID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		models := make([]DunningEventModel, 0, len(events))
		for _, event := range events {
			models = append(models, dunningToModel(event))
		}
		if err := tx.Create(&models).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *GormStore) PendingDunningDue(now time.Time, limit int) ([]domain.DunningEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []DunningEventModel
	if err := s.db.Where("status = ? AND scheduled_for <= ?", string(domain.DunningPending), now.UTC()).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DunningEvent, 0, len(models))
	for _, m := range models {
		out = append(out, dunningFromModel(m))
	}
	return out, nil
}

// MarkDunningSent transitions pending -> sent exactly once; a false return
// means another tick already owned the event.
func (s *GormStore) MarkDunningSent(id string, at time.Time) (bool, error) {
	at = at.UTC()
	res := s.db.Model(&DunningEventModel{}).
		Where("id = ? AND status = ?", id, string(domain.DunningPending)).
		Updates(map[string]any{
			"status":     string(domain.DunningSent),
			"sent_at":    &at,
			"updated_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) MarkDunningSkipped(id string) error {
	return s.db.Model(&DunningEventModel{}).
		Where("id = ? AND status = ?", id, string(domain.DunningPending)).
		Updates(map[string]any{
			"status":     string(domain.DunningSkipped),
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkDunningError records a delivery failure. The event may already be in
// sent from the pre-send claim; errors roll that back.
func (s *GormStore) MarkDunningError(id string, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	return s.db.Model(&DunningEventModel{}).
		Where("id = ? AND status IN ?", id, []string{string(domain.DunningPending), string(domain.DunningSent)}).
		Updates(map[string]any{
			"status":        string(domain.DunningError),
			"sent_at":       nil,
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// CancelPendingDunning skips every pending, unsent event for the
// subscription. pending -> skipped is idempotent.
func (s *GormStore) CancelPendingDunning(subscriptionID string) (int64, error) {
	res := s.db.Model(&DunningEventModel{}).
		Where("subscription_id = ? AND status = ? AND sent_at IS NULL",
			subscriptionID, string(domain.DunningPending)).
		Updates(map[string]any{
			"status":     string(domain.DunningSkipped),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ListDunningByInvoice(invoiceID string) ([]domain.DunningEvent, error) {
	var models []DunningEventModel
	if err := s.db.Where("invoice_id = ?", invoiceID).Order("attempt ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DunningEvent, 0, len(models))
	for _, m := range models {
		out = append(out, dunningFromModel(m))
	}
	return out, nil
}

// webhook idempotency

// RecordWebhook inserts the (provider, event_id) pair; the unique constraint
// is the serialization point for concurrent duplicate deliveries.
func (s *GormStore) RecordWebhook(provider, eventID string, at time.Time) (bool, error) {
	model := WebhookSeenModel{Provider: provider, EventID: eventID, ReceivedAt: at.UTC()}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// referrals

func (s *GormStore) CreateReferral(r domain.Referral) error {
	model := referralToModel(r)
	return s.db.Create(&model).Error
}

func (s *GormStore) ListReferralsByUser(userID string) ([]domain.Referral, error) {
	var models []ReferralModel
	if err := s.db.Where("referrer_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Referral, 0, len(models))
	for _, m := range models {
		out = append(out, referralFromModel(m))
	}
	return out, nil
}

// mappers

func userToModel(u domain.User) UserModel {
	meta, _ := json.Marshal(u.Meta)
	if u.Meta == nil {
		meta = nil
	}
	return UserModel{
		ID:               u.ID,
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		Locale:           u.Locale,
		Currency:         u.Currency,
		CreditsRemaining: u.CreditsRemaining,
		ReferralCode:     u.ReferralCode,
		TermsAcceptedAt:  u.TermsAcceptedAt,
		TermsVersion:     u.TermsVersion,
		MarketingConsent: string(u.MarketingConsent),
		Meta:             meta,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	var meta map[string]string
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &meta)
	}
	consent := domain.MarketingConsent(m.MarketingConsent)
	if consent == "" {
		consent = domain.ConsentNone
	}
	return domain.User{
		ID:               m.ID,
		Email:            m.Email,
		DisplayName:      m.DisplayName,
		Locale:           m.Locale,
		Currency:         m.Currency,
		CreditsRemaining: m.CreditsRemaining,
		ReferralCode:     m.ReferralCode,
		TermsAcceptedAt:  m.TermsAcceptedAt,
		TermsVersion:     m.TermsVersion,
		MarketingConsent: consent,
		Meta:             meta,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func mergeUser(existing UserModel, u domain.User) UserModel {
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
		meta, _ := json.Marshal(u.Meta)
		existing.Meta = meta
	}
	if u.MarketingConsent != "" {
		existing.MarketingConsent = string(u.MarketingConsent)
	}
	return existing
}

func applyUserUpdate(model *UserModel, upd UserUpdate) {
	if upd.DisplayName != nil {
		model.DisplayName = *upd.DisplayName
	}
	if upd.Locale != nil {
		model.Locale = *upd.Locale
	}
	if upd.Currency != nil {
		model.Currency = *upd.Currency
	}
	if upd.TermsAcceptedAt != nil {
		model.TermsAcceptedAt = upd.TermsAcceptedAt
	}
	if upd.TermsVersion != nil {
		model.TermsVersion = *upd.TermsVersion
	}
	if upd.MarketingConsent != nil {
		model.MarketingConsent = string(*upd.MarketingConsent)
	}
	if upd.Meta != nil {
		meta, _ := json.Marshal(upd.Meta)
		model.Meta = meta
	}
}

func jobToModel(j domain.Job) (JobModel, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return JobModel{}, fmt.Errorf("marshal payload: %w", err)
	}
	return JobModel{
		ID:          j.ID,
		OwnerUserID: j.OwnerUserID,
		Workflow:    j.Workflow,
		Payload:     payload,
		Priority:    string(j.Priority),
		CallbackURL: j.CallbackURL,
		State:       string(j.State),
		TaskType:    string(j.TaskType),
		Result:      j.Result,
		Error:       j.Error,
		QAScore:     j.QAScore,
		QAThreshold: j.QAThreshold,
		CostMicros:  j.CostMicros,
		TokensIn:    j.TokensIn,
		TokensOut:   j.TokensOut,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}, nil
}

func jobFromModel(m JobModel) (domain.Job, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return domain.Job{
		ID:          m.ID,
		OwnerUserID: m.OwnerUserID,
		Workflow:    m.Workflow,
		Payload:     payload,
		Priority:    domain.Priority(m.Priority),
		CallbackURL: m.CallbackURL,
		State:       domain.JobState(m.State),
		TaskType:    domain.TaskType(m.TaskType),
		Result:      m.Result,
		Error:       m.Error,
		QAScore:     m.QAScore,
		QAThreshold: m.QAThreshold,
		CostMicros:  m.CostMicros,
		TokensIn:    m.TokensIn,
		TokensOut:   m.TokensOut,
		Attempts:    m.Attempts,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}, nil
}

func apiKeyToModel(k domain.APIKey) APIKeyModel {
	return APIKeyModel{
		ID:         k.ID,
		UserID:     k.UserID,
		KeyHash:    k.KeyHash,
		KeyPrefix:  k.KeyPrefix,
		Tier:       string(k.Tier),
		CallsUsed:  k.CallsUsed,
		CallsLimit: k.CallsLimit,
		ResetAt:    k.ResetAt,
		IsActive:   k.IsActive,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func apiKeyFromModel(m APIKeyModel) domain.APIKey {
	return domain.APIKey{
		ID:         m.ID,
		UserID:     m.UserID,
		KeyHash:    m.KeyHash,
		KeyPrefix:  m.KeyPrefix,
		Tier:       domain.KeyTier(m.Tier),
		CallsUsed:  m.CallsUsed,
		CallsLimit: m.CallsLimit,
		ResetAt:    m.ResetAt,
		IsActive:   m.IsActive,
		CreatedAt:  m.CreatedAt,
		LastUsedAt: m.LastUsedAt,
	}
}

func invoiceToModel(inv domain.Invoice) InvoiceModel {
	return InvoiceModel{
		ID:             inv.ID,
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		Email:          inv.Email,
		PlanName:       inv.PlanName,
		AmountDue:      inv.AmountDue,
		Currency:       inv.Currency,
		Status:         string(inv.Status),
		FailureTime:    inv.FailureTime,
		RecoveredAt:    inv.RecoveredAt,
		CreatedAt:      inv.CreatedAt,
	}
}

func invoiceFromModel(m InvoiceModel) domain.Invoice {
	return domain.Invoice{
		ID:             m.ID,
		CustomerID:     m.CustomerID,
		SubscriptionID: m.SubscriptionID,
		Email:          m.Email,
		PlanName:       m.PlanName,
		AmountDue:      m.AmountDue,
		Currency:       m.Currency,
		Status:         domain.InvoiceStatus(m.Status),
		FailureTime:    m.FailureTime,
		RecoveredAt:    m.RecoveredAt,
		CreatedAt:      m.CreatedAt,
	}
}

func dunningToModel(e domain.DunningEvent) DunningEventModel {
	return DunningEventModel{
		ID:             e.ID,
		InvoiceID:      e.InvoiceID,
		Attempt:        e.Attempt,
		CustomerID:     e.CustomerID,
		SubscriptionID: e.SubscriptionID,
		Email:          e.Email,
		PlanName:       e.PlanName,
		AmountDue:      e.AmountDue,
		Currency:       e.Currency,
		ScheduledFor:   e.ScheduledFor,
		Status:         string(e.Status),
		SentAt:         e.SentAt,
		ErrorMessage:   e.ErrorMessage,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func dunningFromModel(m DunningEventModel) domain.DunningEvent {
	return domain.DunningEvent{
		ID:             m.ID,
		InvoiceID:      m.InvoiceID,
		Attempt:        m.Attempt,
		CustomerID:     m.CustomerID,
		SubscriptionID: m.SubscriptionID,
		Email:          m.Email,
		PlanName:       m.PlanName,
		AmountDue:      m.AmountDue,
		Currency:       m.Currency,
		ScheduledFor:   m.ScheduledFor,
		Status:         domain.DunningStatus(m.Status),
		SentAt:         m.SentAt,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func referralToModel(r domain.Referral) ReferralModel {
	return ReferralModel{
		ID:            r.ID,
		ReferrerID:    r.ReferrerID,
		ReferredEmail: r.ReferredEmail,
		Code:          r.Code,
		CreatedAt:     r.CreatedAt,
	}
}

func referralFromModel(m ReferralModel) domain.Referral {
	return domain.Referral{
		ID:            m.ID,
		ReferrerID:    m.ReferrerID,
		ReferredEmail: m.ReferredEmail,
		Code:          m.Code,
		CreatedAt:     m.CreatedAt,
	}
}
