// Package quota enforces per-key monthly call allowances.
package quota

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"echopilot/internal/util"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

// Key string prefixes by tier. The prefix plus the first characters of the
// random part are stored for display; only the hash of the full key persists.
const (
	prefixSandbox    = "ep_test_"
	prefixProduction = "ep_live_"
)

// Default monthly limits per tier.
const (
	SandboxMonthlyLimit    = 100
	ProductionMonthlyLimit = 10000
)

// HashKey returns the hex SHA-256 of the raw key. Keys are stored and looked
// up by this value only.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Mint generates a fresh key for the tier and returns the raw secret along
// with its persistable record. The raw secret is shown to the caller exactly
// once.
func Mint(userID string, tier domain.KeyTier, clk clock.Clock) (string, domain.APIKey) {
	prefix := prefixProduction
	limit := int64(ProductionMonthlyLimit)
	if tier == domain.TierSandbox {
		prefix = prefixSandbox
		limit = SandboxMonthlyLimit
	}
	raw := prefix + util.NewSecret()
	now := clk.Now().UTC()
	return raw, domain.APIKey{
		ID:         util.NewID(),
		UserID:     userID,
		KeyHash:    HashKey(raw),
		KeyPrefix:  raw[:len(prefix)+6],
		Tier:       tier,
		CallsUsed:  0,
		CallsLimit: limit,
		ResetAt:    store.NextMonthStart(now),
		IsActive:   true,
		CreatedAt:  now,
	}
}

// Enforcer resolves bearer keys and consumes one call from the monthly
// allowance per successful check.
type Enforcer struct {
	store store.Store
	clock clock.Clock
}

func NewEnforcer(st store.Store, clk clock.Clock) *Enforcer {
	return &Enforcer{store: st, clock: clk}
}

// Consume validates the raw key and atomically spends one call. It returns
// the key record after the spend, or a typed error: store.ErrKeyNotFound,
// store.ErrKeyRevoked, or *store.QuotaExceededError.
func (e *Enforcer) Consume(raw string) (domain.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.APIKey{}, store.ErrKeyNotFound
	}
	return e.store.ConsumeAPIKey(HashKey(raw), e.clock.Now())
}

// Peek resolves the key without spending a call.
func (e *Enforcer) Peek(raw string) (domain.APIKey, error) {
	key, ok, err := e.store.GetAPIKeyByHash(HashKey(strings.TrimSpace(raw)))
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("lookup key: %w", err)
	}
	if !ok {
		return domain.APIKey{}, store.ErrKeyNotFound
	}
	if !key.IsActive {
		return domain.APIKey{}, store.ErrKeyRevoked
	}
	return key, nil
}
