package quota

import (
	"errors"
	"strings"
	"testing"
	"time"

	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

func TestMintAndConsume(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC))
	enf := NewEnforcer(st, clk)

	raw, rec := Mint("u1", domain.TierSandbox, clk)
	if !strings.HasPrefix(raw, "ep_test_") {
		t.Fatalf("raw key prefix: %q", raw)
	}
	if rec.CallsLimit != SandboxMonthlyLimit {
		t.Fatalf("limit = %d", rec.CallsLimit)
	}
	if !rec.ResetAt.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reset at = %v", rec.ResetAt)
	}
	if err := st.CreateAPIKey(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := enf.Consume(raw)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.CallsUsed != 1 {
		t.Fatalf("calls used = %d", got.CallsUsed)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(clk.Now()) {
		t.Fatalf("last used = %v", got.LastUsedAt)
	}
}

func TestConsumeUnknownAndRevoked(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Now().UTC())
	enf := NewEnforcer(st, clk)

	if _, err := enf.Consume("ep_live_bogus"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("unknown key err = %v", err)
	}
	if _, err := enf.Consume(""); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("empty key err = %v", err)
	}

	raw, rec := Mint("u1", domain.TierProduction, clk)
	_ = st.CreateAPIKey(rec)
	_ = st.RevokeAPIKey(rec.ID)
	if _, err := enf.Consume(raw); !errors.Is(err, store.ErrKeyRevoked) {
		t.Fatalf("revoked key err = %v", err)
	}
	if _, err := enf.Peek(raw); !errors.Is(err, store.ErrKeyRevoked) {
		t.Fatalf("peek revoked err = %v", err)
	}
}

func TestConsumeExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC))
	enf := NewEnforcer(st, clk)

	raw, rec := Mint("u1", domain.TierSandbox, clk)
	rec.CallsLimit = 1
	_ = st.CreateAPIKey(rec)

	if _, err := enf.Consume(raw); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, err := enf.Consume(raw)
	var qe *store.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}

	// Peek never spends, even when exhausted.
	if _, err := enf.Peek(raw); err != nil {
		t.Fatalf("peek: %v", err)
	}

	clk.Set(qe.ResetAt.Add(time.Second))
	if _, err := enf.Consume(raw); err != nil {
		t.Fatalf("consume after reset: %v", err)
	}
}

func TestHashKeyStable(t *testing.T) {
	if HashKey("abc") != HashKey("abc") {
		t.Fatal("hash not deterministic")
	}
	if HashKey("abc") == HashKey("abd") {
		t.Fatal("distinct keys collide")
	}
	if len(HashKey("abc")) != 64 {
		t.Fatalf("hash length = %d", len(HashKey("abc")))
	}
}
