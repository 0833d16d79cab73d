package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
port: "8080"
databaseURL: postgres://localhost/echopilot
redisAddr: localhost:6379
webhookSecret: whsec_test
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("DUNNING_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 3 || !cfg.DunningEnabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("redisAddr = %s", cfg.RedisAddr)
	}
	if cfg.RetryBackoffMultiplier != 1.5 {
		t.Fatalf("backoff = %v", cfg.RetryBackoffMultiplier)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing port", `
databaseURL: postgres://x
redisAddr: localhost:6379
webhookSecret: s
`},
		{"missing webhook secret", `
port: "8080"
databaseURL: postgres://x
redisAddr: localhost:6379
`},
		{"worker count out of range", minimalYAML + "workerCount: 9\n"},
		{"bad schedule days", minimalYAML + `dunningScheduleDays: "7,1"` + "\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
			t.Errorf("%s: want validation error", tc.name)
		}
	}
}

func TestParseScheduleDays(t *testing.T) {
	days, err := ParseScheduleDays("1, 7, 14")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(days) != 3 || days[0] != 1 || days[2] != 14 {
		t.Fatalf("days = %v", days)
	}
	if days, _ := ParseScheduleDays(""); days != nil {
		t.Fatalf("empty should return nil, got %v", days)
	}
	for _, bad := range []string{"0", "-1,2", "a,b", "3,3"} {
		if _, err := ParseScheduleDays(bad); err == nil {
			t.Errorf("%q: want error", bad)
		}
	}
}

func TestParsePlanCredits(t *testing.T) {
	credits, err := ParsePlanCredits("Pro Plan:500, starter:100")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if credits["pro plan"] != 500 || credits["starter"] != 100 {
		t.Fatalf("credits = %v", credits)
	}
	if _, err := ParsePlanCredits("pro=500"); err == nil {
		t.Fatal("want error for bad separator")
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" https://app.example.com , https://admin.example.com ,")
	if len(got) != 2 || got[0] != "https://app.example.com" {
		t.Fatalf("list = %v", got)
	}
}
