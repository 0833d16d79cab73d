package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	WorkerCount            int     `yaml:"workerCount"`
	PollIntervalSeconds    int     `yaml:"pollIntervalSeconds"`
	MaxRetries             int     `yaml:"maxRetries"`
	RetryDelaySeconds      int     `yaml:"retryDelaySeconds"`
	RetryBackoffMultiplier float64 `yaml:"retryBackoffMultiplier"`
	OpenAITimeoutSeconds   int     `yaml:"openaiTimeoutSeconds"`
	StuckTimeoutMinutes    int     `yaml:"stuckTimeoutMinutes"`

	RateBurst         int   `yaml:"rateBurst"`
	RateGlobal        int   `yaml:"rateGlobal"`
	RateWindowSeconds int   `yaml:"rateWindowSeconds"`
	MaxContentLength  int64 `yaml:"maxContentLength"`

	QCPassThreshold int            `yaml:"qcPassThreshold"`
	TaskThresholds  map[string]int `yaml:"taskThresholds"`

	DunningEnabled      bool   `yaml:"dunningEnabled"`
	DunningScheduleDays string `yaml:"dunningScheduleDays"`
	DunningTemplateDir  string `yaml:"dunningTemplateDir"`

	InRateMicros    float64 `yaml:"inRateMicros"`
	OutRateMicros   float64 `yaml:"outRateMicros"`
	AudioRateMicros float64 `yaml:"audioRateMicros"`

	APIKeys     string `yaml:"apiKeys"`
	APIKeysNext string `yaml:"apiKeysNext"`
	AdminToken  string `yaml:"adminToken"`
	JWTSecret   string `yaml:"jwtSecret"`

	PaymentBaseURL   string `yaml:"paymentBaseURL"`
	PaymentSecretKey string `yaml:"paymentSecretKey"`
	WebhookSecret    string `yaml:"webhookSecret"`
	PlanCredits      string `yaml:"planCredits"`

	EmailBaseURL   string `yaml:"emailBaseURL"`
	EmailAPIKey    string `yaml:"emailAPIKey"`
	EmailFrom      string `yaml:"emailFrom"`
	ChatWebhookURL string `yaml:"chatWebhookURL"`

	AIBaseURL string `yaml:"aiBaseURL"`
	AIAPIKey  string `yaml:"aiAPIKey"`
	AIModel   string `yaml:"aiModel"`
	QAModel   string `yaml:"qaModel"`

	CORSAllowedOrigins string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  string `yaml:"trustedProxyCIDRs"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideInt(&cfg.WorkerCount, "WORKER_COUNT")
	overrideInt(&cfg.PollIntervalSeconds, "POLL_INTERVAL_SECONDS")
	overrideInt(&cfg.MaxRetries, "MAX_RETRIES")
	overrideInt(&cfg.RetryDelaySeconds, "RETRY_DELAY_SECONDS")
	overrideFloat(&cfg.RetryBackoffMultiplier, "RETRY_BACKOFF_MULTIPLIER")
	overrideInt(&cfg.OpenAITimeoutSeconds, "OPENAI_TIMEOUT_SECONDS")
	overrideInt(&cfg.StuckTimeoutMinutes, "STUCK_TIMEOUT_MINUTES")
	overrideInt(&cfg.RateBurst, "RATE_BURST")
	overrideInt(&cfg.RateGlobal, "RATE_GLOBAL")
	overrideInt(&cfg.RateWindowSeconds, "RATE_WINDOW_SECONDS")
	overrideInt64(&cfg.MaxContentLength, "MAX_CONTENT_LENGTH")
	overrideInt(&cfg.QCPassThreshold, "QC_PASS_THRESHOLD")
	overrideBool(&cfg.DunningEnabled, "DUNNING_ENABLED")
	overrideString(&cfg.DunningScheduleDays, "DUNNING_SCHEDULE_DAYS")
	overrideString(&cfg.DunningTemplateDir, "DUNNING_TEMPLATE_DIR")
	overrideFloat(&cfg.InRateMicros, "IN_RATE")
	overrideFloat(&cfg.OutRateMicros, "OUT_RATE")
	overrideFloat(&cfg.AudioRateMicros, "AUDIO_RATE")
	overrideString(&cfg.APIKeys, "API_KEYS")
	overrideString(&cfg.APIKeysNext, "API_KEYS_NEXT")
	overrideString(&cfg.AdminToken, "ADMIN_TOKEN")
	overrideString(&cfg.JWTSecret, "JWT_SECRET")
	overrideString(&cfg.PaymentBaseURL, "PAYMENT_BASE_URL")
	overrideString(&cfg.PaymentSecretKey, "PAYMENT_SECRET_KEY")
	overrideString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	overrideString(&cfg.PlanCredits, "PLAN_CREDITS")
	overrideString(&cfg.EmailBaseURL, "EMAIL_BASE_URL")
	overrideString(&cfg.EmailAPIKey, "EMAIL_API_KEY")
	overrideString(&cfg.EmailFrom, "EMAIL_FROM")
	overrideString(&cfg.ChatWebhookURL, "CHAT_WEBHOOK_URL")
	overrideString(&cfg.AIBaseURL, "AI_BASE_URL")
	overrideString(&cfg.AIAPIKey, "AI_API_KEY")
	overrideString(&cfg.AIModel, "AI_MODEL")
	overrideString(&cfg.QAModel, "QA_MODEL")
	overrideString(&cfg.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS")
	overrideString(&cfg.TrustedProxyCIDRs, "TRUSTED_PROXY_CIDRS")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for job dispatch")
	}
	if cfg.WebhookSecret == "" {
		return errors.New("config: webhookSecret is required (set WEBHOOK_SECRET)")
	}
	if cfg.WorkerCount < 0 || cfg.WorkerCount > 4 {
		return errors.New("config: workerCount must be between 0 and 4")
	}
	if cfg.RetryBackoffMultiplier != 0 && cfg.RetryBackoffMultiplier < 1 {
		return errors.New("config: retryBackoffMultiplier must be >= 1")
	}
	if cfg.RateBurst < 0 || cfg.RateGlobal < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.InRateMicros < 0 || cfg.OutRateMicros < 0 || cfg.AudioRateMicros < 0 {
		return errors.New("config: pricing rates must be >= 0")
	}
	if _, err := ParseScheduleDays(cfg.DunningScheduleDays); err != nil {
		return err
	}
	if _, err := ParsePlanCredits(cfg.PlanCredits); err != nil {
		return err
	}
	return nil
}

// ParseScheduleDays parses "1,7,14" into sorted day offsets. Empty input
// returns nil, leaving the caller's default in place.
func ParseScheduleDays(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	prev := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: invalid dunningScheduleDays entry %q", part)
		}
		if n <= prev {
			return nil, errors.New("config: dunningScheduleDays must be strictly increasing")
		}
		out = append(out, n)
		prev = n
	}
	return out, nil
}

// ParsePlanCredits parses "pro plan:500,starter:100" into a plan→credits
// map keyed by lowercased plan name.
func ParsePlanCredits(raw string) (map[string]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, amount, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("config: invalid planCredits entry %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: invalid planCredits amount %q", amount)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ParseList splits a comma-separated list, trimming blanks.
func ParseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// PollInterval returns the worker tick interval.
func (c FileConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// AITimeout returns the hard per-call model timeout.
func (c FileConfig) AITimeout() time.Duration {
	if c.OpenAITimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.OpenAITimeoutSeconds) * time.Second
}

// StuckTimeout returns how long a running job may go before the sweeper
// reclaims it.
func (c FileConfig) StuckTimeout() time.Duration {
	if c.StuckTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.StuckTimeoutMinutes) * time.Minute
}

// RateWindow returns the sliding-window size.
func (c FileConfig) RateWindow() time.Duration {
	if c.RateWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateWindowSeconds) * time.Second
}
