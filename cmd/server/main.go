package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"echopilot/internal/admintoken"
	"echopilot/internal/alert"
	"echopilot/internal/billing"
	"echopilot/internal/config"
	"echopilot/internal/cost"
	"echopilot/internal/dunning"
	"echopilot/internal/notify"
	"echopilot/internal/processor"
	"echopilot/internal/quota"
	"echopilot/internal/ratelimit"
	"echopilot/internal/reconcile"
	"echopilot/internal/server"
	"echopilot/internal/util"
	"echopilot/internal/webhook"
	"echopilot/pkg/ai"
	"echopilot/pkg/clock"
	"echopilot/pkg/domain"
	"echopilot/pkg/queue"
	"echopilot/pkg/store"
)

// chatSink forwards alert messages to the chat webhook.
type chatSink struct {
	notifier notify.Notifier
}

func (s chatSink) Alert(ctx context.Context, subsystem, message string) error {
	return s.notifier.SendChat(ctx, "["+subsystem+"] "+message)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	scheduleDays, err := config.ParseScheduleDays(cfg.DunningScheduleDays)
	if err != nil {
		log.Fatalf("failed to parse dunning schedule: %v", err)
	}
	planCredits, err := config.ParsePlanCredits(cfg.PlanCredits)
	if err != nil {
		log.Fatalf("failed to parse plan credits: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(config.ParseList(cfg.TrustedProxyCIDRs))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	clk := clock.System{}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	dispatcher, err := queue.NewRedisDispatcher(queue.RedisConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		MaxDeliver: cfg.MaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init dispatcher: %v", err)
	}
	defer dispatcher.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	locker := redislock.New(redisClient)

	notifier := notify.NewHTTPNotifier(notify.HTTPConfig{
		EmailBaseURL:   cfg.EmailBaseURL,
		EmailAPIKey:    cfg.EmailAPIKey,
		FromAddress:    cfg.EmailFrom,
		ChatWebhookURL: cfg.ChatWebhookURL,
	})
	alerter := alert.New(chatSink{notifier: notifier}, clk, logger)

	templates, err := dunning.LoadTemplates(cfg.DunningTemplateDir)
	if err != nil {
		log.Fatalf("failed to load dunning templates: %v", err)
	}
	scheduler := dunning.New(st, notifier, templates, clk, locker, logger,
		dunning.Config{
			Enabled:      cfg.DunningEnabled,
			ScheduleDays: scheduleDays,
			PollInterval: cfg.PollInterval(),
		},
		func(ctx context.Context, detail string) { alerter.Failure(ctx, "dunning", detail) },
		func() { alerter.Success("dunning") },
	)

	provider := billing.NewStripeClient(billing.StripeConfig{
		BaseURL:       cfg.PaymentBaseURL,
		SecretKey:     cfg.PaymentSecretKey,
		WebhookSecret: cfg.WebhookSecret,
		Clock:         clk,
	})
	ingestor := webhook.NewIngestor(st, provider, scheduler, clk, logger, planCredits)
	reconciler := reconcile.New(st, provider, ingestor, locker, clk, logger, reconcile.Config{})

	aiClient := ai.NewOpenAICompatClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	thresholds := make(map[domain.TaskType]int, len(cfg.TaskThresholds))
	for task, threshold := range cfg.TaskThresholds {
		thresholds[domain.TaskType(task)] = threshold
	}
	proc := processor.New(st, dispatcher, aiClient,
		cost.Pricing{
			InRateMicros:    cfg.InRateMicros,
			OutRateMicros:   cfg.OutRateMicros,
			AudioRateMicros: cfg.AudioRateMicros,
		},
		clk, logger,
		processor.Config{
			WorkerCount:  cfg.WorkerCount,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   time.Duration(cfg.RetryDelaySeconds) * time.Second,
			RetryBackoff: cfg.RetryBackoffMultiplier,
			AITimeout:    cfg.AITimeout(),
			StuckTimeout: cfg.StuckTimeout(),
			Model:        cfg.AIModel,
			QAModel:      cfg.QAModel,
			PassFloor:    cfg.QCPassThreshold,
			Thresholds:   thresholds,
		},
		alerter.Failure, alerter.Success,
	)

	var adminVerifier *admintoken.Verifier
	if cfg.JWTSecret != "" {
		adminVerifier, err = admintoken.NewVerifier(admintoken.VerifierOptions{Secret: cfg.JWTSecret})
		if err != nil {
			log.Fatalf("failed to init admin verifier: %v", err)
		}
	}
	limiter := ratelimit.New(ratelimit.Config{
		Burst:             cfg.RateBurst,
		Global:            cfg.RateGlobal,
		Window:            cfg.RateWindow(),
		ProtectedPrefixes: ratelimit.DefaultProtectedPrefixes,
	}, clk)

	httpServer := server.New(server.Config{
		Store:              st,
		Processor:          proc,
		Quota:              quota.NewEnforcer(st, clk),
		Ingestor:           ingestor,
		Provider:           provider,
		Dispatcher:         dispatcher,
		Limiter:            limiter,
		AdminVerifier:      adminVerifier,
		AdminToken:         cfg.AdminToken,
		APIKeys:            config.ParseList(cfg.APIKeys),
		APIKeysNext:        config.ParseList(cfg.APIKeysNext),
		CORSAllowedOrigins: config.ParseList(cfg.CORSAllowedOrigins),
		TrustedProxies:     trustedProxies,
		MaxBodyBytes:       cfg.MaxContentLength,
		Clock:              clk,
		Logger:             logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("processor stopped", "error", err)
		}
	}()
	go scheduler.Run(ctx)
	go reconciler.Run(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("echopilot server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
