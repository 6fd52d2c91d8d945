package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"loyaltyLedgerAPI/handlers"
	"loyaltyLedgerAPI/internal/balance"
	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/config"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/resources"
	"loyaltyLedgerAPI/internal/retry"
	"loyaltyLedgerAPI/internal/settlement"
	"loyaltyLedgerAPI/internal/store/postgres"
	"loyaltyLedgerAPI/internal/workers"
	"loyaltyLedgerAPI/middleware"
	"loyaltyLedgerAPI/services"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load environment")
	}
	logger := config.NewLogger(env)
	log := logrus.NewEntry(logger).WithField("service", "loyalty-ledger-api")

	program, err := config.LoadProgram(env.ProgramConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to load program configuration")
	}

	clerk.SetKey(env.ClerkSecretKey)
	log.Info("Clerk initialized successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := resources.Open(ctx, env.DatabaseURL, env.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open resources")
	}
	defer res.Close()

	st := postgres.New(res.DB)
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("failed to apply schema")
	}
	redisCache := cache.NewRedis(res.Redis, "loyalty")

	metrics.Register()
	middleware.InitPrometheus()

	// External collaborators
	clientOpts := balance.ClientOptions{
		Timeout:      program.External.Timeout.Duration,
		RetryCount:   program.External.RetryAttempts - 1,
		RetryWait:    program.External.RetryInitial.Duration,
		RetryMaxWait: program.External.RetryMax.Duration,
	}
	var bank, chain balance.Source
	if env.TellerBaseURL != "" && len(program.Treasury.BankAccounts) > 0 {
		bank = balance.NewTeller(balance.NewRestyClient(clientOpts), env.TellerBaseURL, env.TellerAccessToken, config.Accounts(program.Treasury.BankAccounts))
	} else {
		log.Warn("teller not configured, bank balances unavailable")
	}
	if env.ChainRPCURL != "" && len(program.Treasury.ChainWallets) > 0 {
		chain = balance.NewChain(balance.NewRestyClient(clientOpts), env.ChainRPCURL, program.Treasury.ChainToken,
			program.Treasury.TokenDecimals, config.Accounts(program.Treasury.ChainWallets))
	} else {
		log.Warn("chain RPC not configured, on-chain balances unavailable")
	}

	var settler settlement.Settler = settlement.LedgerSettler{}
	if env.SettlementURL != "" {
		settler = settlement.NewHTTPSettler(env.SettlementURL, env.SettlementToken, retry.Policy{
			Attempts: program.External.RetryAttempts,
			Initial:  program.External.RetryInitial.Duration,
			Max:      program.External.RetryMax.Duration,
			Timeout:  program.External.Timeout.Duration,
		}, log)
	} else {
		log.Warn("settlement API not configured, payouts settle to the internal ledger")
	}

	var sender notification.Sender = notification.LogSender{Log: log.WithField("component", "push")}
	if fcm, err := notification.NewFCMSender(ctx, env.FCMCredentials, env.FCMCredentialFile, log); err != nil {
		log.WithError(err).Warn("could not initialize FCM, push notifications are logged only")
	} else {
		sender = fcm
		log.Info("FCM push sender initialized successfully")
	}

	// Services
	tierService := services.NewTierService(st, program.TierDefinitions(), sender, log)
	memberService := services.NewMemberService(st, log)
	scanService := services.NewScanService(st, redisCache, tierService, program.Chips.VaultWindow.Duration, log)
	chipService := services.NewChipService(st, log)
	walletService := services.NewWalletService(st, log)
	leaderboardService := services.NewLeaderboardService(st, redisCache, program.Leaderboard.Size, log)
	sunsetService := services.NewSunsetService(st, tierService, program.Sunset.Threshold.Decimal, program.Sunset.WindowMonths, sender, log)
	compService := services.NewCompPoolService(st, tierService, program.PoolPercentages(), program.GuaranteedCompRules(), sender, log)
	payoutService := services.NewPayoutService(st, tierService, sunsetService, settler, sender, services.PayoutOptions{
		ChipValue:       program.Chips.Value.Decimal,
		MaxAttempts:     program.Payout.MaxAttempts,
		InFlightTimeout: program.Payout.InFlightTimeout.Duration,
	}, log)
	treasuryService := services.NewTreasuryService(st, redisCache, bank, chain, log)

	// Scheduler
	scheduler := workers.New(program.JobTimeout.Duration, func() error {
		_, err := config.LoadProgram(env.ProgramConfig)
		return err
	}, log)
	tasks := workers.Tasks(workers.Services{
		Treasury:    treasuryService,
		Payouts:     payoutService,
		Comps:       compService,
		Leaderboard: leaderboardService,
		Chips:       chipService,
		Tiers:       tierService,
	})
	if err := scheduler.RegisterAll(program.Schedules, tasks); err != nil {
		log.WithError(err).Fatal("failed to register scheduled jobs")
	}
	scheduler.Start()

	// HTTP
	webhookHandler, err := handlers.NewWebhookHandler(memberService, env.ClerkWebhook, log)
	if err != nil {
		log.WithError(err).Fatal("failed to configure clerk webhook")
	}
	if env.ClerkWebhook == "" {
		log.Warn("CLERK_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	limiter := middleware.NewRateLimiter(rate.Limit(5), 30)
	go limiter.Cleanup(ctx, 3*time.Minute)

	router := handlers.NewRouter(handlers.Routes{
		Member:      handlers.NewMemberHandler(memberService, tierService, chipService, walletService, leaderboardService, sunsetService, log),
		Admin:       handlers.NewAdminHandler(memberService, scanService, walletService, compService, payoutService, treasuryService, scheduler, log),
		Webhook:     webhookHandler,
		Health:      handlers.NewHealthHandler(map[string]handlers.Pinger{"database": st, "cache": redisCache}),
		Metrics:     promhttp.Handler(),
		MemberAuth:  middleware.ClerkAuthMiddleware,
		AdminAuth:   middleware.BasicAuthMiddleware("Admin", env.AdminUser, env.AdminPass),
		MetricsAuth: middleware.BasicAuthMiddleware("Metrics", env.MetricsUser, env.MetricsPass),
		RateLimit:   limiter.Middleware,
	})

	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		gorillaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorillaHandlers.AllowCredentials(),
	)

	server := http.Server{
		Addr:         ":" + env.Port,
		Handler:      corsHandler(router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("error starting server")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("scheduled jobs still running at shutdown")
	}
	log.Info("server shutdown complete")
}
