package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"decenterai/internal/alerts"
	"decenterai/internal/association"
	"decenterai/internal/chain"
	"decenterai/internal/config"
	"decenterai/internal/database"
	"decenterai/internal/idempotency"
	"decenterai/internal/ledger"
	"decenterai/internal/logging"
	"decenterai/internal/mirror"
	"decenterai/internal/payment"
	"decenterai/internal/ratelimit"
	"decenterai/internal/retry"
	"decenterai/internal/reward"
	"decenterai/internal/server"
	"decenterai/internal/session"
	"decenterai/internal/users"
	"decenterai/internal/verifier"
)

var errPreparerDisabled = errors.New("server configuration error")

type disabledPreparer struct{}

func (disabledPreparer) Prepare(context.Context, common.Address) (association.PrepareResult, error) {
	return association.PrepareResult{}, errPreparerDisabled
}

func main() {
	configFile := flag.String("config", "", "optional config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=main msg=\"could not load .env\" err=%v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.Service.Env, os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		store   ledger.Store
		dir     users.Directory
		idem    idempotency.Store = idempotency.NewMemoryStore()
		checks  []server.HealthCheck
		pgIdem  *idempotency.PostgresStore
		cleanup []func()
	)
	if cfg.Database.URL != "" {
		pool, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal("database error", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		checks = append(checks, server.HealthCheck{Name: "database", Check: pool.Ping})

		if store, err = ledger.NewPostgresStore(ctx, pool); err != nil {
			logger.Fatal("ledger store error", zap.Error(err))
		}
		if dir, err = users.NewPostgresDirectory(ctx, pool); err != nil {
			logger.Fatal("user directory error", zap.Error(err))
		}
		if pgIdem, err = idempotency.NewPostgresStore(ctx, pool); err != nil {
			logger.Fatal("idempotency store error", zap.Error(err))
		}
		idem = pgIdem
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		store = ledger.NewMemoryStore()
		dir = users.NewMemoryDirectory()
	}

	rewardChain, err := chain.Dial(ctx, chain.Config{
		Name:          "reward",
		RPCURL:        cfg.Reward.RPCURL,
		PrivateKeyHex: cfg.Reward.PrivateKey,
	})
	if err != nil {
		logger.Fatal("reward chain error", zap.Error(err))
	}
	cleanup = append(cleanup, rewardChain.Close)
	checks = append(checks, server.HealthCheck{Name: "reward_rpc", Check: rewardChain.Ping})

	indexer := mirror.NewClient(cfg.Settlement.MirrorURL, cfg.Settlement.MirrorTimeout)
	checks = append(checks, server.HealthCheck{Name: "mirror", Check: indexer.Ping})

	var preparer association.PrepareService = disabledPreparer{}
	if cfg.Settlement.OperatorKey != "" {
		relay, err := chain.Dial(ctx, chain.Config{
			Name:          "settlement",
			RPCURL:        cfg.Settlement.RelayRPCURL,
			PrivateKeyHex: cfg.Settlement.OperatorKey,
		})
		if err != nil {
			logger.Fatal("settlement relay error", zap.Error(err))
		}
		cleanup = append(cleanup, relay.Close)
		checks = append(checks, server.HealthCheck{Name: "settlement_rpc", Check: relay.Ping})
		preparer = association.NewPreparer(
			association.NewChecker(indexer, cfg.Settlement.TokenID),
			relay,
			association.PreparerConfig{
				FundingThreshold: cfg.Settlement.FundingThreshold,
				FundingAmount:    cfg.Settlement.FundingAmount(),
			},
			logger)
	} else {
		logger.Warn("HEDERA_OPERATOR_KEY not set; association funding disabled")
	}

	var publisher alerts.Publisher = alerts.NewLogPublisher(logger)
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := alerts.NewRabbitPublisher(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable; alerts go to the log only", zap.Error(err))
		} else {
			publisher = rabbit
		}
	}
	cleanup = append(cleanup, publisher.Close)

	var limiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		client, err := ratelimit.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("Redis unavailable; rate limiting disabled", zap.Error(err))
		} else {
			rl := ratelimit.NewRedisLimiter(client, cfg.Redis.Prefix)
			limiter = rl
			checks = append(checks, server.HealthCheck{Name: "redis", Check: rl.Ping})
			cleanup = append(cleanup, func() { _ = client.Close() })
		}
	}

	vcfg := verifier.DefaultConfig(cfg.Settlement.TokenID)
	vcfg.Decimals = cfg.Settlement.TokenDecimals
	vcfg.Window = cfg.Payment.VerificationWindow
	vcfg.Retry = retry.Fixed(cfg.Payment.VerificationAttempts, cfg.Payment.VerificationInterval)

	metrics := server.NewMetrics()
	orch := payment.New(
		dir,
		store,
		reward.NewDisburser(rewardChain, reward.Config{
			Token:    common.HexToAddress(cfg.Reward.TokenAddress),
			Decimals: cfg.Reward.Decimals,
		}, logger),
		verifier.New(indexer, vcfg, logger),
		publisher,
		payment.Config{
			Receiver:          common.HexToAddress(cfg.Settlement.ReceiverAddress),
			CreditsPerUnit:    cfg.Payment.CreditsPerUnit,
			VerificationDelay: cfg.Payment.VerificationDelay,
		},
		logger,
		payment.WithObserver(metrics),
	)

	reconciler := payment.NewReconciler(orch, store, payment.ReconcilerConfig{
		Schedule: cfg.Payment.ReconcileSchedule,
		After:    cfg.Payment.ReconcileAfter,
	}, logger)
	if pgIdem != nil {
		err := reconciler.Every("@hourly", "purge idempotency records", func(ctx context.Context) error {
			n, err := pgIdem.Purge(ctx, time.Now())
			if n > 0 {
				logger.Info("purged idempotency records", zap.Int64("count", n))
			}
			return err
		})
		if err != nil {
			logger.Fatal("scheduler error", zap.Error(err))
		}
	}
	if err := reconciler.Start(); err != nil {
		logger.Fatal("reconciler error", zap.Error(err))
	}

	sessions, err := session.NewManager(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.SecureCookie)
	if err != nil {
		logger.Fatal("session error", zap.Error(err))
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Payments:    orch,
		Preparer:    preparer,
		Ledger:      store,
		Users:       dir,
		Sessions:    sessions,
		Idempotency: idem,
		Limiter:     limiter,
		Metrics:     metrics,
		Checks:      checks,
		Log:         logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	<-reconciler.Stop().Done()
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("background verifications still pending; reconciler will pick them up", zap.Error(err))
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
}
